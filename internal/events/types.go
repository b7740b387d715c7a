// Package events provides the event types published on the bus by the
// agent task engine.
package events

// Event types published over the lifetime of an agent task.
const (
	TaskCreated        = "agenttask.created"
	TaskStatusChanged  = "agenttask.status_changed"
	TaskReported       = "agenttask.reported"
	TaskInterrupted    = "agenttask.interrupted"
	ParentAutoResumed  = "agenttask.parent_auto_resumed"
	TaskFloodProtected = "agenttask.flood_protected"
)

const (
	// Subject is the base NATS subject agent-task events publish under;
	// subscribers that want everything use Wildcard.
	Subject  = "agenttask"
	Wildcard = "agenttask.>"
)

// BuildSubject scopes a subject to one task, so a watcher can subscribe
// to a single task's lifecycle without seeing the whole tree's traffic.
func BuildSubject(eventType, taskID string) string {
	return eventType + "." + taskID
}

