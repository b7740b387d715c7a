package agenttask

import (
	"context"

	"github.com/kandev/agenttask/internal/events"
	"github.com/kandev/agenttask/internal/events/bus"
)

// publisher wraps an event bus with the "source" identity this engine
// publishes as: build a typed events.bus.Event, publish, log-and-continue
// on error since event publication is a best-effort side channel, never
// on the critical path of a state transition.
type publisher struct {
	bus    bus.EventBus
	source string
}

func newPublisher(b bus.EventBus) *publisher {
	return &publisher{bus: b, source: "agenttask"}
}

func (p *publisher) publish(ctx context.Context, eventType, taskID string, data map[string]any) {
	if p.bus == nil {
		return
	}
	evt := bus.NewEvent(eventType, p.source, data)
	subject := events.BuildSubject(eventType, taskID)
	// Best-effort: a failed publish never blocks or fails the state
	// transition that triggered it.
	_ = p.bus.Publish(ctx, subject, evt)
}

func (p *publisher) taskCreated(ctx context.Context, taskID string, status TaskStatus) {
	p.publish(ctx, events.TaskCreated, taskID, map[string]any{
		"task_id": taskID,
		"status":  string(status),
	})
}

func (p *publisher) statusChanged(ctx context.Context, taskID string, from, to TaskStatus) {
	p.publish(ctx, events.TaskStatusChanged, taskID, map[string]any{
		"task_id": taskID,
		"from":    string(from),
		"to":      string(to),
	})
}

func (p *publisher) taskReported(ctx context.Context, taskID string, ancestorWorkspaceIDs []string) {
	p.publish(ctx, events.TaskReported, taskID, map[string]any{
		"task_id":   taskID,
		"ancestors": ancestorWorkspaceIDs,
	})
}

func (p *publisher) taskInterrupted(ctx context.Context, taskID string) {
	p.publish(ctx, events.TaskInterrupted, taskID, map[string]any{
		"task_id": taskID,
	})
}

func (p *publisher) parentAutoResumed(ctx context.Context, workspaceID string) {
	p.publish(ctx, events.ParentAutoResumed, workspaceID, map[string]any{
		"workspace_id": workspaceID,
	})
}

func (p *publisher) floodProtected(ctx context.Context, workspaceID string, count int) {
	p.publish(ctx, events.TaskFloodProtected, workspaceID, map[string]any{
		"workspace_id": workspaceID,
		"count":        count,
	})
}
