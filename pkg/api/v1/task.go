// Package v1 defines the wire-level request/result types for the
// Agent Task Scheduler and Lifecycle Engine's public façade.
package v1

import "time"

// TaskStatus is the lifecycle state of an agent task.
type TaskStatus string

const (
	TaskStatusQueued         TaskStatus = "queued"
	TaskStatusRunning        TaskStatus = "running"
	TaskStatusAwaitingReport TaskStatus = "awaiting_report"
	TaskStatusReported       TaskStatus = "reported"
	TaskStatusInterrupted    TaskStatus = "interrupted"
)

// CreateAgentTaskRequest is the input to the `create` façade operation.
type CreateAgentTaskRequest struct {
	ParentWorkspaceID string   `json:"parent_workspace_id"`
	Kind              string   `json:"kind"` // always "agent" today
	AgentID           string   `json:"agent_id,omitempty"`
	AgentType         string   `json:"agent_type,omitempty"` // legacy alias of AgentID
	Prompt            string   `json:"prompt"`
	Title             string   `json:"title"`
	ModelString       string   `json:"model_string,omitempty"`
	ThinkingLevel     string   `json:"thinking_level,omitempty"`
	Experiments       []string `json:"experiments,omitempty"`
}

// CreateAgentTaskResult is the result of a successful `create` call.
type CreateAgentTaskResult struct {
	TaskID string     `json:"task_id"`
	Kind   string     `json:"kind"`
	Status TaskStatus `json:"status"`
}

// WaitForAgentReportRequest is the input to `waitForAgentReport`.
type WaitForAgentReportRequest struct {
	TaskID                string `json:"task_id"`
	TimeoutMs             int64  `json:"timeout_ms,omitempty"` // default 600_000 when zero
	RequestingWorkspaceID string `json:"requesting_workspace_id,omitempty"`
}

// AgentReport is the report delivered by a completed agent task.
type AgentReport struct {
	ReportMarkdown string `json:"report_markdown"`
	Title          string `json:"title,omitempty"`
}

// DescendantAgentTask is one row of `listDescendantAgentTasks`.
type DescendantAgentTask struct {
	TaskID            string     `json:"task_id"`
	Status            TaskStatus `json:"status"`
	ParentWorkspaceID string     `json:"parent_workspace_id"`
	AgentType         string     `json:"agent_type"`
	WorkspaceName     string     `json:"workspace_name"`
	Title             string     `json:"title"`
	CreatedAt         time.Time  `json:"created_at"`
	ModelString       string     `json:"model_string,omitempty"`
	ThinkingLevel     string     `json:"thinking_level,omitempty"`
	Depth             int        `json:"depth"`
}

// ListDescendantAgentTasksRequest is the input to `listDescendantAgentTasks`.
type ListDescendantAgentTasksRequest struct {
	WorkspaceID string       `json:"workspace_id"`
	Statuses    []TaskStatus `json:"statuses,omitempty"`
}

// TerminateDescendantRequest is the input to `terminateDescendantAgentTask`.
type TerminateDescendantRequest struct {
	AncestorWorkspaceID string `json:"ancestor_workspace_id"`
	TaskID              string `json:"task_id"`
}

// TerminateResult is the result of either terminate operation.
type TerminateResult struct {
	TerminatedTaskIDs []string `json:"terminated_task_ids"`
}

// IsDescendantRequest is the input to `isDescendantAgentTask`.
type IsDescendantRequest struct {
	AncestorWorkspaceID string `json:"ancestor"`
	TaskID              string `json:"task_id"`
}
