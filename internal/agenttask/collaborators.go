package agenttask

import (
	"context"
	"time"

	v1 "github.com/kandev/agenttask/pkg/api/v1"
)

// Config is the authoritative, durable projection of every Task
// Workspace Entry, keyed by taskId. It's what the Config store
// collaborator hands back from LoadConfigOrDefault; the Task Index is
// rebuilt from it on every public operation boundary.
type Config struct {
	Entries map[string]*Entry
}

// ConfigStore is the out-of-scope external collaborator owning durable
// multi-project workspace state. The engine never
// holds a database handle of its own — every mutation goes through
// EditConfig's transactional mutator.
type ConfigStore interface {
	// LoadConfigOrDefault returns the current authoritative config,
	// or an empty one if none exists yet.
	LoadConfigOrDefault(ctx context.Context) (*Config, error)

	// EditConfig runs mutate against a fresh copy of the config and
	// persists the result transactionally. The mutator may return an
	// error to abort the edit with no persisted change.
	EditConfig(ctx context.Context, mutate func(cfg *Config) error) error

	// GenerateStableID returns a new opaque, globally unique task id.
	GenerateStableID(ctx context.Context) (string, error)

	// GetSessionDir returns the on-disk session directory root for a
	// workspace (where chat.jsonl, partial.json, subagent-* live).
	GetSessionDir(ctx context.Context, workspaceID string) (string, error)

	// UpdateWorkspaceMetadata merges patch into the workspace's stored
	// metadata and emits a "metadata" event to subscribers. Passing a
	// nil patch clears metadata (used on rollback).
	UpdateWorkspaceMetadata(ctx context.Context, workspaceID string, patch map[string]any) error

	// RemoveWorkspace deletes a workspace's config entry, runtime
	// filesystem, and session directory.
	RemoveWorkspace(ctx context.Context, workspaceID string) error
}

// SendMessageOptions controls how WorkspaceService.SendMessage behaves.
type SendMessageOptions struct {
	// Synthetic marks the message as engine-generated rather than
	// user-authored (reminders, auto-resumes, kickoffs).
	Synthetic bool
	// SkipAutoResumeReset keeps the consecutive-auto-resume counter
	// from being cleared by this send (used for the synthetic
	// auto-resume message itself, which must not reset its own counter).
	SkipAutoResumeReset bool
	// RequireIdle fails the send if the workspace is currently streaming.
	RequireIdle bool
	// AllowQueuedAgentTask permits sending into a workspace that still
	// has a queued-but-not-materialized agent task pending.
	AllowQueuedAgentTask bool
}

// AIOptions carries model/thinking-level overrides for a send.
type AIOptions struct {
	ModelString   string
	ThinkingLevel string
}

// WorkspaceService is the out-of-scope lower-level CRUD collaborator
// over workspaces.
type WorkspaceService interface {
	SendMessage(ctx context.Context, workspaceID, text string, ai AIOptions, opts SendMessageOptions) error
	ResumeStream(ctx context.Context, workspaceID string) error
	Remove(ctx context.Context, workspaceID string, force bool) error
	EmitMetadata(ctx context.Context, workspaceID string, metadata map[string]any)
	GetInfo(ctx context.Context, workspaceID string) (*WorkspaceInfo, error)
	UpdateAgentStatus(ctx context.Context, workspaceID string, status *string) error
	ReplaceHistory(ctx context.Context, workspaceID string, summary string, mode string) error
}

// WorkspaceInfo is a minimal read projection of workspace state
// the engine consults when resolving agent/model precedence chains.
type WorkspaceInfo struct {
	WorkspaceID   string
	AgentID       v1.AgentID
	ModelString   string
	ThinkingLevel string
}

// StreamEndPayload is the event the AI/stream gateway emits when a
// turn ends.
type StreamEndPayload struct {
	WorkspaceID string
	Parts       []v1.ToolPart
	Metadata    StreamEndMetadata
}

// StreamEndMetadata carries the highest-precedence agent id for
// resolving which agent a synthetic message should be attributed to.
type StreamEndMetadata struct {
	AgentID   string
	Timestamp time.Time
}

// AIGateway is the out-of-scope external collaborator that evaluates
// agent prompts and emits stream-start/stream-end/tool-call events.
type AIGateway interface {
	IsStreaming(ctx context.Context, workspaceID string) (bool, error)
	StopStream(ctx context.Context, workspaceID string, abandonPartial bool) error
}

// HistoryStore is the out-of-scope append-only per-workspace message
// log collaborator.
type HistoryStore interface {
	GetLastMessages(ctx context.Context, workspaceID string, n int) ([]HistoryMessage, error)
	ReadPartial(ctx context.Context, workspaceID string) (*HistoryMessage, error)
	WritePartial(ctx context.Context, workspaceID string, msg *HistoryMessage) error
	AppendToHistory(ctx context.Context, workspaceID string, msg HistoryMessage) error
}

// HistoryMessage is a minimal projection of a stored chat message —
// only the fields the engine's own control flow inspects (role,
// author agent, text, and any pending task-tool-call parts).
type HistoryMessage struct {
	Role      string
	AgentID   v1.AgentID
	Text      string
	Parts     []v1.ToolPart
	Compacted string
}

// PatchGenerator is the out-of-scope git-format-patch producer
// collaborator invoked asynchronously after a report finalizes
//. It returns the patch in mbox format.
type PatchGenerator interface {
	GeneratePatch(ctx context.Context, taskID string) (mboxContents string, err error)
}

// ClassifierLLM is invoked during plan auto-handoff routing when
// PlanRouting == "auto" to pick between "exec" and "orchestrator"
//. It's a narrow slice of the AI model gateway
// collaborator, modeled separately because it has a distinct,
// synchronous call shape (classify, not stream).
type ClassifierLLM interface {
	ClassifyPlanTarget(ctx context.Context, planContents string) (v1.PlanRouting, error)
}
