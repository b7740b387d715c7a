// Package agenttask implements the Agent Task Scheduler and Lifecycle
// Engine: a recursive parent/child task tree with a per-task state
// machine (queued → running → awaiting_report → reported/interrupted),
// global admission control, stream-end-driven finalization, and
// disk-backed artifact roll-up across ancestor levels.
package agenttask

import (
	"time"

	"github.com/kandev/agenttask/internal/common/constants"
	v1 "github.com/kandev/agenttask/pkg/api/v1"
)

// TaskStatus is re-exported from pkg/api/v1 so package callers rarely
// need to import both.
type TaskStatus = v1.TaskStatus

const (
	StatusQueued         = v1.TaskStatusQueued
	StatusRunning        = v1.TaskStatusRunning
	StatusAwaitingReport = v1.TaskStatusAwaitingReport
	StatusReported       = v1.TaskStatusReported
	StatusInterrupted    = v1.TaskStatusInterrupted
)

// MaxTaskDepth is the hard ceiling on parent-chain depth. config.SchedulerConfig.MaxTaskNestingDepth is
// validated to never exceed this.
const MaxTaskDepth = constants.MaxTaskDepthCeiling

// Entry is a persisted Task Workspace Entry. The engine
// never owns this storage directly — it's materialized by the Config
// store collaborator and read back through ConfigStore.LoadConfigOrDefault.
type Entry struct {
	TaskID            string
	ParentWorkspaceID string
	ProjectPath       string
	WorkspaceName     string
	WorkspacePath     string
	RuntimeConfig     v1.RuntimeConfig

	AgentID   v1.AgentID
	AgentType v1.AgentID // legacy alias of AgentID

	Title  string
	Status TaskStatus

	CreatedAt time.Time

	// TaskPrompt is present only while Status == StatusQueued; it's
	// cleared the moment the task transitions to running.
	TaskPrompt string

	TaskTrunkBranch string
	// TaskBaseCommitSha is captured once the workspace exists and is
	// immutable afterward.
	TaskBaseCommitSha string

	TaskModelString   string
	TaskThinkingLevel string
	TaskExperiments   []string

	ReportedAt *time.Time
}

// IsStructuralLeaf reports whether e has no children at all, regardless
// of their status — the only form of "leaf" eligible for removal.
func (e *Entry) IsStructuralLeaf(idx *Index) bool {
	return len(idx.ChildrenOf(e.TaskID)) == 0
}

// ActiveStatuses are the statuses that count toward a workspace's
// active descendant count.
var ActiveStatuses = map[TaskStatus]bool{
	StatusQueued:         true,
	StatusRunning:        true,
	StatusAwaitingReport: true,
}

// Waiter is a one-shot foreground waiter on a task's completed report.
type Waiter struct {
	CreatedAt time.Time
	Resolve   func(report v1.AgentReport)
	Reject    func(err error)
	Cleanup   func()
}

// StartWaiter fires once when a task transitions queued → running; it
// exists so a waiter registered while queued doesn't start its
// execution timeout until the task actually starts.
type StartWaiter struct {
	CreatedAt time.Time
	Start     func()
	Cleanup   func()
}

// ReportCacheEntry is the bounded hot-path cache entry for a completed
// report.
type ReportCacheEntry struct {
	ReportMarkdown      string
	Title               string
	AncestorWorkspaceIDs []string
}

// ReportArtifact is the on-disk report artifact persisted into every
// ancestor's session directory.
type ReportArtifact struct {
	ChildTaskID          string    `json:"childTaskId"`
	ParentWorkspaceID    string    `json:"parentWorkspaceId"`
	AncestorWorkspaceIDs []string  `json:"ancestorWorkspaceIds"`
	ReportMarkdown       string    `json:"reportMarkdown"`
	Title                string    `json:"title,omitempty"`
	Model                string    `json:"model,omitempty"`
	ThinkingLevel        string    `json:"thinkingLevel,omitempty"`
	CreatedAtMs          int64     `json:"createdAtMs"`
	UpdatedAtMs          int64     `json:"updatedAtMs"`
}

// PatchArtifactStatus is the lifecycle of an async-generated patch artifact.
type PatchArtifactStatus string

const (
	PatchPending PatchArtifactStatus = "pending"
	PatchReady   PatchArtifactStatus = "ready"
	PatchFailed  PatchArtifactStatus = "failed"
)

// PatchArtifact is the git-format-patch artifact recorded per child task.
type PatchArtifact struct {
	ChildTaskID string              `json:"childTaskId"`
	Status      PatchArtifactStatus `json:"status"`
	MboxPath    string              `json:"mboxPath,omitempty"`
	CreatedAtMs int64               `json:"createdAtMs"`
	UpdatedAtMs int64               `json:"updatedAtMs"`
}

// TranscriptArtifact records the archived chat/partial files for a
// child task, copied into the parent's session directory on cleanup.
type TranscriptArtifact struct {
	ChildTaskID   string `json:"childTaskId"`
	ChatPath      string `json:"chatPath,omitempty"`
	PartialPath   string `json:"partialPath,omitempty"`
	Model         string `json:"model,omitempty"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
	CreatedAtMs   int64  `json:"createdAtMs"`
	UpdatedAtMs   int64  `json:"updatedAtMs"`
}

// ArtifactIndex is the on-disk shape of a session directory's index
// file for one artifact kind.
type ArtifactIndex[T any] struct {
	ArtifactsByChildTaskID map[string]T `json:"artifactsByChildTaskId"`
}
