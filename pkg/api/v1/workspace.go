package v1

// RuntimeConfigKind is the tagged-variant discriminator for how a task
// workspace's filesystem should be materialized. The engine never interprets the payload beyond the
// kind; materialization itself belongs to the Runtime provider
// collaborator (out of scope for this engine).
type RuntimeConfigKind string

const (
	// RuntimeConfigForked means the task workspace should be created by
	// forking the parent's existing workspace filesystem.
	RuntimeConfigForked RuntimeConfigKind = "forked"
	// RuntimeConfigFresh means a brand-new workspace should be created
	// from the project path, with no parent filesystem to fork from
	// (used when forking is unavailable).
	RuntimeConfigFresh RuntimeConfigKind = "fresh"
)

// RuntimeConfig is the tagged variant stored on a Task Workspace Entry.
type RuntimeConfig struct {
	Kind RuntimeConfigKind `json:"kind"`
	// ForkSourceWorkspaceID is set when Kind == RuntimeConfigForked.
	ForkSourceWorkspaceID string `json:"fork_source_workspace_id,omitempty"`
	// ProjectPath is set when Kind == RuntimeConfigFresh.
	ProjectPath string `json:"project_path,omitempty"`
}
