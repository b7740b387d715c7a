package localstore

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agenttask/internal/agenttask"
	"github.com/kandev/agenttask/internal/common/logger"
	v1 "github.com/kandev/agenttask/pkg/api/v1"
)

// WorkspaceService is a minimal standalone stand-in for the real
// runtime-provider-backed workspace CRUD collaborator: it records
// agent status in memory and logs everything else, sent messages
// included (they are not stored). A
// production deployment replaces this with a client for the actual
// version-controlled workspace runtime.
type WorkspaceService struct {
	mu     sync.Mutex
	info   map[string]*agenttask.WorkspaceInfo
	status map[string]*string
	log    *logger.Logger
}

// NewWorkspaceService constructs a standalone WorkspaceService.
func NewWorkspaceService(log *logger.Logger) *WorkspaceService {
	return &WorkspaceService{
		info:   make(map[string]*agenttask.WorkspaceInfo),
		status: make(map[string]*string),
		log:    log.WithFields(zap.String("component", "localstore_workspace")),
	}
}

func (w *WorkspaceService) SendMessage(ctx context.Context, workspaceID, text string, ai agenttask.AIOptions, opts agenttask.SendMessageOptions) error {
	w.log.Info("send message",
		zap.String("workspace_id", workspaceID),
		zap.Bool("synthetic", opts.Synthetic),
		zap.String("model", ai.ModelString))
	return nil
}

func (w *WorkspaceService) ResumeStream(ctx context.Context, workspaceID string) error {
	w.log.Info("resume stream", zap.String("workspace_id", workspaceID))
	return nil
}

func (w *WorkspaceService) Remove(ctx context.Context, workspaceID string, force bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.info, workspaceID)
	delete(w.status, workspaceID)
	return nil
}

func (w *WorkspaceService) EmitMetadata(ctx context.Context, workspaceID string, metadata map[string]any) {
	w.log.Debug("emit metadata", zap.String("workspace_id", workspaceID), zap.Any("metadata", metadata))
}

func (w *WorkspaceService) GetInfo(ctx context.Context, workspaceID string) (*agenttask.WorkspaceInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if info, ok := w.info[workspaceID]; ok {
		return info, nil
	}
	return &agenttask.WorkspaceInfo{WorkspaceID: workspaceID, AgentID: v1.AgentIDExec}, nil
}

func (w *WorkspaceService) UpdateAgentStatus(ctx context.Context, workspaceID string, status *string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status[workspaceID] = status
	return nil
}

func (w *WorkspaceService) ReplaceHistory(ctx context.Context, workspaceID string, summary string, mode string) error {
	w.log.Info("replace history", zap.String("workspace_id", workspaceID), zap.String("mode", mode))
	return nil
}

// AIGateway is a standalone stand-in for the real AI model gateway: it
// reports no workspace as ever streaming, since there is no LLM
// integration wired up outside the real gateway's own process.
type AIGateway struct {
	log *logger.Logger
}

// NewAIGateway constructs a standalone AIGateway.
func NewAIGateway(log *logger.Logger) *AIGateway {
	return &AIGateway{log: log.WithFields(zap.String("component", "localstore_ai_gateway"))}
}

func (a *AIGateway) IsStreaming(ctx context.Context, workspaceID string) (bool, error) {
	return false, nil
}

func (a *AIGateway) StopStream(ctx context.Context, workspaceID string, abandonPartial bool) error {
	a.log.Info("stop stream", zap.String("workspace_id", workspaceID), zap.Bool("abandon_partial", abandonPartial))
	return nil
}

// HistoryStore is an in-memory append-only per-workspace message log,
// grounded on the same pattern as a mutex-guarded map-of-slices store.
type HistoryStore struct {
	mu      sync.Mutex
	history map[string][]agenttask.HistoryMessage
	partial map[string]*agenttask.HistoryMessage
}

// NewHistoryStore constructs an empty in-memory HistoryStore.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{
		history: make(map[string][]agenttask.HistoryMessage),
		partial: make(map[string]*agenttask.HistoryMessage),
	}
}

func (h *HistoryStore) GetLastMessages(ctx context.Context, workspaceID string, n int) ([]agenttask.HistoryMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.history[workspaceID]
	if n <= 0 || n >= len(msgs) {
		out := make([]agenttask.HistoryMessage, len(msgs))
		copy(out, msgs)
		return out, nil
	}
	out := make([]agenttask.HistoryMessage, n)
	copy(out, msgs[len(msgs)-n:])
	return out, nil
}

func (h *HistoryStore) ReadPartial(ctx context.Context, workspaceID string) (*agenttask.HistoryMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.partial[workspaceID], nil
}

func (h *HistoryStore) WritePartial(ctx context.Context, workspaceID string, msg *agenttask.HistoryMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partial[workspaceID] = msg
	return nil
}

func (h *HistoryStore) AppendToHistory(ctx context.Context, workspaceID string, msg agenttask.HistoryMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history[workspaceID] = append(h.history[workspaceID], msg)
	return nil
}

// Classifier resolves plan auto-handoff routing without a real
// classifier LLM behind it: it always routes to "exec", the same
// fallback the engine itself uses when orchestratorEnabled is false.
type Classifier struct{}

// NewClassifier constructs a fallback-only Classifier.
func NewClassifier() *Classifier { return &Classifier{} }

func (c *Classifier) ClassifyPlanTarget(ctx context.Context, planContents string) (v1.PlanRouting, error) {
	return v1.PlanRoutingExec, nil
}

// PatchGenerator produces an empty mbox patch; a production deployment
// wires this to the real git-format-patch producer described in
// the domain stack.
type PatchGenerator struct{}

// NewPatchGenerator constructs a no-op PatchGenerator.
func NewPatchGenerator() *PatchGenerator { return &PatchGenerator{} }

func (p *PatchGenerator) GeneratePatch(ctx context.Context, taskID string) (string, error) {
	return fmt.Sprintf("# no patch generator configured for task %s\n", taskID), nil
}
