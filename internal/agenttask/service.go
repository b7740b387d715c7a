package agenttask

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kandev/agenttask/internal/common/appctx"
	"github.com/kandev/agenttask/internal/common/config"
	apperrors "github.com/kandev/agenttask/internal/common/errors"
	"github.com/kandev/agenttask/internal/common/logger"
	"github.com/kandev/agenttask/internal/events/bus"
	v1 "github.com/kandev/agenttask/pkg/api/v1"
)

// Service is the Task Service façade: the single
// entry point coordinating the Task Index, Mutex Map, Waiter Registry,
// Report Cache, Artifact Store, Scheduler, and Stream-End Handler. One
// struct owns every collaborator; a package-wide mutex is held across
// multi-step operations, with mutex-guarded sticky process-local state
// for flood protection and hard-interrupt tracking.
type Service struct {
	configStore      ConfigStore
	workspaceService WorkspaceService
	aiGateway        AIGateway
	historyStore     HistoryStore
	classifier       ClassifierLLM
	patchGen         PatchGenerator

	artifacts   *ArtifactStore
	scheduler   *Scheduler
	mutexMap    *MutexMap
	waiters     *WaiterRegistry
	reportCache *ReportCache
	publisher   *publisher

	cfg config.SchedulerConfig
	log *logger.Logger

	// serviceMu is the single global mutex held across
	// create / terminateDescendant / terminateAllDescendants /
	// maybeStartQueuedTasks. It's held across awaited IO, by design.
	serviceMu sync.Mutex

	// Sticky per-workspace, process-local state — reset
	// on restart, which is acceptable because initialize() re-derives
	// conservative defaults.
	stickyMu                sync.Mutex
	interruptedWorkspaceIDs map[string]bool
	consecutiveAutoResumes  map[string]int
	handoffInProgress       map[string]bool
	remindedAwaitingReport  map[string]bool

	waitGroup singleflight.Group
}

// NewService constructs the façade from its collaborators.
func NewService(
	configStore ConfigStore,
	workspaceService WorkspaceService,
	aiGateway AIGateway,
	historyStore HistoryStore,
	classifier ClassifierLLM,
	patchGen PatchGenerator,
	eventBus bus.EventBus,
	cfg config.SchedulerConfig,
	log *logger.Logger,
) *Service {
	log = log.WithFields(zap.String("component", "agenttask_service"))
	reportCache := NewReportCache(cfg.ReportCacheSize)
	return &Service{
		configStore:      configStore,
		workspaceService: workspaceService,
		aiGateway:        aiGateway,
		historyStore:     historyStore,
		classifier:       classifier,
		patchGen:         patchGen,

		artifacts:   NewArtifactStore(configStore, log),
		scheduler:   NewScheduler(NewTaskQueue(), cfg, log),
		mutexMap:    NewMutexMap(),
		waiters:     NewWaiterRegistry(reportCache),
		reportCache: reportCache,
		publisher:   newPublisher(eventBus),

		cfg: cfg,
		log: log,

		interruptedWorkspaceIDs: make(map[string]bool),
		consecutiveAutoResumes:  make(map[string]int),
		handoffInProgress:       make(map[string]bool),
		remindedAwaitingReport:  make(map[string]bool),
	}
}

func (s *Service) loadIndex(ctx context.Context) (*Index, *Config, error) {
	cfg, err := s.configStore.LoadConfigOrDefault(ctx)
	if err != nil {
		return nil, nil, apperrors.InternalError("failed to load config", err)
	}
	return BuildIndex(cfg), cfg, nil
}

// Create implements the `create` façade operation. It
// validates, reserves a taskId, and either queues (persist only) or
// materializes the task (persist running + send initial prompt)
// depending on current capacity. It does not fork a runtime or create a
// workspace; the task's workspace id is its taskId.
func (s *Service) Create(ctx context.Context, req v1.CreateAgentTaskRequest) (v1.CreateAgentTaskResult, error) {
	if req.Prompt == "" {
		return v1.CreateAgentTaskResult{}, apperrors.BadRequest(ErrPromptRequired.Error())
	}
	rawAgentID := req.AgentID
	if rawAgentID == "" {
		rawAgentID = req.AgentType
	}
	if rawAgentID == "" {
		return v1.CreateAgentTaskResult{}, apperrors.BadRequest(ErrAgentIDRequired.Error())
	}
	agentID := v1.NormalizeAgentID(rawAgentID)
	if !v1.KnownAgentIDs()[agentID] {
		return v1.CreateAgentTaskResult{}, apperrors.ValidationError("agentId", ErrUnknownAgentID.Error())
	}

	s.serviceMu.Lock()
	defer s.serviceMu.Unlock()

	idx, cfg, err := s.loadIndex(ctx)
	if err != nil {
		return v1.CreateAgentTaskResult{}, err
	}

	if _, err := s.scheduler.ValidateAdmission(idx, req.ParentWorkspaceID); err != nil {
		switch err {
		case ErrParentAlreadyReported:
			return v1.CreateAgentTaskResult{}, apperrors.Capacity(err.Error())
		case ErrMaxNestingDepth:
			return v1.CreateAgentTaskResult{}, apperrors.Capacity(err.Error())
		default:
			return v1.CreateAgentTaskResult{}, apperrors.InternalError("admission check failed", err)
		}
	}

	taskID, err := s.configStore.GenerateStableID(ctx)
	if err != nil {
		return v1.CreateAgentTaskResult{}, apperrors.InternalError("failed to generate task id", err)
	}

	now := time.Now().UTC()
	entry := &Entry{
		TaskID:            taskID,
		ParentWorkspaceID: req.ParentWorkspaceID,
		AgentID:           agentID,
		AgentType:         agentID,
		Title:             req.Title,
		Status:            StatusQueued,
		CreatedAt:         now,
		TaskPrompt:        req.Prompt,
		TaskModelString:   req.ModelString,
		TaskThinkingLevel: req.ThinkingLevel,
		TaskExperiments:   req.Experiments,
	}

	cfg.Entries[taskID] = entry
	if err := s.configStore.EditConfig(ctx, func(c *Config) error {
		c.Entries[taskID] = entry
		return nil
	}); err != nil {
		return v1.CreateAgentTaskResult{}, apperrors.TransientRuntime("failed to persist task entry", err)
	}
	s.publisher.taskCreated(ctx, taskID, StatusQueued)

	idx = BuildIndex(cfg)
	if !s.scheduler.HasCapacity(ctx, idx, s.aiGateway) {
		s.scheduler.Enqueue(taskID, now)
		return v1.CreateAgentTaskResult{TaskID: taskID, Kind: "agent", Status: StatusQueued}, nil
	}

	if err := s.materialize(ctx, entry); err != nil {
		// Transient runtime failure: rollback.
		_ = s.configStore.EditConfig(ctx, func(c *Config) error {
			delete(c.Entries, taskID)
			return nil
		})
		_ = s.configStore.UpdateWorkspaceMetadata(ctx, taskID, nil)
		return v1.CreateAgentTaskResult{}, apperrors.TransientRuntime("failed to start task", err)
	}

	s.publisher.statusChanged(ctx, taskID, StatusQueued, StatusRunning)
	return v1.CreateAgentTaskResult{TaskID: taskID, Kind: "agent", Status: StatusRunning}, nil
}

// materialize persists running + clears taskPrompt, sends the initial
// prompt to the task's workspace, and fires start-waiters. It neither
// forks nor freshly creates a workspace: no workspace-creation call is
// made before the prompt is sent. Called both from Create (immediate admission) and
// from maybeStartQueuedTasks (drain).
func (s *Service) materialize(ctx context.Context, entry *Entry) error {
	prompt := entry.TaskPrompt
	entry.Status = StatusRunning
	entry.TaskPrompt = ""

	if err := s.configStore.EditConfig(ctx, func(c *Config) error {
		c.Entries[entry.TaskID] = entry
		return nil
	}); err != nil {
		return err
	}

	if err := s.workspaceService.SendMessage(ctx, entry.TaskID, prompt, AIOptions{
		ModelString:   entry.TaskModelString,
		ThinkingLevel: entry.TaskThinkingLevel,
	}, SendMessageOptions{Synthetic: false}); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	s.waiters.FireStart(entry.TaskID)
	return nil
}

// WaitForAgentReport implements `waitForAgentReport`.
// Concurrent callers for the same taskId are collapsed onto a single
// registration via singleflight, so a flurry of callers all awaiting
// the same child doesn't register N redundant timers.
func (s *Service) WaitForAgentReport(ctx context.Context, req v1.WaitForAgentReportRequest) (v1.AgentReport, error) {
	if cached, ok := s.reportCache.Get(req.TaskID); ok {
		return v1.AgentReport{ReportMarkdown: cached.ReportMarkdown, Title: cached.Title}, nil
	}

	ch := s.waitGroup.DoChan(req.TaskID, func() (interface{}, error) {
		return s.registerAndAwait(ctx, req)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return v1.AgentReport{}, res.Err
		}
		r := res.Val.(result)
		return r.report, r.err
	case <-ctx.Done():
		return v1.AgentReport{}, ctx.Err()
	}
}

func (s *Service) registerAndAwait(ctx context.Context, req v1.WaitForAgentReportRequest) (interface{}, error) {
	idx, _, err := s.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	entry := idx.EntryOf(req.TaskID)
	if entry == nil {
		return nil, apperrors.NotFound("task", req.TaskID)
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if req.TimeoutMs <= 0 {
		timeout = s.cfg.WaiterTimeout
	}

	if req.RequestingWorkspaceID != "" {
		exit := s.scheduler.EnterForegroundAwait(req.RequestingWorkspaceID)
		defer exit()
	}

	done := make(chan struct{})
	var report v1.AgentReport
	var waitErr error

	w := &Waiter{
		CreatedAt: time.Now().UTC(),
		Resolve: func(r v1.AgentReport) {
			report = r
			close(done)
		},
		Reject: func(err error) {
			waitErr = err
			close(done)
		},
		Cleanup: func() {},
	}
	s.waiters.Register(req.TaskID, w)

	timedOut := make(chan struct{})
	arm, stopTimer := newWaiterTimer(timeout, func() { close(timedOut) })
	defer stopTimer()

	if entry.Status == StatusQueued {
		sw := &StartWaiter{CreatedAt: time.Now().UTC(), Start: arm, Cleanup: func() {}}
		s.waiters.RegisterStart(req.TaskID, sw)
	} else {
		arm()
	}

	select {
	case <-done:
		if waitErr != nil {
			return nil, waitErr
		}
		return result{report: report}, nil
	case <-timedOut:
		s.waiters.RemoveWaiter(req.TaskID, w)
		return nil, ErrWaitTimedOut
	case <-ctx.Done():
		s.waiters.RemoveWaiter(req.TaskID, w)
		return nil, ErrWaitAborted
	}
}

type result struct {
	report v1.AgentReport
	err    error
}

// GetAgentTaskStatus implements `getAgentTaskStatus`.
func (s *Service) GetAgentTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	idx, _, err := s.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	entry := idx.EntryOf(taskID)
	if entry == nil {
		return nil, nil
	}
	status := entry.Status
	return &status, nil
}

// ListDescendantAgentTasks implements `listDescendantAgentTasks`
//, ordered by createdAt ascending.
func (s *Service) ListDescendantAgentTasks(ctx context.Context, req v1.ListDescendantAgentTasksRequest) ([]v1.DescendantAgentTask, error) {
	idx, _, err := s.loadIndex(ctx)
	if err != nil {
		return nil, err
	}

	var statusFilter map[TaskStatus]bool
	if len(req.Statuses) > 0 {
		statusFilter = make(map[TaskStatus]bool, len(req.Statuses))
		for _, st := range req.Statuses {
			statusFilter[st] = true
		}
	}

	descendantIDs := idx.DescendantsOf(req.WorkspaceID)
	tasks := make([]v1.DescendantAgentTask, 0, len(descendantIDs))
	for _, id := range descendantIDs {
		e := idx.EntryOf(id)
		if e == nil {
			continue
		}
		if statusFilter != nil && !statusFilter[e.Status] {
			continue
		}
		depth, err := idx.DepthOf(id)
		if err != nil {
			continue
		}
		tasks = append(tasks, v1.DescendantAgentTask{
			TaskID:            e.TaskID,
			Status:            e.Status,
			ParentWorkspaceID: e.ParentWorkspaceID,
			AgentType:         string(e.AgentType),
			WorkspaceName:     e.WorkspaceName,
			Title:             e.Title,
			CreatedAt:         e.CreatedAt,
			ModelString:       e.TaskModelString,
			ThinkingLevel:     e.TaskThinkingLevel,
			Depth:             depth,
		})
	}

	sortDescendantsByCreatedAt(tasks)
	return tasks, nil
}

func sortDescendantsByCreatedAt(tasks []v1.DescendantAgentTask) {
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && tasks[j-1].CreatedAt.After(tasks[j].CreatedAt); j-- {
			tasks[j-1], tasks[j] = tasks[j], tasks[j-1]
		}
	}
}

// IsDescendantAgentTask implements `isDescendantAgentTask`: true if walking parentOf from taskID reaches
// ancestorWorkspaceID within the depth bound, OR the persisted report
// artifact for taskID (if it was already cleaned up) lists
// ancestorWorkspaceID in its ancestorWorkspaceIds.
func (s *Service) IsDescendantAgentTask(ctx context.Context, req v1.IsDescendantRequest) (bool, error) {
	idx, _, err := s.loadIndex(ctx)
	if err != nil {
		return false, err
	}
	if idx.EntryOf(req.TaskID) != nil {
		ancestors, err := idx.AncestorsOf(req.TaskID)
		if err != nil {
			return false, err
		}
		for _, a := range ancestors {
			if a == req.AncestorWorkspaceID {
				return true, nil
			}
		}
		return false, nil
	}

	// Task was already cleaned up: fall back to the persisted artifact.
	sessionDir, err := s.configStore.GetSessionDir(ctx, req.AncestorWorkspaceID)
	if err != nil {
		return false, nil
	}
	entries, err := readIndex[ReportArtifact](indexPath(sessionDir, reportsDir))
	if err != nil {
		return false, nil
	}
	artifact, ok := entries[req.TaskID]
	if !ok {
		return false, nil
	}
	for _, a := range artifact.AncestorWorkspaceIDs {
		if a == req.AncestorWorkspaceID {
			return true, nil
		}
	}
	return false, nil
}

// maybeStartQueuedTasks is the Scheduler's drain loop, run under serviceMu. It repeatedly rebuilds the index,
// recomputes capacity, and materializes the earliest-admissible
// queued tasks until either the queue is empty or capacity is
// exhausted, rechecking capacity after every awaited IO.
func (s *Service) maybeStartQueuedTasks(ctx context.Context) {
	s.serviceMu.Lock()
	defer s.serviceMu.Unlock()
	s.drainLocked(ctx)
}

func (s *Service) drainLocked(ctx context.Context) {
	for {
		idx, cfg, err := s.loadIndex(ctx)
		if err != nil {
			s.log.Error("drain: failed to load config", zap.Error(err))
			return
		}

		queued := s.scheduler.DrainStep(ctx, idx, s.aiGateway)
		if queued == nil {
			return
		}

		entry := cfg.Entries[queued.TaskID]
		if entry == nil || entry.Status != StatusQueued {
			continue // stale queue entry (e.g. terminated while queued); skip
		}

		if _, err := s.scheduler.ValidateAdmission(idx, entry.ParentWorkspaceID); err != nil {
			s.log.Warn("drain: queued task no longer admissible, dropping",
				zap.String("task_id", entry.TaskID), zap.Error(err))
			continue
		}

		if err := s.materialize(ctx, entry); err != nil {
			s.log.Error("drain: failed to materialize queued task",
				zap.String("task_id", entry.TaskID), zap.Error(err))
			continue
		}
		s.publisher.statusChanged(ctx, entry.TaskID, StatusQueued, StatusRunning)
	}
}

// detachedBackground returns a context decoupled from ctx's
// cancellation for a background operation that must outlive the
// triggering request (patch generation kickoff, auto-resume sends) —
// these are cooperative background work, not request-scoped.
func (s *Service) detachedBackground(timeout time.Duration) (context.Context, context.CancelFunc) {
	return appctx.Detached(context.Background(), nil, timeout)
}
