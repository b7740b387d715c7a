package agenttask

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kandev/agenttask/internal/common/config"
	"github.com/kandev/agenttask/internal/common/logger"
	v1 "github.com/kandev/agenttask/pkg/api/v1"
)

// Scheduler owns admission control, the drain queue, parallelism
// accounting, and the nesting-depth check: a queue + logger + config
// constructor, with a `map[string]int` side table under its own mutex,
// running admission/drain against a recursive task tree.
type Scheduler struct {
	queue *TaskQueue
	cfg   config.SchedulerConfig
	log   *logger.Logger

	// foregroundAwait is the per-workspace non-negative counter behind
	// foreground-await exclusion: a running task blocked in a
	// synchronous wait for a nested task's report doesn't count toward
	// maxParallelAgentTasks.
	foregroundMu    sync.Mutex
	foregroundAwait map[string]int

	// drainLimiter backs ShouldThrottleDrain (at most one drain pass per
	// 50ms). None of the drain paths in this package (Create,
	// finalizeReport, termination, Initialize) consult it, so every
	// drain they request runs.
	drainLimiter *rate.Limiter
}

// NewScheduler constructs a Scheduler backed by q.
func NewScheduler(q *TaskQueue, cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		queue:           q,
		cfg:             cfg,
		log:             log.WithFields(zap.String("component", "scheduler")),
		foregroundAwait: make(map[string]int),
		drainLimiter:    rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
	}
}

// EnterForegroundAwait increments workspaceID's foreground-await
// counter; call the returned func to decrement it when the wait ends.
func (s *Scheduler) EnterForegroundAwait(workspaceID string) (exit func()) {
	s.foregroundMu.Lock()
	s.foregroundAwait[workspaceID]++
	s.foregroundMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.foregroundMu.Lock()
			defer s.foregroundMu.Unlock()
			if s.foregroundAwait[workspaceID] > 0 {
				s.foregroundAwait[workspaceID]--
			}
			if s.foregroundAwait[workspaceID] == 0 {
				delete(s.foregroundAwait, workspaceID)
			}
		})
	}
}

func (s *Scheduler) isForegroundAwaiting(workspaceID string) bool {
	s.foregroundMu.Lock()
	defer s.foregroundMu.Unlock()
	return s.foregroundAwait[workspaceID] > 0
}

// EffectiveRunningCount returns the global running-parallelism figure:
// every entry whose status is running or awaiting_report counts, plus
// any entry ai reports as actively streaming regardless of its stored
// status (covering the race between stream-start and the status write
// that follows it), unless the entry is currently in a foreground
// await.
func (s *Scheduler) EffectiveRunningCount(ctx context.Context, idx *Index, ai AIGateway) int {
	count := 0
	for _, e := range idx.AllEntries() {
		active := e.Status == StatusRunning || e.Status == StatusAwaitingReport
		if !active && ai != nil {
			if streaming, err := ai.IsStreaming(ctx, e.TaskID); err == nil && streaming {
				active = true
			}
		}
		if !active {
			continue
		}
		if s.isForegroundAwaiting(e.TaskID) {
			continue
		}
		count++
	}
	return count
}

// ValidateAdmission checks the admission preconditions for a new task
// under parent: a parent that has a task entry must not be reported,
// and requestedDepth must not exceed maxTaskNestingDepth. A parent id
// with no task entry is accepted as a root workspace at depth 0; it is
// not checked for existence (ErrParentNotFound is never returned).
func (s *Scheduler) ValidateAdmission(idx *Index, parentWorkspaceID string) (requestedDepth int, err error) {
	if parentEntry := idx.EntryOf(parentWorkspaceID); parentEntry != nil {
		if parentEntry.Status == StatusReported {
			return 0, ErrParentAlreadyReported
		}
	}
	// A parentWorkspaceID with no task entry is a non-task root
	// workspace — always a valid parent, at depth 0.
	parentDepth := 0
	if idx.EntryOf(parentWorkspaceID) != nil {
		d, derr := idx.DepthOf(parentWorkspaceID)
		if derr != nil {
			return 0, derr
		}
		parentDepth = d
	}
	requestedDepth = parentDepth + 1
	if requestedDepth > s.cfg.MaxTaskNestingDepth {
		return requestedDepth, ErrMaxNestingDepth
	}
	return requestedDepth, nil
}

// HasCapacity reports whether a new task can be materialized
// immediately (activeCount < maxParallelAgentTasks) rather than queued.
func (s *Scheduler) HasCapacity(ctx context.Context, idx *Index, ai AIGateway) bool {
	return s.EffectiveRunningCount(ctx, idx, ai) < s.cfg.MaxParallelAgentTasks
}

// Enqueue adds taskID to the drain queue.
func (s *Scheduler) Enqueue(taskID string, createdAt time.Time) {
	s.queue.Enqueue(taskID, createdAt)
}

// Dequeue removes taskID from the drain queue (used on terminate).
func (s *Scheduler) Dequeue(taskID string) bool {
	return s.queue.Remove(taskID)
}

// DrainStep picks the next admissible queued task, if capacity allows.
// It does not itself mutate config — materializing a task (forking the
// workspace, sending the prompt, transitioning to running) is the
// caller's (Service.maybeStartQueuedTasks's) responsibility, since it
// requires awaiting collaborator IO the Scheduler has no handle to.
// Returns nil if the queue is empty or there's no spare capacity.
func (s *Scheduler) DrainStep(ctx context.Context, idx *Index, ai AIGateway) *QueuedTask {
	if !s.HasCapacity(ctx, idx, ai) {
		return nil
	}
	return s.queue.Dequeue()
}

// ShouldThrottleDrain reports whether a best-effort re-trigger of
// maybeStartQueuedTasks should be skipped because one just ran; an
// explicit caller-requested drain (e.g. right after a terminate) should
// never consult this.
func (s *Scheduler) ShouldThrottleDrain() bool {
	return !s.drainLimiter.Allow()
}

// AgentPrecedence resolves which agent a synthetic message should be
// attributed to, following the precedence chain: event metadata →
// most-recent assistant message's agentId → workspace AI settings →
// fallback "exec".
func AgentPrecedence(eventAgentID string, lastAssistantAgentID v1.AgentID, workspaceAgentID v1.AgentID) v1.AgentID {
	if normalized := v1.NormalizeAgentID(eventAgentID); normalized != "" {
		return normalized
	}
	if lastAssistantAgentID != "" {
		return lastAssistantAgentID
	}
	if workspaceAgentID != "" {
		return workspaceAgentID
	}
	return v1.AgentIDExec
}

// IsPlanLike reports whether agentID's completion tool is propose_plan
// rather than agent_report.
// In this engine the only plan-like agent is the plan agent itself;
// a richer agent-definition-inheritance model is out of scope (the AI
// model gateway owns agent definitions).
func IsPlanLike(agentID v1.AgentID) bool {
	return agentID == v1.AgentIDPlan
}
