package agenttask

import (
	"context"
	"testing"
	"time"

	"github.com/kandev/agenttask/internal/common/config"
	"github.com/kandev/agenttask/internal/common/logger"
	v1 "github.com/kandev/agenttask/pkg/api/v1"
)

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		MaxParallelAgentTasks: 2,
		MaxTaskNestingDepth:   3,
		ReportCacheSize:       8,
		WaiterTimeout:         time.Minute,
	}
}

func newTestScheduler(t *testing.T, cfg config.SchedulerConfig) *Scheduler {
	t.Helper()
	return NewScheduler(NewTaskQueue(), cfg, logger.Default())
}

func TestSchedulerHasCapacity(t *testing.T) {
	s := newTestScheduler(t, testSchedulerConfig())
	ctx := context.Background()

	idx := BuildIndex(buildTestConfig(
		&Entry{TaskID: "a", ParentWorkspaceID: "root", Status: StatusRunning},
	))
	if !s.HasCapacity(ctx, idx, nil) {
		t.Error("expected capacity below the parallelism limit")
	}

	idxFull := BuildIndex(buildTestConfig(
		&Entry{TaskID: "a", ParentWorkspaceID: "root", Status: StatusRunning},
		&Entry{TaskID: "b", ParentWorkspaceID: "root", Status: StatusAwaitingReport},
	))
	if s.HasCapacity(ctx, idxFull, nil) {
		t.Error("expected no capacity at the parallelism limit")
	}
}

func TestSchedulerEffectiveRunningCountExcludesQueuedAndReported(t *testing.T) {
	s := newTestScheduler(t, testSchedulerConfig())
	ctx := context.Background()
	idx := BuildIndex(buildTestConfig(
		&Entry{TaskID: "running", ParentWorkspaceID: "root", Status: StatusRunning},
		&Entry{TaskID: "queued", ParentWorkspaceID: "root", Status: StatusQueued},
		&Entry{TaskID: "reported", ParentWorkspaceID: "root", Status: StatusReported},
		&Entry{TaskID: "interrupted", ParentWorkspaceID: "root", Status: StatusInterrupted},
	))
	if got := s.EffectiveRunningCount(ctx, idx, nil); got != 1 {
		t.Errorf("expected 1 effectively-running task, got %d", got)
	}
}

// TestSchedulerEffectiveRunningCountCountsActiveStreamsRegardlessOfStatus
// verifies that a task the AI gateway reports as actively streaming
// counts toward parallelism even while its stored status still lags
// (e.g. "queued" during the race between stream-start and the status
// write that follows it).
func TestSchedulerEffectiveRunningCountCountsActiveStreamsRegardlessOfStatus(t *testing.T) {
	s := newTestScheduler(t, testSchedulerConfig())
	ctx := context.Background()
	idx := BuildIndex(buildTestConfig(
		&Entry{TaskID: "lagging", ParentWorkspaceID: "root", Status: StatusQueued},
	))

	ai := newMemAIGateway()
	if got := s.EffectiveRunningCount(ctx, idx, ai); got != 0 {
		t.Fatalf("expected 0 before the stream starts, got %d", got)
	}

	ai.streaming["lagging"] = true
	if got := s.EffectiveRunningCount(ctx, idx, ai); got != 1 {
		t.Errorf("expected a streaming task to count despite its queued status, got %d", got)
	}
}

func TestSchedulerForegroundAwaitExclusion(t *testing.T) {
	s := newTestScheduler(t, testSchedulerConfig())
	ctx := context.Background()
	idx := BuildIndex(buildTestConfig(
		&Entry{TaskID: "a", ParentWorkspaceID: "root", Status: StatusRunning},
	))

	exit := s.EnterForegroundAwait("a")
	if got := s.EffectiveRunningCount(ctx, idx, nil); got != 0 {
		t.Errorf("expected a foreground-awaiting task to be excluded, got count %d", got)
	}
	exit()
	if got := s.EffectiveRunningCount(ctx, idx, nil); got != 1 {
		t.Errorf("expected the task to count again after exiting foreground await, got %d", got)
	}
}

func TestSchedulerForegroundAwaitIsRefCounted(t *testing.T) {
	s := newTestScheduler(t, testSchedulerConfig())
	ctx := context.Background()
	idx := BuildIndex(buildTestConfig(
		&Entry{TaskID: "a", ParentWorkspaceID: "root", Status: StatusRunning},
	))

	exit1 := s.EnterForegroundAwait("a")
	exit2 := s.EnterForegroundAwait("a")
	exit1()
	if got := s.EffectiveRunningCount(ctx, idx, nil); got != 0 {
		t.Errorf("expected task to still be excluded with one outstanding foreground await, got %d", got)
	}
	exit2()
	if got := s.EffectiveRunningCount(ctx, idx, nil); got != 1 {
		t.Errorf("expected task to count once all foreground awaits exit, got %d", got)
	}

	// Exiting twice must not underflow the counter.
	exit2()
	if got := s.EffectiveRunningCount(ctx, idx, nil); got != 1 {
		t.Errorf("expected an extra exit call to be a no-op, got %d", got)
	}
}

func TestSchedulerValidateAdmissionDepthLimit(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.MaxTaskNestingDepth = 2
	s := newTestScheduler(t, cfg)

	idx := BuildIndex(buildTestConfig(
		&Entry{TaskID: "a", ParentWorkspaceID: "root", Status: StatusRunning},
		&Entry{TaskID: "b", ParentWorkspaceID: "a", Status: StatusRunning},
	))

	if _, err := s.ValidateAdmission(idx, "root"); err != nil {
		t.Errorf("expected root-level admission to succeed, got %v", err)
	}
	if _, err := s.ValidateAdmission(idx, "a"); err != nil {
		t.Errorf("expected depth-2 admission to succeed, got %v", err)
	}
	if _, err := s.ValidateAdmission(idx, "b"); err != ErrMaxNestingDepth {
		t.Errorf("expected ErrMaxNestingDepth beyond the configured depth, got %v", err)
	}
}

func TestSchedulerValidateAdmissionParentAlreadyReported(t *testing.T) {
	s := newTestScheduler(t, testSchedulerConfig())
	idx := BuildIndex(buildTestConfig(
		&Entry{TaskID: "a", ParentWorkspaceID: "root", Status: StatusReported},
	))
	if _, err := s.ValidateAdmission(idx, "a"); err != ErrParentAlreadyReported {
		t.Errorf("expected ErrParentAlreadyReported, got %v", err)
	}
}

func TestSchedulerEnqueueDequeueDrainStep(t *testing.T) {
	s := newTestScheduler(t, testSchedulerConfig())
	ctx := context.Background()
	idx := BuildIndex(buildTestConfig())

	s.Enqueue("task-1", time.Now())
	if got := s.DrainStep(ctx, idx, nil); got == nil || got.TaskID != "task-1" {
		t.Fatalf("expected task-1 to be drained, got %v", got)
	}
	if got := s.DrainStep(ctx, idx, nil); got != nil {
		t.Errorf("expected no more queued tasks, got %v", got)
	}
}

func TestSchedulerDrainStepRespectsCapacity(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.MaxParallelAgentTasks = 1
	s := newTestScheduler(t, cfg)
	ctx := context.Background()

	idxAtCapacity := BuildIndex(buildTestConfig(
		&Entry{TaskID: "running", ParentWorkspaceID: "root", Status: StatusRunning},
	))
	s.Enqueue("queued", time.Now())

	if got := s.DrainStep(ctx, idxAtCapacity, nil); got != nil {
		t.Errorf("expected DrainStep to withhold admission at capacity, got %v", got)
	}
}

func TestSchedulerDequeueRemovesFromQueue(t *testing.T) {
	s := newTestScheduler(t, testSchedulerConfig())
	ctx := context.Background()
	s.Enqueue("task-1", time.Now())

	if !s.Dequeue("task-1") {
		t.Error("expected Dequeue to report removal")
	}
	idx := BuildIndex(buildTestConfig())
	if got := s.DrainStep(ctx, idx, nil); got != nil {
		t.Errorf("expected queue to be empty after Dequeue, got %v", got)
	}
}

func TestAgentPrecedence(t *testing.T) {
	cases := []struct {
		name                 string
		eventAgentID         string
		lastAssistantAgentID v1.AgentID
		workspaceAgentID     v1.AgentID
		want                 v1.AgentID
	}{
		{"event wins", "plan", "exec", "exec", v1.AgentIDPlan},
		{"falls back to last assistant", "", "plan", "exec", v1.AgentIDPlan},
		{"falls back to workspace", "", "", "plan", v1.AgentIDPlan},
		{"falls back to exec", "", "", "", v1.AgentIDExec},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := AgentPrecedence(tc.eventAgentID, tc.lastAssistantAgentID, tc.workspaceAgentID)
			if got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestIsPlanLike(t *testing.T) {
	if !IsPlanLike(v1.AgentIDPlan) {
		t.Error("expected the plan agent to be plan-like")
	}
	if IsPlanLike(v1.AgentIDExec) {
		t.Error("expected the exec agent to not be plan-like")
	}
}
