package agenttask

import (
	"sync"
	"sync/atomic"
	"time"

	v1 "github.com/kandev/agenttask/pkg/api/v1"
)

// WaiterRegistry holds, per taskId, the foreground waiters awaiting
// agent_report and the start-waiters awaiting queued→running. A
// waiter registered while the task is queued does
// not begin its execution timeout until the task actually starts;
// that's enforced by RegisterStart firing independently of Register.
type WaiterRegistry struct {
	mu           sync.Mutex
	waiters      map[string][]*Waiter
	startWaiters map[string][]*StartWaiter
	reportCache  *ReportCache
}

// NewWaiterRegistry constructs an empty registry backed by cache for
// completed reports.
func NewWaiterRegistry(cache *ReportCache) *WaiterRegistry {
	return &WaiterRegistry{
		waiters:      make(map[string][]*Waiter),
		startWaiters: make(map[string][]*StartWaiter),
		reportCache:  cache,
	}
}

// Register adds a foreground waiter for taskId.
func (r *WaiterRegistry) Register(taskID string, w *Waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiters[taskID] = append(r.waiters[taskID], w)
}

// RegisterStart adds a start-waiter for taskId.
func (r *WaiterRegistry) RegisterStart(taskID string, w *StartWaiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startWaiters[taskID] = append(r.startWaiters[taskID], w)
}

// ResolveAll drains every foreground waiter on taskId, invokes each
// one's cleanup, then resolves it with report — and caches the report
// for subsequent hot-path lookups.
func (r *WaiterRegistry) ResolveAll(taskID string, report v1.AgentReport, ancestorWorkspaceIDs []string) {
	r.mu.Lock()
	pending := r.waiters[taskID]
	delete(r.waiters, taskID)
	r.mu.Unlock()

	if r.reportCache != nil {
		r.reportCache.Put(taskID, ReportCacheEntry{
			ReportMarkdown:       report.ReportMarkdown,
			Title:                report.Title,
			AncestorWorkspaceIDs: ancestorWorkspaceIDs,
		})
	}

	for _, w := range pending {
		if w.Cleanup != nil {
			w.Cleanup()
		}
		if w.Resolve != nil {
			w.Resolve(report)
		}
	}
}

// RejectAll drains every foreground waiter on taskId, invokes cleanup,
// then rejects each with err (used by terminate and abort paths).
func (r *WaiterRegistry) RejectAll(taskID string, err error) {
	r.mu.Lock()
	pending := r.waiters[taskID]
	delete(r.waiters, taskID)
	r.mu.Unlock()

	for _, w := range pending {
		if w.Cleanup != nil {
			w.Cleanup()
		}
		if w.Reject != nil {
			w.Reject(err)
		}
	}
}

// FireStart drains the start-waiters for taskId and invokes each
// Start callback, arming that waiter's own report timeout. Called
// exactly once, when a task transitions queued → running.
func (r *WaiterRegistry) FireStart(taskID string) {
	r.mu.Lock()
	pending := r.startWaiters[taskID]
	delete(r.startWaiters, taskID)
	r.mu.Unlock()

	for _, w := range pending {
		if w.Start != nil {
			w.Start()
		}
	}
}

// HasWaiters reports whether any foreground waiter is currently
// registered for taskId — used by report delivery to decide whether
// the waiter path will already carry the report to its caller.
func (r *WaiterRegistry) HasWaiters(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters[taskID]) > 0
}

// RemoveWaiter removes a single waiter (used when an individual
// abortSignal fires, rather than a task-wide resolve/reject) and runs
// its cleanup. It's a no-op if w is no longer registered.
func (r *WaiterRegistry) RemoveWaiter(taskID string, w *Waiter) {
	r.mu.Lock()
	found := false
	list := r.waiters[taskID]
	for i, candidate := range list {
		if candidate == w {
			r.waiters[taskID] = append(list[:i], list[i+1:]...)
			found = true
			break
		}
	}
	r.mu.Unlock()
	if found && w.Cleanup != nil {
		w.Cleanup()
	}
}

// newWaiterTimer is a small helper used by the façade's
// waitForAgentReport to arm a waiter's timeout only once Start fires,
// per the queued-doesn't-count-towards-timeout policy.
func newWaiterTimer(timeout time.Duration, onTimeout func()) (arm func(), stop func()) {
	// arm and stop can run on different goroutines (arm from FireStart
	// during drain, stop from the original caller's deferred cleanup),
	// so the timer handle is published through an atomic pointer rather
	// than a bare variable.
	var timer atomic.Pointer[time.Timer]
	var once sync.Once
	arm = func() {
		timer.Store(time.AfterFunc(timeout, onTimeout))
	}
	stop = func() {
		once.Do(func() {
			if t := timer.Load(); t != nil {
				t.Stop()
			}
		})
	}
	return arm, stop
}
