package agenttask

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/kandev/agenttask/internal/common/config"
	"github.com/kandev/agenttask/internal/common/logger"
)

// genChainDepth builds a linear parent chain of n entries rooted under
// "root" and returns the id of the deepest entry along with its
// expected depth.
func genChainDepth(n int, status TaskStatus) (*Config, string, int) {
	cfg := &Config{Entries: make(map[string]*Entry, n)}
	parent := "root"
	var last string
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("task-%d", i)
		cfg.Entries[id] = &Entry{TaskID: id, ParentWorkspaceID: parent, Status: status}
		parent = id
		last = id
	}
	return cfg, last, n
}

// TestPropertyAncestorChainDepthMatchesChainLength checks that for any
// chain length within the depth ceiling, DepthOf returns exactly the
// chain's length and AncestorsOf returns exactly that many ancestors.
func TestPropertyAncestorChainDepthMatchesChainLength(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("DepthOf and AncestorsOf agree with chain length", prop.ForAll(
		func(n int) bool {
			cfg, deepest, want := genChainDepth(n, StatusRunning)
			idx := BuildIndex(cfg)

			depth, err := idx.DepthOf(deepest)
			if err != nil {
				return false
			}
			if depth != want {
				return false
			}
			ancestors, err := idx.AncestorsOf(deepest)
			if err != nil {
				return false
			}
			return len(ancestors) == want
		},
		gen.IntRange(1, MaxTaskDepth-1),
	))

	properties.TestingRun(t)
}

// TestPropertyValidateAdmissionRespectsDepthBound checks that, for any
// chain depth and any configured nesting-depth limit, ValidateAdmission
// admits a new child exactly when doing so would not exceed the limit.
func TestPropertyValidateAdmissionRespectsDepthBound(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	log := logger.Default()

	properties.Property("admission succeeds iff requested depth is within the configured limit", prop.ForAll(
		func(chainLen, maxDepth int) bool {
			cfg, deepest, _ := genChainDepth(chainLen, StatusRunning)
			idx := BuildIndex(cfg)

			s := NewScheduler(NewTaskQueue(), config.SchedulerConfig{
				MaxTaskNestingDepth: maxDepth,
			}, log)

			requestedDepth, err := s.ValidateAdmission(idx, deepest)
			wantErr := requestedDepth > maxDepth
			if wantErr {
				return err == ErrMaxNestingDepth
			}
			return err == nil
		},
		gen.IntRange(1, MaxTaskDepth-2),
		gen.IntRange(1, MaxTaskDepth),
	))

	properties.TestingRun(t)
}

// TestPropertyEffectiveRunningCountNeverExceedsActiveEntries checks that
// EffectiveRunningCount, for any mix of statuses, never exceeds the
// number of entries in an active (running/awaiting_report) status and
// never counts a foreground-awaiting entry.
func TestPropertyEffectiveRunningCountNeverExceedsActiveEntries(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	log := logger.Default()
	statuses := []TaskStatus{StatusQueued, StatusRunning, StatusAwaitingReport, StatusReported, StatusInterrupted}

	properties.Property("effective running count bounded by active entries and excludes foreground awaits", prop.ForAll(
		func(statusIdxs []int, foregroundOnFirst bool) bool {
			cfg := &Config{Entries: make(map[string]*Entry, len(statusIdxs))}
			var activeCount int
			var firstActiveID string
			for i, si := range statusIdxs {
				id := fmt.Sprintf("task-%d", i)
				status := statuses[si%len(statuses)]
				cfg.Entries[id] = &Entry{TaskID: id, ParentWorkspaceID: "root", Status: status}
				if ActiveStatuses[status] && status != StatusQueued {
					activeCount++
					if firstActiveID == "" {
						firstActiveID = id
					}
				}
			}
			idx := BuildIndex(cfg)
			s := NewScheduler(NewTaskQueue(), config.SchedulerConfig{MaxParallelAgentTasks: 1000, MaxTaskNestingDepth: MaxTaskDepth}, log)

			excluded := 0
			if foregroundOnFirst && firstActiveID != "" {
				exit := s.EnterForegroundAwait(firstActiveID)
				defer exit()
				excluded = 1
			}

			got := s.EffectiveRunningCount(context.Background(), idx, nil)
			return got == activeCount-excluded
		},
		gen.SliceOfN(8, gen.IntRange(0, 4)),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestPropertySortIDsByDepthDescendingIsLeavesFirst checks that, for
// any randomly shaped chain of ids, sorting by depth descending never
// places a shallower id before a deeper one — the ordering termination
// relies on to always tear down children before their parents.
func TestPropertySortIDsByDepthDescendingIsLeavesFirst(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("sorted order never places a shallower id before a deeper one", prop.ForAll(
		func(n int) bool {
			cfg, _, _ := genChainDepth(n, StatusRunning)
			idx := BuildIndex(cfg)

			ids := make([]string, 0, n)
			for id := range cfg.Entries {
				ids = append(ids, id)
			}

			ordered := sortIDsByDepthDescending(ids, idx)
			if len(ordered) != len(ids) {
				return false
			}
			prevDepth := -1
			for _, id := range ordered {
				depth, err := idx.DepthOf(id)
				if err != nil {
					return false
				}
				if prevDepth != -1 && depth > prevDepth {
					return false
				}
				prevDepth = depth
			}
			return true
		},
		gen.IntRange(1, MaxTaskDepth-1),
	))

	properties.TestingRun(t)
}
