package config

import (
	"testing"
	"time"

	"github.com/kandev/agenttask/internal/common/constants"
)

func baseValidConfig() Config {
	return Config{
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Scheduler: SchedulerConfig{MaxParallelAgentTasks: 4, MaxTaskNestingDepth: 8, ReportCacheSize: 128},
	}
}

func TestValidateRejectsNestingDepthAboveCeiling(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Scheduler.MaxTaskNestingDepth = constants.MaxTaskDepthCeiling + 1
	if err := validate(&cfg); err == nil {
		t.Error("expected validation to reject a nesting depth beyond the ceiling")
	}
}

func TestValidateAcceptsNestingDepthAtCeiling(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Scheduler.MaxTaskNestingDepth = constants.MaxTaskDepthCeiling
	if err := validate(&cfg); err != nil {
		t.Errorf("expected the ceiling itself to be a valid depth, got %v", err)
	}
}

func TestValidateRejectsProcessIntervalBelowMinimum(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Scheduler.ProcessInterval = constants.MinWaiterPollInterval - time.Millisecond
	if err := validate(&cfg); err == nil {
		t.Error("expected validation to reject a process interval tighter than the minimum")
	}
}

func TestValidateAllowsZeroProcessInterval(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Scheduler.ProcessInterval = 0
	if err := validate(&cfg); err != nil {
		t.Errorf("expected a zero process interval (unset) to be valid, got %v", err)
	}
}

func TestSetDefaultsUsesDepthCeiling(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("LoadWithPath failed: %v", err)
	}
	if cfg.Scheduler.MaxTaskNestingDepth != constants.MaxTaskDepthCeiling {
		t.Errorf("expected the default nesting depth to match the shared ceiling, got %d", cfg.Scheduler.MaxTaskNestingDepth)
	}
}
