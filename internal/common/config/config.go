// Package config provides configuration management for the agent task
// engine. It supports loading configuration from environment
// variables, a config file, and defaults, the same way the rest of
// the Kandev stack does.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kandev/agenttask/internal/common/constants"
)

// Config holds all configuration sections for the agent task engine.
type Config struct {
	NATS      NATSConfig      `mapstructure:"nats"`
	Events    EventsConfig    `mapstructure:"events"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// SchedulerConfig holds the admission-control and lifecycle limits
// the agent task engine runs under.
type SchedulerConfig struct {
	// MaxParallelAgentTasks bounds global running parallelism.
	MaxParallelAgentTasks int `mapstructure:"maxParallelAgentTasks"`
	// MaxTaskNestingDepth bounds parent-graph depth.
	MaxTaskNestingDepth int `mapstructure:"maxTaskNestingDepth"`
	// ReportCacheSize is the FIFO cache capacity.
	ReportCacheSize int `mapstructure:"reportCacheSize"`
	// WaiterTimeout is the default waitForAgentReport timeout, counted
	// from when a task starts running, not from when it is queued.
	WaiterTimeout time.Duration `mapstructure:"waiterTimeout"`
	// ConsecutiveAutoResumeLimit is the flood-protection cap on
	// successive synthetic auto-resumes of the same workspace.
	ConsecutiveAutoResumeLimit int `mapstructure:"consecutiveAutoResumeLimit"`
	// ProcessInterval is validated against constants.MinWaiterPollInterval
	// when set. No component reads it: there is no periodic drain ticker,
	// and maybeStartQueuedTasks runs only on the explicit triggers fired
	// after capacity-freeing events.
	ProcessInterval time.Duration `mapstructure:"processInterval"`
	// PlanRouting selects the plan auto-handoff target: "exec",
	// "orchestrator", or "auto" (classifier-decided).
	PlanRouting string `mapstructure:"planRouting"`
	// OrchestratorEnabled gates whether plan auto-handoff may route to
	// "orchestrator" at all; when false, "auto" and "orchestrator" both
	// fall back to "exec".
	OrchestratorEnabled bool `mapstructure:"orchestratorEnabled"`
}

// ArtifactsConfig configures the on-disk Artifact Store.
type ArtifactsConfig struct {
	// SessionDirRoot is the root directory under which each workspace's
	// session directory (chat.jsonl, partial.json, subagent-reports/...)
	// lives. Supplied by the Config store collaborator in production;
	// configurable here for standalone/test runs.
	SessionDirRoot string `mapstructure:"sessionDirRoot"`
}

// detectDefaultLogFormat mirrors the rest of the stack: JSON in
// production/containers, human-readable console output in a terminal.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("KANDEV_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("nats.url", "") // empty means use the in-memory event bus
	v.SetDefault("nats.clientId", "agenttask")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("scheduler.maxParallelAgentTasks", 4)
	v.SetDefault("scheduler.maxTaskNestingDepth", constants.MaxTaskDepthCeiling)
	v.SetDefault("scheduler.reportCacheSize", 128)
	v.SetDefault("scheduler.waiterTimeout", 10*time.Minute)
	v.SetDefault("scheduler.consecutiveAutoResumeLimit", 3)
	v.SetDefault("scheduler.processInterval", 2*time.Second)
	v.SetDefault("scheduler.planRouting", "auto")
	v.SetDefault("scheduler.orchestratorEnabled", true)

	v.SetDefault("artifacts.sessionDirRoot", "./.kandev/sessions")
}

// Load reads configuration from environment variables, config file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KANDEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "KANDEV_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "KANDEV_EVENTS_NAMESPACE")
	_ = v.BindEnv("nats.url", "KANDEV_NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kandev/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Scheduler.MaxParallelAgentTasks <= 0 {
		errs = append(errs, "scheduler.maxParallelAgentTasks must be positive")
	}
	if cfg.Scheduler.MaxTaskNestingDepth <= 0 || cfg.Scheduler.MaxTaskNestingDepth > constants.MaxTaskDepthCeiling {
		errs = append(errs, "scheduler.maxTaskNestingDepth must be between 1 and "+strconv.Itoa(constants.MaxTaskDepthCeiling))
	}
	if cfg.Scheduler.ReportCacheSize <= 0 {
		errs = append(errs, "scheduler.reportCacheSize must be positive")
	}
	if cfg.Scheduler.ProcessInterval > 0 && cfg.Scheduler.ProcessInterval < constants.MinWaiterPollInterval {
		errs = append(errs, "scheduler.processInterval must be at least "+constants.MinWaiterPollInterval.String())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
