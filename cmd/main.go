// Command agenttask runs the agent task scheduler and lifecycle
// engine as a standalone process: load config, stand up logging and
// the event bus, construct the Task Service façade over its
// collaborators, recover any in-flight tasks left over from a prior
// run, then block until an operator-requested shutdown.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kandev/agenttask/internal/agenttask"
	"github.com/kandev/agenttask/internal/common/config"
	"github.com/kandev/agenttask/internal/common/logger"
	"github.com/kandev/agenttask/internal/events/bus"
	"github.com/kandev/agenttask/internal/localstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		panic(err)
	}
	logger.SetDefault(log)
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, err := newEventBus(cfg, log)
	if err != nil {
		log.Fatal("failed to start event bus", zap.Error(err))
	}
	defer eventBus.Close()

	configStore, err := localstore.New(cfg.Artifacts.SessionDirRoot, log)
	if err != nil {
		log.Fatal("failed to start local config store", zap.Error(err))
	}

	svc := agenttask.NewService(
		configStore,
		localstore.NewWorkspaceService(log),
		localstore.NewAIGateway(log),
		localstore.NewHistoryStore(),
		localstore.NewClassifier(),
		localstore.NewPatchGenerator(),
		eventBus,
		cfg.Scheduler,
		log,
	)

	if err := svc.Initialize(ctx); err != nil {
		log.Fatal("restart recovery failed", zap.Error(err))
	}
	log.Info("agent task engine started",
		zap.Int("max_parallel_agent_tasks", cfg.Scheduler.MaxParallelAgentTasks),
		zap.Int("max_task_nesting_depth", cfg.Scheduler.MaxTaskNestingDepth))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agent task engine")
	cancel()
}

// newEventBus picks NATS when a URL is configured, falling back to the
// in-memory bus for standalone/single-process runs — matching
// nats.url's documented default meaning "" in config.go.
func newEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL == "" {
		return bus.NewMemoryEventBus(log), nil
	}
	return bus.NewNATSEventBus(cfg.NATS, log)
}
