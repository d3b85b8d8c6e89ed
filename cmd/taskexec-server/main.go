// Command taskexec-server runs the AIOpsLab task execution service: the
// HTTP API, the in-process worker pool, and the timeout sweeper.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"taskexec/internal/config"
	"taskexec/internal/errors"
	"taskexec/internal/logging"
	"taskexec/internal/observability"
	"taskexec/internal/server/app"
	serverhttp "taskexec/internal/server/http"
	"taskexec/internal/server/ports"
	"taskexec/internal/store/memstore"
	"taskexec/internal/store/postgresstore"
	"taskexec/internal/worker"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		logging.NewComponentLogger("Main").Error("load config: %v", err)
		return err
	}

	obsLogger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	logging.SetDefault(obsLogger)
	logger := logging.NewComponentLogger("Main")
	logger.Info("starting taskexec-server %s", version)

	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{
		Enabled: cfg.MetricsEnabled,
	})
	if err != nil {
		logger.Error("init metrics: %v", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store: %v", err)
		return err
	}
	defer store.Close()

	guard := app.NewShutdownGuard()
	tasks := app.NewTaskService(store, app.TaskDefaults{
		TimeoutMinutes: cfg.DefaultTimeoutMinutes,
		MaxSteps:       cfg.DefaultMaxSteps,
		Priority:       cfg.DefaultPriority,
		AgentModel:     cfg.DefaultAgentModel,
	}, guard, metrics)
	workers := app.NewWorkerService(store, guard, metrics)
	conversations := app.NewConversationService(store)

	var executor worker.Executor
	if cfg.OrchestratorCommand != "" {
		executor = worker.NewOrchestratorExecutor(cfg.OrchestratorCommand, tasks)
	} else {
		executor = worker.NewAgentExecutor(tasks, conversations)
	}

	manager := worker.NewManager(workers, tasks, executor, worker.ManagerConfig{
		PollInterval:    cfg.WorkerPollInterval,
		HeartbeatPeriod: cfg.HeartbeatPeriod(),
	})
	health := app.NewHealthService(store, manager, guard)

	router := serverhttp.NewRouter(serverhttp.RouterDeps{
		Tasks:         tasks,
		Workers:       workers,
		Conversations: conversations,
		Health:        health,
		Manager:       manager,
		Logger:        obsLogger,
		Metrics:       metrics,
		Version:       version,
		Environment:   cfg.Environment,
		Debug:         cfg.LogLevel == "debug",
	})
	server := serverhttp.NewServer(cfg.Port, router)

	if cfg.AutoStartWorkers && cfg.NumInternalWorkers > 0 {
		if err := manager.Start(ctx, cfg.NumInternalWorkers); err != nil {
			logger.Error("start worker pool: %v", err)
			return err
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Run(groupCtx)
	})
	if cfg.EnableBackgroundTasks {
		sweeper := worker.NewSweeper(store, worker.SweeperConfig{
			Interval:         cfg.TimeoutCheckInterval,
			HeartbeatTimeout: cfg.WorkerHeartbeatTimeout,
		}, metrics)
		group.Go(func() error {
			sweeper.Run(groupCtx)
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown requested, draining")
		guard.BeginDrain()
		manager.Stop()
		return nil
	})

	err = group.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if mErr := metrics.Shutdown(shutdownCtx); mErr != nil {
		logger.Warn("metrics shutdown: %v", mErr)
	}

	if err != nil {
		logger.Error("server exited: %v", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// openStore connects to Postgres when DATABASE_URL is set, otherwise falls
// back to the in-memory store for development runs.
func openStore(ctx context.Context, cfg *config.Config, logger logging.Logger) (ports.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		return memstore.New(), nil
	}

	pool, err := errors.RetryWithResult(ctx, errors.DefaultRetryConfig(), func(ctx context.Context) (*pgxpool.Pool, error) {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	})
	if err != nil {
		return nil, err
	}

	store := postgresstore.New(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	logger.Info("connected to postgres")
	return store, nil
}
