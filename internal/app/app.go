// Package app assembles the components shared by the server and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nadmax/finboard/internal/cache"
	"github.com/nadmax/finboard/internal/config"
	"github.com/nadmax/finboard/internal/dashboard"
	"github.com/nadmax/finboard/internal/lifecycle"
	"github.com/nadmax/finboard/internal/notify"
	"github.com/nadmax/finboard/internal/operations"
	"github.com/nadmax/finboard/internal/platform/gemini"
	"github.com/nadmax/finboard/internal/queue"
	"github.com/nadmax/finboard/internal/repository"
	"github.com/nadmax/finboard/internal/repository/filestore"
	"github.com/nadmax/finboard/internal/repository/postgres"
	"github.com/nadmax/finboard/internal/repository/redisstore"
	"github.com/nadmax/finboard/internal/worker"
	"github.com/redis/go-redis/v9"
)

type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Redis      *redis.Client
	Store      repository.TaskRepository
	Queue      *queue.Queue
	Plans      *redisstore.PlanStore
	Registry   *worker.Registry
	Manager    *lifecycle.Manager
	Executor   *worker.Executor
	Dashboard  *dashboard.Dashboard
	Operations *operations.Operations
}

// New connects to Redis and the configured task store and wires the
// lifecycle, executor and operations together. ctx bounds startup and is the
// base context of detached runs.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	client, err := redisstore.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(ctx, cfg, client, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	ai, err := gemini.New(ctx, logger.With("component", "gemini"), cfg.LLM)
	if err != nil {
		_ = store.Close()
		_ = client.Close()
		return nil, fmt.Errorf("failed to initialize AI client: %w", err)
	}

	notifier, err := newNotifier(cfg.Notify, logger)
	if err != nil {
		_ = store.Close()
		_ = client.Close()
		return nil, err
	}

	return assemble(ctx, cfg, logger, client, store, ai, notifier)
}

func assemble(ctx context.Context, cfg *config.Config, logger *slog.Logger, client *redis.Client, store repository.TaskRepository, ai operations.Generator, notifier notify.Notifier) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
		Redis:  client,
		Store:  store,
		Queue:  queue.NewQueue(client, queue.WithLeaseTTL(cfg.Worker.LeaseTTL)),
		Plans:  redisstore.NewPlanStore(client),
	}

	a.Dashboard = dashboard.NewDashboard(store,
		cache.New[any](cfg.Cache.TTL, cache.WithName[any]("dashboard")),
		logger.With("component", "dashboard"))

	a.Manager = lifecycle.NewManager(store,
		lifecycle.WithLogger(logger.With("component", "lifecycle")),
		lifecycle.WithRetention(cfg.Store.KeepPerOwner),
		lifecycle.WithTransitionHook(a.Dashboard.OnTransition))

	a.Executor = worker.NewExecutor(a.Manager,
		worker.WithNotifier(notifier),
		worker.WithExecutorLogger(logger.With("component", "executor")),
		worker.WithBaseContext(ctx))

	ops, err := operations.New(ai, a.Plans,
		cache.New[[]operations.Insight](cfg.Cache.TTL, cache.WithName[[]operations.Insight]("insights")),
		logger.With("component", "operations"))
	if err != nil {
		return nil, err
	}
	a.Operations = ops

	a.Registry = worker.NewRegistry(a.Queue)
	ops.Register(a.Registry)

	return a, nil
}

// OpenStore returns the task repository selected by store.backend.
func OpenStore(ctx context.Context, cfg *config.Config, client *redis.Client, logger *slog.Logger) (repository.TaskRepository, error) {
	switch cfg.Store.Backend {
	case "postgres":
		repo, err := postgres.NewPostgresTaskRepository(cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		if err := repo.Migrate(ctx); err != nil {
			_ = repo.Close()
			return nil, err
		}
		logger.Info("using postgres task store")
		return repo, nil
	case "redis":
		logger.Info("using redis task store", "addr", cfg.Redis.Addr)
		return redisstore.NewTaskStore(client), nil
	case "file":
		store, err := filestore.NewTaskStore(cfg.Store.Dir)
		if err != nil {
			return nil, err
		}
		logger.Info("using file task store", "dir", cfg.Store.Dir)
		return store, nil
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", config.ErrInvalidConfig, cfg.Store.Backend)
	}
}

func newNotifier(cfg config.NotifyConfig, logger *slog.Logger) (notify.Notifier, error) {
	if cfg.SendGridAPIKey == "" {
		logger.Info("email notifications disabled")
		return notify.Nop{}, nil
	}

	n, err := notify.NewSendGridNotifier(cfg, logger.With("component", "notify"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize notifier: %w", err)
	}

	return n, nil
}

// Close releases the store and the Redis client. Detached runs must be
// drained with Executor.Wait first.
func (a *App) Close() error {
	var errs []error
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close task store: %w", err))
	}
	if err := a.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
	}

	return errors.Join(errs...)
}
