package modules

import (
	"context"
	"fmt"

	"github.com/facebookgo/clock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"corebank.io/platform/internal/api/handlers"
	"corebank.io/platform/internal/config"
	"corebank.io/platform/internal/dbop"
	"corebank.io/platform/internal/domain"
	"corebank.io/platform/internal/es"
	"corebank.io/platform/internal/infrastructure"
	"corebank.io/platform/internal/jobs"
	"corebank.io/platform/internal/memdb"
	"corebank.io/platform/internal/outbox"
	"corebank.io/platform/internal/pkg/logger"
	"corebank.io/platform/internal/pkg/worker"
)

// Infrastructure holds shared cross-cutting dependencies for all modules.
// It is a provider, not a Module.
type Infrastructure struct {
	Config *config.Config
	Clock  clock.Clock
	DB     dbop.Beginner
	// Pool is nil on the memory backend.
	Pool *pgxpool.Pool
	// Redis is nil unless the ephemeral relay is enabled.
	Redis redis.UniversalClient
	Pools *worker.Pools

	EventStore es.Store
	JobStore   jobs.Store
	Outbox     *outbox.Outbox[domain.Event]
	Jobs       *jobs.Jobs

	Notifier *infrastructure.Notifier
	Relay    *outbox.RedisRelay[domain.Event]
}

// NewInfrastructure opens the configured backend and builds the event store,
// outbox and job orchestrator on top of it.
func NewInfrastructure(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	infra := &Infrastructure{Config: cfg, Clock: clock.New()}

	var outboxStore outbox.Store
	switch cfg.Database.Backend {
	case config.BackendMemory:
		db := memdb.New(infra.Clock)
		infra.DB = db
		infra.EventStore = es.NewMemoryStore(db)
		outboxStore = outbox.NewMemoryStore(db)
		infra.JobStore = jobs.NewMemoryStore(db)
		logger.Warn("Using in-memory storage, nothing survives a restart")
	default:
		pool, err := infrastructure.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("init database: %w", err)
		}
		infra.Pool = pool
		if cfg.Database.AutoMigrate {
			if err := infrastructure.Migrate(pool); err != nil {
				infra.Close()
				return nil, fmt.Errorf("auto-migrate: %w", err)
			}
		}
		infra.DB = dbop.NewPostgres(pool, infra.Clock)
		infra.EventStore = es.NewPostgresStore(pool)
		outboxStore = outbox.NewPostgresStore(pool)
		infra.JobStore = jobs.NewPostgresStore(pool)
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize: cfg.Worker.GeneralPoolSize,
		JobsPoolSize:    cfg.Worker.JobsPoolSize,
		ReleaseTimeout:  cfg.Worker.ReleaseTimeout,
	})
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}
	infra.Pools = pools

	infra.Outbox = outbox.New(infra.DB, outboxStore, domain.NewCodec(), outbox.Config{
		BatchSize:       cfg.Outbox.BatchSize,
		PollInterval:    cfg.Outbox.PollInterval,
		EphemeralBuffer: cfg.Outbox.EphemeralBuffer,
		Clock:           infra.Clock,
	})
	infra.Jobs = jobs.New(infra.DB, infra.JobStore, pools.Jobs, jobsConfig(cfg.Jobs, infra.Clock))

	if cfg.Outbox.RedisRelay {
		client, err := infrastructure.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("init redis: %w", err)
		}
		infra.Redis = client
		infra.Relay = outbox.NewRedisRelay(client, cfg.Outbox.RedisChannel, infra.Outbox)
	}

	if infra.Pool != nil {
		infra.Notifier = infrastructure.NewNotifier(infra.Pool)
		infra.Notifier.Handle(outbox.NotifyChannel, infra.Outbox.Notify)
		infra.Notifier.Handle(jobs.NotifyChannel, infra.Jobs.Notify)
	}
	return infra, nil
}

func jobsConfig(cfg config.JobsConfig, clk clock.Clock) jobs.Config {
	return jobs.Config{
		PollInterval:      cfg.PollInterval,
		MaxJobsPerProcess: cfg.MaxJobsPerProcess,
		MinJobsPerProcess: cfg.MinJobsPerProcess,
		JobLostInterval:   cfg.JobLostInterval,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		DefaultRetry: jobs.RetrySettings{
			MaxAttempts:      cfg.Retry.MaxAttempts,
			WarnAttempts:     cfg.Retry.WarnAttempts,
			MinBackoff:       cfg.Retry.MinBackoff,
			MaxBackoff:       cfg.Retry.MaxBackoff,
			BackoffJitterPct: cfg.Retry.BackoffJitterPct,
		},
		Clock: clk,
	}
}

// StartListeners runs the LISTEN notifier and the ephemeral relay on the
// general pool until the pools shut down.
func (i *Infrastructure) StartListeners() error {
	if i.Notifier != nil {
		if err := i.Pools.SubmitDetached(worker.PoolGeneral, func(ctx context.Context) {
			_ = i.Notifier.Run(ctx)
		}); err != nil {
			return fmt.Errorf("start notifier: %w", err)
		}
	}
	if i.Relay != nil {
		if err := i.Pools.SubmitDetached(worker.PoolGeneral, func(ctx context.Context) {
			if err := i.Relay.Run(ctx, nil); err != nil {
				logger.Error("Ephemeral relay stopped", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("start relay: %w", err)
		}
	}
	return nil
}

// Checks returns the readiness checks of the backing services.
func (i *Infrastructure) Checks() map[string]handlers.Check {
	checks := make(map[string]handlers.Check)
	if i.Pool != nil {
		checks["database"] = i.Pool.Ping
	}
	if i.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return i.Redis.Ping(ctx).Err() }
	}
	return checks
}

// Close releases infra resources in reverse dependency order.
func (i *Infrastructure) Close() {
	if i == nil {
		return
	}
	if i.Pools != nil {
		i.Pools.Shutdown(i.Config.Worker.ReleaseTimeout)
	}
	if i.Redis != nil {
		_ = i.Redis.Close()
	}
	if i.Pool != nil {
		i.Pool.Close()
	}
}
