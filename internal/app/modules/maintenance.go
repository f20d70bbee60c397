package modules

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"corebank.io/platform/internal/dbop"
	"corebank.io/platform/internal/domain"
	"corebank.io/platform/internal/jobs"
	"corebank.io/platform/internal/pkg/logger"
)

// MaintenanceModule owns the built-in housekeeping jobs: job retention
// cleanup and the optional outbox tail logger.
type MaintenanceModule struct {
	infra   *Infrastructure
	cleanup *jobs.RetentionCleanup
	tail    *jobs.OutboxTailLogger[domain.Event]
}

// NewMaintenanceModule creates the module. It fails on an invalid retention
// schedule.
func NewMaintenanceModule(infra *Infrastructure) (*MaintenanceModule, error) {
	cfg := infra.Config.Maintenance
	schedule, err := jobs.ParseCron(cfg.RetentionSchedule)
	if err != nil {
		return nil, fmt.Errorf("retention schedule: %w", err)
	}

	m := &MaintenanceModule{infra: infra}
	m.cleanup = jobs.NewRetentionCleanup(infra.JobStore, cfg.JobRetention, schedule, m.reportSweep)
	if cfg.OutboxTailLogger {
		m.tail = jobs.NewOutboxTailLogger(infra.Outbox)
	}
	return m, nil
}

// Name implements Module.
func (m *MaintenanceModule) Name() string { return "maintenance" }

// RegisterJobs implements Module.
func (m *MaintenanceModule) RegisterJobs(j *jobs.Jobs) error {
	if err := j.Register(m.cleanup); err != nil {
		return err
	}
	if m.tail != nil {
		return j.Register(m.tail)
	}
	return nil
}

// Start implements Module. The cleanup job is created once and first runs
// immediately; afterwards it follows its schedule.
func (m *MaintenanceModule) Start(ctx context.Context) error {
	job, err := m.infra.Jobs.CreateAndSpawnUnique(ctx, jobs.RetentionCleanupConfig{})
	if err != nil {
		return fmt.Errorf("spawn retention cleanup: %w", err)
	}
	logger.Info("Retention cleanup scheduled",
		zap.String("job_id", job.ID.String()),
		zap.String("schedule", m.cleanup.Schedule().String()),
	)

	if m.tail != nil {
		if _, err := m.tail.Spawn(ctx, m.infra.Jobs); err != nil {
			return fmt.Errorf("spawn outbox tail logger: %w", err)
		}
	}
	return nil
}

// Shutdown implements Module.
func (m *MaintenanceModule) Shutdown(context.Context) error { return nil }

func (m *MaintenanceModule) reportSweep(ctx context.Context, op dbop.Op, deleted int64, cutoff time.Time) error {
	return m.infra.Outbox.PublishInOp(ctx, op, &domain.RetentionSweepCompleted{Deleted: deleted, Cutoff: cutoff})
}
