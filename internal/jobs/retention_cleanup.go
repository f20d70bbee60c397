package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"corebank.io/platform/internal/dbop"
	"corebank.io/platform/internal/pkg/logger"
)

const (
	// DefaultJobRetention is how long completed jobs are kept, and with them
	// their unique keys.
	DefaultJobRetention = 30 * 24 * time.Hour
	// DefaultRetentionSchedule runs the cleanup once a day.
	DefaultRetentionSchedule = "@daily"
)

// RetentionCleanupConfig is the config of the singleton cleanup job. The
// retention and schedule come from process configuration, not the job row,
// so they can change between deployments.
type RetentionCleanupConfig struct{}

// JobType implements JobConfig.
func (RetentionCleanupConfig) JobType() JobType { return "job-retention-cleanup" }

// SweepReporter is told how many jobs a cleanup run removed. It writes in
// the op that deletes them, so a failed report keeps the rows.
type SweepReporter func(ctx context.Context, op dbop.Op, deleted int64, cutoff time.Time) error

// RetentionCleanup deletes completed jobs older than the retention period
// and reschedules itself on its cron schedule.
type RetentionCleanup struct {
	store     Store
	retention time.Duration
	schedule  *CronSchedule
	report    SweepReporter
}

// NewRetentionCleanup creates the cleanup worker. Non-positive retention
// falls back to DefaultJobRetention. report may be nil.
func NewRetentionCleanup(store Store, retention time.Duration, schedule *CronSchedule, report SweepReporter) *RetentionCleanup {
	if retention <= 0 {
		retention = DefaultJobRetention
	}
	return &RetentionCleanup{store: store, retention: retention, schedule: schedule, report: report}
}

// Schedule returns the cron schedule.
func (w *RetentionCleanup) Schedule() *CronSchedule { return w.schedule }

// JobType implements Initializer.
func (w *RetentionCleanup) JobType() JobType { return RetentionCleanupConfig{}.JobType() }

// Init implements Initializer.
func (w *RetentionCleanup) Init(*Job) (Runner, error) {
	if w == nil || w.store == nil || w.schedule == nil {
		return nil, fmt.Errorf("retention cleanup worker is not initialized")
	}
	return RunnerFunc(w.run), nil
}

// run deletes, reports and reschedules in one op.
func (w *RetentionCleanup) run(ctx context.Context, current *CurrentJob) (Completion, error) {
	now := current.Now().UTC()
	cutoff := now.Add(-w.retention)

	op, err := current.Begin(ctx)
	if err != nil {
		return Completion{}, err
	}
	deleted, err := w.sweep(ctx, op, cutoff)
	if err != nil {
		_ = op.Rollback(context.WithoutCancel(ctx))
		return Completion{}, err
	}

	logger.Info("job retention cleanup completed",
		zap.Int64("deleted_rows", deleted),
		zap.String("cutoff", cutoff.Format(time.RFC3339)),
		zap.Duration("retention", w.retention),
	)
	return RescheduleAtWithOp(op, w.schedule.Next(now)), nil
}

func (w *RetentionCleanup) sweep(ctx context.Context, op dbop.Op, cutoff time.Time) (int64, error) {
	deleted, err := w.store.DeleteCompletedBefore(ctx, op, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete completed jobs before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if w.report != nil {
		if err := w.report(ctx, op, deleted, cutoff); err != nil {
			return 0, fmt.Errorf("report retention sweep: %w", err)
		}
	}
	return deleted, nil
}
