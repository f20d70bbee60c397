package modules

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"corebank.io/platform/internal/dbop"
	"corebank.io/platform/internal/domain"
	"corebank.io/platform/internal/jobs"
	"corebank.io/platform/internal/outbox"
	"corebank.io/platform/internal/pkg/logger"
)

// PlatformEventsConfig is the config of the job that feeds the outbox to the
// event dispatcher.
type PlatformEventsConfig struct{}

// JobType implements jobs.JobConfig.
func (PlatformEventsConfig) JobType() jobs.JobType { return "platform-event-dispatcher" }

// EventsModule publishes job failures to the outbox and dispatches persisted
// outbox messages to the handlers modules register on Dispatcher.
type EventsModule struct {
	infra      *Infrastructure
	Dispatcher *domain.EventDispatcher
	log        *zap.Logger
}

// NewEventsModule creates the module with the platform's own handlers
// registered.
func NewEventsModule(infra *Infrastructure) *EventsModule {
	m := &EventsModule{
		infra:      infra,
		Dispatcher: domain.NewEventDispatcher(),
		log:        logger.Named("platform-events"),
	}
	m.Dispatcher.Register(domain.EventJobErrored, m.onJobErrored)
	m.Dispatcher.Register(domain.EventRetentionSweepCompleted, m.onRetentionSweep)
	return m
}

// Name implements Module.
func (m *EventsModule) Name() string { return "events" }

// RegisterJobs implements Module.
func (m *EventsModule) RegisterJobs(j *jobs.Jobs) error {
	j.OnFatal(m.publishJobErrored)
	return j.Register(m)
}

// Start implements Module. The dispatcher starts from the beginning of the
// outbox so no message published before the first deployment is missed.
func (m *EventsModule) Start(ctx context.Context) error {
	if _, err := m.infra.Jobs.CreateAndSpawnUnique(ctx, PlatformEventsConfig{}); err != nil {
		return fmt.Errorf("spawn event dispatcher: %w", err)
	}
	return nil
}

// Shutdown implements Module.
func (m *EventsModule) Shutdown(context.Context) error { return nil }

// JobType implements jobs.Initializer.
func (m *EventsModule) JobType() jobs.JobType { return PlatformEventsConfig{}.JobType() }

// RetrySettings implements jobs.RetrySettingsProvider.
func (m *EventsModule) RetrySettings() jobs.RetrySettings { return jobs.RepeatIndefinitely() }

// Init implements jobs.Initializer.
func (m *EventsModule) Init(*jobs.Job) (jobs.Runner, error) {
	return jobs.RunnerFunc(func(ctx context.Context, current *jobs.CurrentJob) (jobs.Completion, error) {
		return jobs.DrainOutbox(ctx, current, m.infra.Outbox, m.Dispatcher.Dispatch)
	}), nil
}

func (m *EventsModule) publishJobErrored(ctx context.Context, op dbop.Op, job *jobs.Job, _ error) error {
	return m.infra.Outbox.PublishInOp(ctx, op, &domain.JobErrored{
		JobID:    job.ID,
		JobType:  string(job.Type),
		Attempt:  job.Attempt,
		Error:    job.LastError,
		FailedAt: op.Now(),
	})
}

func (m *EventsModule) onJobErrored(_ context.Context, _ dbop.Op, msg outbox.PersistedMessage[domain.Event]) error {
	e, ok := msg.Payload.(*domain.JobErrored)
	if !ok {
		return fmt.Errorf("sequence %d: unexpected payload %T", msg.Sequence, msg.Payload)
	}
	m.log.Error("Job errored, operator attention required",
		zap.Int64("sequence", msg.Sequence),
		zap.String("job_id", e.JobID.String()),
		zap.String("job_type", e.JobType),
		zap.Int("attempt", e.Attempt),
		zap.String("error", e.Error),
	)
	return nil
}

func (m *EventsModule) onRetentionSweep(_ context.Context, _ dbop.Op, msg outbox.PersistedMessage[domain.Event]) error {
	e, ok := msg.Payload.(*domain.RetentionSweepCompleted)
	if !ok {
		return fmt.Errorf("sequence %d: unexpected payload %T", msg.Sequence, msg.Payload)
	}
	m.log.Info("Job retention sweep completed",
		zap.Int64("deleted", e.Deleted),
		zap.Time("cutoff", e.Cutoff),
	)
	return nil
}
