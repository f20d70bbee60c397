package jobs

import (
	"context"

	"go.uber.org/zap"

	"corebank.io/platform/internal/dbop"
	"corebank.io/platform/internal/outbox"
	"corebank.io/platform/internal/pkg/logger"
)

// OutboxTailLoggerConfig is the config of the outbox tail logger job.
type OutboxTailLoggerConfig struct{}

// JobType implements JobConfig.
func (OutboxTailLoggerConfig) JobType() JobType { return "outbox-tail-logger" }

// OutboxTailLogger logs every persisted outbox message. It never finishes
// and never goes fatal.
type OutboxTailLogger[P outbox.Event] struct {
	outbox *outbox.Outbox[P]
	log    *zap.Logger
}

// NewOutboxTailLogger creates the logger job's initializer.
func NewOutboxTailLogger[P outbox.Event](ob *outbox.Outbox[P]) *OutboxTailLogger[P] {
	return &OutboxTailLogger[P]{outbox: ob, log: logger.Named("outbox-tail")}
}

// JobType implements Initializer.
func (t *OutboxTailLogger[P]) JobType() JobType { return OutboxTailLoggerConfig{}.JobType() }

// RetrySettings implements RetrySettingsProvider.
func (t *OutboxTailLogger[P]) RetrySettings() RetrySettings { return RepeatIndefinitely() }

// Init implements Initializer.
func (t *OutboxTailLogger[P]) Init(*Job) (Runner, error) {
	return RunnerFunc(func(ctx context.Context, current *CurrentJob) (Completion, error) {
		return DrainOutbox(ctx, current, t.outbox, t.logMessage)
	}), nil
}

func (t *OutboxTailLogger[P]) logMessage(_ context.Context, _ dbop.Op, msg outbox.PersistedMessage[P]) error {
	t.log.Info("Outbox message",
		zap.Int64("sequence", msg.Sequence),
		zap.String("event_type", msg.EventType),
		zap.Bool("known", msg.Known()),
		zap.Time("recorded_at", msg.RecordedAt),
	)
	return nil
}

// Spawn creates the singleton job, starting from the current end of the
// outbox so a fresh deployment does not replay history into the log.
func (t *OutboxTailLogger[P]) Spawn(ctx context.Context, j *Jobs) (*Job, error) {
	head, err := t.outbox.MaxSequence(ctx)
	if err != nil {
		return nil, err
	}
	return j.CreateAndSpawnUnique(ctx, OutboxTailLoggerConfig{},
		WithInitialState(OutboxCheckpoint{Sequence: head}))
}
