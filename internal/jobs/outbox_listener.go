package jobs

import (
	"context"
	"fmt"

	"corebank.io/platform/internal/dbop"
	"corebank.io/platform/internal/outbox"
)

// OutboxCheckpoint is the execution state of jobs that drain the outbox.
type OutboxCheckpoint struct {
	Sequence int64 `json:"sequence"`
}

// OutboxHandler applies the effect of one message inside op.
type OutboxHandler[P outbox.Event] func(ctx context.Context, op dbop.Op, msg outbox.PersistedMessage[P]) error

// DrainOutbox feeds handle every persisted message after the job's
// checkpoint. Each message is handled and checkpointed in one op, so after a
// crash the job resumes with the first message whose op did not commit. It
// runs until shutdown is requested, then asks to be rescheduled at once.
func DrainOutbox[P outbox.Event](ctx context.Context, current *CurrentJob, ob *outbox.Outbox[P], handle OutboxHandler[P]) (Completion, error) {
	var cp OutboxCheckpoint
	if _, err := current.ExecutionState(&cp); err != nil {
		return Completion{}, err
	}
	listener := ob.ListenPersisted(cp.Sequence)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-current.ShutdownRequested():
			cancel()
		case <-waitCtx.Done():
		}
	}()

	for {
		if current.IsShutdownRequested() {
			return RescheduleNow(), nil
		}
		msg, err := listener.Next(waitCtx)
		if err != nil {
			if current.IsShutdownRequested() {
				return RescheduleNow(), nil
			}
			return Completion{}, fmt.Errorf("read outbox after %d: %w", listener.LastSequence(), err)
		}

		err = dbop.Run(ctx, current, func(op dbop.Op) error {
			if err := handle(ctx, op, msg); err != nil {
				return err
			}
			return current.UpdateExecutionStateInOp(ctx, op, OutboxCheckpoint{Sequence: msg.Sequence})
		})
		if err != nil {
			return Completion{}, fmt.Errorf("handle outbox message %d: %w", msg.Sequence, err)
		}
	}
}
