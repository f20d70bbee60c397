package outbox

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"

	apperrors "corebank.io/platform/internal/pkg/errors"
	"corebank.io/platform/internal/pkg/logger"
)

// Listener follows the persistent log from a sequence. It is not safe for
// concurrent use; each consumer owns its listener.
type Listener[P Event] struct {
	o    *Outbox[P]
	last int64
	buf  []RawMessage
}

// LastSequence returns the sequence of the last message returned by Next.
func (l *Listener[P]) LastSequence() int64 { return l.last }

// Next returns the next message, blocking until one is committed or ctx ends.
func (l *Listener[P]) Next(ctx context.Context) (PersistedMessage[P], error) {
	for {
		if len(l.buf) > 0 {
			raw := l.buf[0]
			msg, err := l.decode(raw)
			if err != nil {
				return PersistedMessage[P]{}, err
			}
			l.buf = l.buf[1:]
			l.last = raw.Sequence
			return msg, nil
		}

		wake := l.o.wake.C()
		batch, err := l.o.store.ReadAfter(ctx, l.last, l.o.cfg.BatchSize)
		if err != nil {
			return PersistedMessage[P]{}, err
		}
		if len(batch) > 0 {
			l.buf = batch
			continue
		}

		timer := time.NewTimer(l.o.cfg.PollInterval)
		select {
		case <-wake:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return PersistedMessage[P]{}, ctx.Err()
		}
		timer.Stop()
	}
}

// All adapts Next to a range-over-func loop. Iteration ends after the first
// error is yielded.
func (l *Listener[P]) All(ctx context.Context) iter.Seq2[PersistedMessage[P], error] {
	return func(yield func(PersistedMessage[P], error) bool) {
		for {
			msg, err := l.Next(ctx)
			if !yield(msg, err) || err != nil {
				return
			}
		}
	}
}

func (l *Listener[P]) decode(raw RawMessage) (PersistedMessage[P], error) {
	msg := PersistedMessage[P]{
		Sequence:   raw.Sequence,
		EventType:  raw.EventType,
		RecordedAt: raw.RecordedAt,
	}
	payload, err := l.o.codec.Decode(raw.EventType, raw.Payload)
	switch {
	case err == nil:
		msg.Payload = payload
	case errors.Is(err, apperrors.ErrUnknownTag):
		logger.Debug("Outbox message with unknown event type",
			zap.Int64("sequence", raw.Sequence),
			zap.String("event_type", raw.EventType),
		)
	default:
		return PersistedMessage[P]{}, fmt.Errorf("outbox message %d: %w", raw.Sequence, err)
	}
	return msg, nil
}
