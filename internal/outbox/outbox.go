// Package outbox is the transactional outbox.
//
// Persistent messages are written in the same op as the domain change that
// produced them and receive a global, gap-free sequence in commit order.
// Listeners replay from any sequence and then follow new commits, so every
// listener sees every message at least once. Ephemeral messages skip storage
// and reach only the subscribers that are live when they are published.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/facebookgo/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"corebank.io/platform/internal/dbop"
	"corebank.io/platform/internal/pkg/tagged"
)

var tracer = otel.Tracer("corebank.io/platform/internal/outbox")

// Event is implemented by every variant of the cross-module event set.
type Event = tagged.Variant

// PersistedMessage is a committed outbox entry.
type PersistedMessage[P Event] struct {
	Sequence  int64
	EventType string
	// Payload is nil when EventType is not known to this process. The
	// message is still delivered so listener checkpoints keep moving.
	Payload    P
	RecordedAt time.Time
}

// Known reports whether the payload was decoded.
func (m PersistedMessage[P]) Known() bool {
	return any(m.Payload) != nil
}

// EphemeralMessage is a live-only notification.
type EphemeralMessage[P Event] struct {
	Payload     P
	PublishedAt time.Time
}

// Config tunes listeners and ephemeral delivery.
type Config struct {
	// BatchSize is how many messages a listener reads per query.
	BatchSize int
	// PollInterval bounds how long a listener waits without a wake-up.
	PollInterval time.Duration
	// EphemeralBuffer is the per-subscriber queue length.
	EphemeralBuffer int
	// Clock stamps ephemeral messages. Nil means wall time.
	Clock clock.Clock
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:       100,
		PollInterval:    5 * time.Second,
		EphemeralBuffer: 256,
	}
}

// Outbox publishes and streams messages of the event set P.
type Outbox[P Event] struct {
	db    dbop.Beginner
	store Store
	codec *tagged.Codec[P]
	cfg   Config
	wake  *signal
	hub   *hub[P]
}

// New creates an outbox.
func New[P Event](db dbop.Beginner, store Store, codec *tagged.Codec[P], cfg Config) *Outbox[P] {
	defaults := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.EphemeralBuffer <= 0 {
		cfg.EphemeralBuffer = defaults.EphemeralBuffer
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Outbox[P]{
		db:    db,
		store: store,
		codec: codec,
		cfg:   cfg,
		wake:  newSignal(),
		hub:   newHub[P](cfg.EphemeralBuffer),
	}
}

// Codec returns the event codec.
func (o *Outbox[P]) Codec() *tagged.Codec[P] { return o.codec }

// PublishInOp writes events inside op. They get their sequences, and
// listeners are woken, only when op commits.
func (o *Outbox[P]) PublishInOp(ctx context.Context, op dbop.Op, events ...P) error {
	if len(events) == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "outbox.publish", trace.WithAttributes(
		attribute.Int("events.count", len(events)),
	))
	defer span.End()

	raws := make([]RawMessage, len(events))
	for i, e := range events {
		tag, body, err := o.codec.Encode(e)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("outbox publish: %w", err)
		}
		raws[i] = RawMessage{EventType: tag, Payload: body}
	}
	if err := o.store.Insert(ctx, op, raws); err != nil {
		span.RecordError(err)
		return err
	}
	op.AfterCommit(o.Notify)
	return nil
}

// Publish writes events in their own op.
func (o *Outbox[P]) Publish(ctx context.Context, events ...P) error {
	return dbop.Run(ctx, o.db, func(op dbop.Op) error {
		return o.PublishInOp(ctx, op, events...)
	})
}

// PublishEphemeral delivers event to live subscribers now.
func (o *Outbox[P]) PublishEphemeral(ctx context.Context, event P) error {
	return o.hub.publish(ctx, EphemeralMessage[P]{Payload: event, PublishedAt: o.cfg.Clock.Now()})
}

// PublishEphemeralInOp delivers event to live subscribers once op commits.
func (o *Outbox[P]) PublishEphemeralInOp(ctx context.Context, op dbop.Op, event P) {
	op.AfterCommit(func() {
		_ = o.PublishEphemeral(context.WithoutCancel(ctx), event)
	})
}

// Notify wakes listeners waiting for new messages. Publishing in this
// process calls it on commit; the Postgres notifier calls it for commits made
// by other processes.
func (o *Outbox[P]) Notify() {
	o.wake.Broadcast()
}

// MaxSequence returns the sequence of the latest committed message.
func (o *Outbox[P]) MaxSequence(ctx context.Context) (int64, error) {
	return o.store.MaxSequence(ctx)
}

// ListenPersisted streams every message with sequence > from. Pass the last
// sequence the caller has durably processed, or 0 for the whole log.
func (o *Outbox[P]) ListenPersisted(from int64) *Listener[P] {
	return &Listener[P]{o: o, last: max(from, 0)}
}

// ListenFromTail streams only messages committed after the call.
func (o *Outbox[P]) ListenFromTail(ctx context.Context) (*Listener[P], error) {
	last, err := o.store.MaxSequence(ctx)
	if err != nil {
		return nil, err
	}
	return o.ListenPersisted(last), nil
}

// ListenEphemeral subscribes to ephemeral messages published from now on.
// Close the subscription when done.
func (o *Outbox[P]) ListenEphemeral() *Subscription[P] {
	return o.hub.subscribe()
}
