package es

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"corebank.io/platform/internal/dbop"
	apperrors "corebank.io/platform/internal/pkg/errors"
)

var tracer = otel.Tracer("corebank.io/platform/internal/es")

// Repository loads and persists aggregates of one type.
type Repository[T Entity[E], E Event] struct {
	def   Definition[T, E]
	store Store
	db    dbop.Beginner
}

// NewRepository creates a repository. db opens ops for the methods that do
// not take one.
func NewRepository[T Entity[E], E Event](def Definition[T, E], store Store, db dbop.Beginner) *Repository[T, E] {
	return &Repository[T, E]{def: def, store: store, db: db}
}

// AggregateType returns the stored type name.
func (r *Repository[T, E]) AggregateType() string { return r.def.AggregateType }

// Create persists a new aggregate in its own op.
func (r *Repository[T, E]) Create(ctx context.Context, id uuid.UUID, initial ...E) (T, error) {
	var entity T
	err := dbop.Run(ctx, r.db, func(op dbop.Op) error {
		var err error
		entity, err = r.CreateInOp(ctx, op, id, initial...)
		return err
	})
	return entity, err
}

// CreateInOp appends the initial events of a new aggregate at version 0 and
// returns the built entity.
func (r *Repository[T, E]) CreateInOp(ctx context.Context, op dbop.Op, id uuid.UUID, initial ...E) (T, error) {
	var zero T
	if len(initial) == 0 {
		return zero, BuildErrorf("%s %s: no initial events", r.def.AggregateType, id)
	}
	events := NewEntityEvents(id, initial...)
	if _, err := r.appendPending(ctx, op, &events); err != nil {
		return zero, err
	}
	return r.build(id, events)
}

// Update appends the entity's pending events in its own op.
func (r *Repository[T, E]) Update(ctx context.Context, entity T) (int, error) {
	var n int
	err := dbop.Run(ctx, r.db, func(op dbop.Op) error {
		var err error
		n, err = r.UpdateInOp(ctx, op, entity)
		return err
	})
	return n, err
}

// UpdateInOp appends the entity's pending events at the version it was
// loaded at and returns how many were appended. Zero pending events append
// nothing. If op rolls back the events become pending again.
func (r *Repository[T, E]) UpdateInOp(ctx context.Context, op dbop.Op, entity T) (int, error) {
	events := entity.Events()
	if !events.HasPending() {
		return 0, nil
	}
	return r.appendPending(ctx, op, events)
}

// Append writes raw events after expectedVersion and returns the new version.
func (r *Repository[T, E]) Append(ctx context.Context, op dbop.Op, id uuid.UUID, expectedVersion int, events ...E) (int, error) {
	raws, err := r.encode(events)
	if err != nil {
		return 0, err
	}
	return r.appendRaw(ctx, op, id, expectedVersion, raws)
}

func (r *Repository[T, E]) appendPending(ctx context.Context, op dbop.Op, events *EntityEvents[E]) (int, error) {
	pending := events.Pending()
	raws, err := r.encode(pending)
	if err != nil {
		return 0, err
	}
	start := events.Version()
	if _, err := r.appendRaw(ctx, op, events.ID(), start, raws); err != nil {
		return 0, err
	}
	// Later writes in op see the new version. A rollback hands the events
	// back as pending so the entity can be retried as is.
	events.markPersisted(op.Now())
	op.AfterRollback(func() { events.unmarkPersisted(start) })
	return len(pending), nil
}

func (r *Repository[T, E]) appendRaw(ctx context.Context, op dbop.Op, id uuid.UUID, expectedVersion int, raws []RawEvent) (int, error) {
	ctx, span := tracer.Start(ctx, "es.append", trace.WithAttributes(
		attribute.String("aggregate.type", r.def.AggregateType),
		attribute.String("aggregate.id", id.String()),
		attribute.Int("aggregate.expected_version", expectedVersion),
		attribute.Int("events.count", len(raws)),
	))
	defer span.End()

	version, err := r.store.Append(ctx, op, r.def.AggregateType, id, expectedVersion, raws)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	return version, nil
}

// Find loads and builds the aggregate. Missing aggregates return an error
// wrapping ErrNotFound.
func (r *Repository[T, E]) Find(ctx context.Context, id uuid.UUID) (T, error) {
	ctx, span := tracer.Start(ctx, "es.load", trace.WithAttributes(
		attribute.String("aggregate.type", r.def.AggregateType),
		attribute.String("aggregate.id", id.String()),
	))
	defer span.End()

	raws, err := r.store.Load(ctx, r.def.AggregateType, id)
	if err != nil {
		span.RecordError(err)
		var zero T
		return zero, err
	}
	return r.hydrate(id, raws)
}

// FindInOp loads the aggregate as seen from inside op.
func (r *Repository[T, E]) FindInOp(ctx context.Context, op dbop.Op, id uuid.UUID) (T, error) {
	raws, err := r.store.LoadInOp(ctx, op, r.def.AggregateType, id)
	if err != nil {
		var zero T
		return zero, err
	}
	return r.hydrate(id, raws)
}

// MaybeFind is Find that reports absence as false instead of an error.
func (r *Repository[T, E]) MaybeFind(ctx context.Context, id uuid.UUID) (T, bool, error) {
	entity, err := r.Find(ctx, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		var zero T
		return zero, false, nil
	}
	if err != nil {
		return entity, false, err
	}
	return entity, true, nil
}

// ListIDs returns the ids of every aggregate of this type.
func (r *Repository[T, E]) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	return r.store.ListIDs(ctx, r.def.AggregateType)
}

// UpdateWithRetry runs load, mutate and append, retrying the whole cycle on
// ErrConcurrentModification up to maxAttempts times. mutate may leave the
// entity without pending events (e.g. AlreadyApplied), in which case nothing
// is appended.
func (r *Repository[T, E]) UpdateWithRetry(ctx context.Context, id uuid.UUID, maxAttempts int, mutate func(entity T) error) (T, error) {
	var entity T
	err := RetryOnConflict(ctx, maxAttempts, func(ctx context.Context) error {
		loaded, err := r.Find(ctx, id)
		if err != nil {
			return err
		}
		if err := mutate(loaded); err != nil {
			return err
		}
		if _, err := r.Update(ctx, loaded); err != nil {
			return err
		}
		entity = loaded
		return nil
	})
	return entity, err
}

func (r *Repository[T, E]) hydrate(id uuid.UUID, raws []RawEvent) (T, error) {
	var zero T
	if len(raws) == 0 {
		return zero, apperrors.NotFound(apperrors.CodeAggregateNotFound,
			fmt.Sprintf("%s %s not found", r.def.AggregateType, id))
	}
	persisted := make([]PersistedEvent[E], len(raws))
	for i, raw := range raws {
		if raw.Sequence != i+1 {
			return zero, BuildErrorf("%s %s: sequence %d at position %d", r.def.AggregateType, id, raw.Sequence, i+1)
		}
		e, err := r.def.Codec.Decode(raw.EventType, raw.Payload)
		if err != nil {
			return zero, BuildErrorf("%s %s: event %d: %v", r.def.AggregateType, id, raw.Sequence, err)
		}
		persisted[i] = PersistedEvent[E]{Sequence: raw.Sequence, RecordedAt: raw.RecordedAt, Event: e}
	}
	return r.build(id, LoadEntityEvents(id, persisted))
}

func (r *Repository[T, E]) build(id uuid.UUID, events EntityEvents[E]) (T, error) {
	entity, err := r.def.Build(events)
	if err != nil {
		var zero T
		if !errors.Is(err, apperrors.ErrBuild) {
			err = BuildErrorf("%v", err)
		}
		return zero, fmt.Errorf("build %s %s: %w", r.def.AggregateType, id, err)
	}
	return entity, nil
}

func (r *Repository[T, E]) encode(events []E) ([]RawEvent, error) {
	raws := make([]RawEvent, len(events))
	for i, e := range events {
		tag, body, err := r.def.Codec.Encode(e)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", r.def.AggregateType, err)
		}
		raws[i] = RawEvent{EventType: tag, Payload: body}
	}
	return raws, nil
}
