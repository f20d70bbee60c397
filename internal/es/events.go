// Package es is the event-sourced aggregate store.
//
// An aggregate's durable state is only its ordered event history. State is
// rebuilt by folding the history through the aggregate's Build function;
// writes append new events at an expected version and fail with
// ErrConcurrentModification when another writer got there first.
package es

import (
	"iter"
	"slices"
	"time"

	"github.com/google/uuid"

	"corebank.io/platform/internal/pkg/tagged"
)

// Event is implemented by every variant of an aggregate's event set.
type Event = tagged.Variant

// PersistedEvent is an event that has been committed to the store.
type PersistedEvent[E Event] struct {
	Sequence   int
	RecordedAt time.Time
	Event      E
}

// EntityEvents is an aggregate's history plus the events it has produced
// since it was loaded and that have not been appended yet.
type EntityEvents[E Event] struct {
	id        uuid.UUID
	persisted []PersistedEvent[E]
	pending   []E
}

// NewEntityEvents starts the history of a new aggregate. The initial events
// are pending until the aggregate is created through a Repository.
func NewEntityEvents[E Event](id uuid.UUID, initial ...E) EntityEvents[E] {
	return EntityEvents[E]{id: id, pending: slices.Clone(initial)}
}

// LoadEntityEvents wraps an already persisted history.
func LoadEntityEvents[E Event](id uuid.UUID, persisted []PersistedEvent[E]) EntityEvents[E] {
	return EntityEvents[E]{id: id, persisted: persisted}
}

// ID returns the aggregate id.
func (ee *EntityEvents[E]) ID() uuid.UUID { return ee.id }

// Push records a new event. It is appended on the next Update.
func (ee *EntityEvents[E]) Push(e E) {
	ee.pending = append(ee.pending, e)
}

// Version is the number of persisted events.
func (ee *EntityEvents[E]) Version() int { return len(ee.persisted) }

// HasPending reports whether there are events waiting to be appended.
func (ee *EntityEvents[E]) HasPending() bool { return len(ee.pending) > 0 }

// Pending returns a copy of the events not yet appended.
func (ee *EntityEvents[E]) Pending() []E { return slices.Clone(ee.pending) }

// Persisted returns a copy of the committed history.
func (ee *EntityEvents[E]) Persisted() []PersistedEvent[E] { return slices.Clone(ee.persisted) }

// IterPersisted yields committed events oldest first.
func (ee *EntityEvents[E]) IterPersisted() iter.Seq[E] {
	return func(yield func(E) bool) {
		for _, p := range ee.persisted {
			if !yield(p.Event) {
				return
			}
		}
	}
}

// IterAll yields committed then pending events, oldest first.
func (ee *EntityEvents[E]) IterAll() iter.Seq[E] {
	return func(yield func(E) bool) {
		for _, p := range ee.persisted {
			if !yield(p.Event) {
				return
			}
		}
		for _, e := range ee.pending {
			if !yield(e) {
				return
			}
		}
	}
}

// IterAllRev yields pending then committed events, newest first.
func (ee *EntityEvents[E]) IterAllRev() iter.Seq[E] {
	return func(yield func(E) bool) {
		for i := len(ee.pending) - 1; i >= 0; i-- {
			if !yield(ee.pending[i]) {
				return
			}
		}
		for i := len(ee.persisted) - 1; i >= 0; i-- {
			if !yield(ee.persisted[i].Event) {
				return
			}
		}
	}
}

// CreatedAt returns when the first event was recorded.
func (ee *EntityEvents[E]) CreatedAt() (time.Time, bool) {
	if len(ee.persisted) == 0 {
		return time.Time{}, false
	}
	return ee.persisted[0].RecordedAt, true
}

// ModifiedAt returns when the latest event was recorded.
func (ee *EntityEvents[E]) ModifiedAt() (time.Time, bool) {
	if len(ee.persisted) == 0 {
		return time.Time{}, false
	}
	return ee.persisted[len(ee.persisted)-1].RecordedAt, true
}

func (ee *EntityEvents[E]) markPersisted(recordedAt time.Time) []PersistedEvent[E] {
	start := len(ee.persisted)
	for i, e := range ee.pending {
		ee.persisted = append(ee.persisted, PersistedEvent[E]{
			Sequence:   start + i + 1,
			RecordedAt: recordedAt,
			Event:      e,
		})
	}
	ee.pending = nil
	return ee.persisted[start:]
}

// unmarkPersisted moves events from sequence start+1 on back to pending,
// ahead of anything pushed since.
func (ee *EntityEvents[E]) unmarkPersisted(start int) {
	if start >= len(ee.persisted) {
		return
	}
	moved := make([]E, 0, len(ee.persisted)-start+len(ee.pending))
	for _, p := range ee.persisted[start:] {
		moved = append(moved, p.Event)
	}
	ee.persisted = ee.persisted[:start]
	ee.pending = append(moved, ee.pending...)
}
