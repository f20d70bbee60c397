package es

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"corebank.io/platform/internal/dbop"
	"corebank.io/platform/internal/memdb"
	apperrors "corebank.io/platform/internal/pkg/errors"
)

// MemoryStore keeps event streams in a memdb backend.
type MemoryStore struct {
	db      *memdb.DB
	streams map[uuid.UUID]*memStream
	order   []uuid.UUID
}

type memStream struct {
	aggregateType string
	events        []RawEvent
}

type memPendingKey struct{ store *MemoryStore }

type memPending map[uuid.UUID]*memStream

// NewMemoryStore creates an empty store on db.
func NewMemoryStore(db *memdb.DB) *MemoryStore {
	return &MemoryStore{db: db, streams: make(map[uuid.UUID]*memStream)}
}

func (s *MemoryStore) pending(tx *memdb.Tx) memPending {
	return tx.Local(memPendingKey{s}, func() any { return memPending{} }).(memPending)
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, op dbop.Op, aggregateType string, id uuid.UUID, expectedVersion int, events []RawEvent) (int, error) {
	tx, err := memdb.From(op)
	if err != nil {
		return 0, err
	}

	var committed int
	var committedType string
	s.db.View(func() {
		if st, ok := s.streams[id]; ok {
			committed = len(st.events)
			committedType = st.aggregateType
		}
	})
	if committedType != "" && committedType != aggregateType {
		return 0, fmt.Errorf("aggregate %s is a %s, not a %s", id, committedType, aggregateType)
	}

	pending := s.pending(tx)
	own := pending[id]
	current := committed
	if own != nil {
		current += len(own.events)
	}
	if current != expectedVersion {
		return 0, apperrors.ConcurrentModification(
			fmt.Sprintf("%s %s is at version %d, expected %d", aggregateType, id, current, expectedVersion))
	}

	stamped := make([]RawEvent, len(events))
	for i, e := range events {
		e.Sequence = current + i + 1
		e.RecordedAt = op.Now()
		stamped[i] = e
	}
	if own == nil {
		own = &memStream{aggregateType: aggregateType}
		pending[id] = own
	}
	own.events = append(own.events, stamped...)

	tx.Stage(func() {
		st, ok := s.streams[id]
		if !ok {
			st = &memStream{aggregateType: aggregateType}
			s.streams[id] = st
			s.order = append(s.order, id)
		}
		st.events = append(st.events, stamped...)
	})
	return current + len(events), nil
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, aggregateType string, id uuid.UUID) ([]RawEvent, error) {
	var out []RawEvent
	s.db.View(func() {
		if st, ok := s.streams[id]; ok && st.aggregateType == aggregateType {
			out = slices.Clone(st.events)
		}
	})
	return out, nil
}

// LoadInOp implements Store.
func (s *MemoryStore) LoadInOp(ctx context.Context, op dbop.Op, aggregateType string, id uuid.UUID) ([]RawEvent, error) {
	tx, err := memdb.From(op)
	if err != nil {
		return nil, err
	}
	out, err := s.Load(ctx, aggregateType, id)
	if err != nil {
		return nil, err
	}
	if own, ok := s.pending(tx)[id]; ok && own.aggregateType == aggregateType {
		out = append(out, own.events...)
	}
	return out, nil
}

// ListIDs implements Store.
func (s *MemoryStore) ListIDs(_ context.Context, aggregateType string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	s.db.View(func() {
		for _, id := range s.order {
			if s.streams[id].aggregateType == aggregateType {
				ids = append(ids, id)
			}
		}
	})
	return ids, nil
}
