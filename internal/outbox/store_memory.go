package outbox

import (
	"context"
	"slices"

	"corebank.io/platform/internal/dbop"
	"corebank.io/platform/internal/memdb"
)

// MemoryStore keeps the log in a memdb backend. Message n lives at index n-1.
type MemoryStore struct {
	db       *memdb.DB
	messages []RawMessage
}

type memPendingKey struct{ store *MemoryStore }

// NewMemoryStore creates an empty log on db.
func NewMemoryStore(db *memdb.DB) *MemoryStore {
	return &MemoryStore{db: db}
}

// Insert implements Store. memdb serializes ops, so the next sequence read
// here cannot be taken by another op before this one commits.
func (s *MemoryStore) Insert(_ context.Context, op dbop.Op, msgs []RawMessage) error {
	tx, err := memdb.From(op)
	if err != nil {
		return err
	}
	pending := tx.Local(memPendingKey{s}, func() any { return new(int) }).(*int)

	var committed int
	s.db.View(func() { committed = len(s.messages) })

	stamped := make([]RawMessage, len(msgs))
	for i, m := range msgs {
		m.Sequence = int64(committed + *pending + i + 1)
		m.RecordedAt = op.Now()
		stamped[i] = m
	}
	*pending += len(msgs)

	tx.Stage(func() {
		s.messages = append(s.messages, stamped...)
	})
	return nil
}

// ReadAfter implements Store.
func (s *MemoryStore) ReadAfter(_ context.Context, after int64, limit int) ([]RawMessage, error) {
	var out []RawMessage
	s.db.View(func() {
		start := int(max(after, 0))
		if start >= len(s.messages) {
			return
		}
		end := min(start+limit, len(s.messages))
		out = slices.Clone(s.messages[start:end])
	})
	return out, nil
}

// MaxSequence implements Store.
func (s *MemoryStore) MaxSequence(context.Context) (int64, error) {
	var n int64
	s.db.View(func() { n = int64(len(s.messages)) })
	return n, nil
}
