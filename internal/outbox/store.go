package outbox

import (
	"context"
	"time"

	"corebank.io/platform/internal/dbop"
)

// RawMessage is an encoded persistent message.
type RawMessage struct {
	Sequence   int64
	EventType  string
	Payload    []byte
	RecordedAt time.Time
}

// Store is the persistent message log.
type Store interface {
	// Insert appends messages inside op. Sequences are assigned so that the
	// committed log has no gaps and commit order equals sequence order.
	Insert(ctx context.Context, op dbop.Op, msgs []RawMessage) error
	// ReadAfter returns up to limit committed messages with sequence > after,
	// ascending.
	ReadAfter(ctx context.Context, after int64, limit int) ([]RawMessage, error)
	// MaxSequence returns the highest committed sequence, 0 when empty.
	MaxSequence(ctx context.Context) (int64, error)
}
