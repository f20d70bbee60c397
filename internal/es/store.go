package es

import (
	"context"
	"time"

	"github.com/google/uuid"

	"corebank.io/platform/internal/dbop"
)

// RawEvent is an encoded event as the store sees it.
type RawEvent struct {
	Sequence   int
	EventType  string
	Payload    []byte
	RecordedAt time.Time
}

// Store persists event streams. Implementations assign Sequence and
// RecordedAt (op.Now()) on Append.
type Store interface {
	// Append adds events after expectedVersion and returns the new version.
	// It fails with ErrConcurrentModification when the stream's version is
	// not expectedVersion.
	Append(ctx context.Context, op dbop.Op, aggregateType string, id uuid.UUID, expectedVersion int, events []RawEvent) (int, error)
	// Load returns the committed stream in sequence order, or nothing.
	Load(ctx context.Context, aggregateType string, id uuid.UUID) ([]RawEvent, error)
	// LoadInOp is Load as seen from inside op, including its own appends.
	LoadInOp(ctx context.Context, op dbop.Op, aggregateType string, id uuid.UUID) ([]RawEvent, error)
	// ListIDs returns the ids of all aggregates of a type, oldest first.
	ListIDs(ctx context.Context, aggregateType string) ([]uuid.UUID, error)
}
