package outbox

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"corebank.io/platform/internal/dbop"
)

// NotifyChannel is the Postgres channel notified with the highest sequence of
// every committed publish.
const NotifyChannel = "outbox_events"

// publishLockKey serializes publishers for the rest of their transaction so
// sequences become visible strictly in order.
const publishLockKey int64 = 0x6f7574626f78 // "outbox"

// PostgresStore keeps the log in the outbox_events table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates the store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Insert implements Store. Sequences are MAX+1 under a transaction-scoped
// advisory lock, so a rolled back publish leaves no hole and a later
// publisher cannot commit a higher sequence first.
func (s *PostgresStore) Insert(ctx context.Context, op dbop.Op, msgs []RawMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := dbop.PgTx(op)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, publishLockKey); err != nil {
		return fmt.Errorf("lock outbox: %w", err)
	}
	var last int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM outbox_events`).Scan(&last); err != nil {
		return fmt.Errorf("read outbox head: %w", err)
	}

	batch := &pgx.Batch{}
	for i, m := range msgs {
		batch.Queue(
			`INSERT INTO outbox_events (sequence, event_type, payload, recorded_at) VALUES ($1, $2, $3, $4)`,
			last+int64(i)+1, m.EventType, m.Payload, op.Now(),
		)
	}
	batch.Queue(`SELECT pg_notify($1, $2)`, NotifyChannel, strconv.FormatInt(last+int64(len(msgs)), 10))
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert outbox messages: %w", err)
	}
	return nil
}

// ReadAfter implements Store.
func (s *PostgresStore) ReadAfter(ctx context.Context, after int64, limit int) ([]RawMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sequence, event_type, payload, recorded_at
		   FROM outbox_events
		  WHERE sequence > $1
		  ORDER BY sequence
		  LIMIT $2`,
		after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read outbox after %d: %w", after, err)
	}
	msgs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[RawMessage])
	if err != nil {
		return nil, fmt.Errorf("scan outbox messages: %w", err)
	}
	return msgs, nil
}

// MaxSequence implements Store.
func (s *PostgresStore) MaxSequence(ctx context.Context) (int64, error) {
	var last int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM outbox_events`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("read outbox head: %w", err)
	}
	return last, nil
}
