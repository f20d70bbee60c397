package es

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"corebank.io/platform/internal/dbop"
	apperrors "corebank.io/platform/internal/pkg/errors"
)

const pgUniqueViolation = "23505"

// PostgresStore keeps event streams in the es_events table. The primary key
// (aggregate_id, sequence) rejects the second of two appends racing for the
// same version.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates the store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, op dbop.Op, aggregateType string, id uuid.UUID, expectedVersion int, events []RawEvent) (int, error) {
	tx, err := dbop.PgTx(op)
	if err != nil {
		return 0, err
	}

	var current int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM es_events WHERE aggregate_id = $1`, id,
	).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("read version of %s: %w", id, err)
	}
	if current != expectedVersion {
		return 0, apperrors.ConcurrentModification(
			fmt.Sprintf("%s %s is at version %d, expected %d", aggregateType, id, current, expectedVersion))
	}

	batch := &pgx.Batch{}
	for i, e := range events {
		batch.Queue(
			`INSERT INTO es_events (aggregate_id, aggregate_type, sequence, event_type, event, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			id, aggregateType, current+i+1, e.EventType, e.Payload, op.Now(),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return 0, apperrors.ConcurrentModification(
				fmt.Sprintf("%s %s was appended concurrently at version %d", aggregateType, id, expectedVersion))
		}
		return 0, fmt.Errorf("append to %s: %w", id, err)
	}
	return current + len(events), nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, aggregateType string, id uuid.UUID) ([]RawEvent, error) {
	return loadStream(ctx, s.pool, aggregateType, id)
}

// LoadInOp implements Store.
func (s *PostgresStore) LoadInOp(ctx context.Context, op dbop.Op, aggregateType string, id uuid.UUID) ([]RawEvent, error) {
	tx, err := dbop.PgTx(op)
	if err != nil {
		return nil, err
	}
	return loadStream(ctx, tx, aggregateType, id)
}

func loadStream(ctx context.Context, q querier, aggregateType string, id uuid.UUID) ([]RawEvent, error) {
	rows, err := q.Query(ctx,
		`SELECT sequence, event_type, event, recorded_at
		   FROM es_events
		  WHERE aggregate_id = $1 AND aggregate_type = $2
		  ORDER BY sequence`,
		id, aggregateType,
	)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	events, err := pgx.CollectRows(rows, pgx.RowToStructByPos[RawEvent])
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", id, err)
	}
	return events, nil
}

// ListIDs implements Store.
func (s *PostgresStore) ListIDs(ctx context.Context, aggregateType string) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT aggregate_id FROM es_events
		  WHERE aggregate_type = $1 AND sequence = 1
		  ORDER BY recorded_at, aggregate_id`,
		aggregateType,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s ids: %w", aggregateType, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("scan %s ids: %w", aggregateType, err)
	}
	return ids, nil
}
