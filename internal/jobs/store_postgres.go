package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"corebank.io/platform/internal/dbop"
	apperrors "corebank.io/platform/internal/pkg/errors"
)

// NotifyChannel is the Postgres channel notified with the job id whenever an
// execution becomes pending.
const NotifyChannel = "job_executions"

const jobColumns = `id, job_type, COALESCE(unique_key, ''), config, state, attempt, last_error, created_at, completed_at`

// PostgresStore keeps jobs in the jobs and job_executions tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates the store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func scanJob(row pgx.Row, extra ...any) (*Job, error) {
	var j Job
	dest := append([]any{
		&j.ID, &j.Type, &j.UniqueKey, &j.config, &j.State, &j.Attempt, &j.LastError, &j.CreatedAt, &j.CompletedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &j, nil
}

// Insert implements Store. ON CONFLICT DO NOTHING waits for a concurrent
// insert of the same key to settle, so exactly one creator wins.
func (s *PostgresStore) Insert(ctx context.Context, op dbop.Op, job *Job, executeAt time.Time, state json.RawMessage) (*Job, bool, error) {
	tx, err := dbop.PgTx(op)
	if err != nil {
		return nil, false, err
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO jobs (id, job_type, unique_key, config, state, attempt, last_error, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, 0, '', $6)
		 ON CONFLICT DO NOTHING`,
		job.ID, job.Type, job.UniqueKey, job.config, StateActive, op.Now(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert job %s: %w", job.ID, err)
	}

	if tag.RowsAffected() == 0 {
		existing, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs
			  WHERE id = $1 OR (job_type = $2 AND unique_key = NULLIF($3, ''))
			  LIMIT 1`,
			job.ID, job.Type, job.UniqueKey,
		))
		if err != nil {
			return nil, false, fmt.Errorf("read existing job %s: %w", job.ID, err)
		}
		return existing, false, nil
	}

	batch := &pgx.Batch{}
	batch.Queue(
		`INSERT INTO job_executions (id, job_type, state, attempt_index, execute_at, alive_at, execution_state)
		 VALUES ($1, $2, 'pending', 1, $3, $4, $5)`,
		job.ID, job.Type, executeAt, op.Now(), nullJSON(state),
	)
	batch.Queue(`SELECT pg_notify($1, $2)`, NotifyChannel, job.ID.String())
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, false, fmt.Errorf("insert execution of job %s: %w", job.ID, err)
	}

	stored := cloneJob(job)
	stored.State = StateActive
	stored.CreatedAt = op.Now()
	return stored, true, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// Find implements Store.
func (s *PostgresStore) Find(ctx context.Context, id uuid.UUID) (*Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound(apperrors.CodeJobNotFound, fmt.Sprintf("job %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("find job %s: %w", id, err)
	}
	return j, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, state State, limit int) ([]*Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = $1 ORDER BY created_at DESC, id LIMIT $2`,
		state, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", state, err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Claim implements Store. SKIP LOCKED lets concurrent pollers pass over rows
// another poller is claiming instead of queueing behind it.
func (s *PostgresStore) Claim(ctx context.Context, owner string, now time.Time, limit int, skip []uuid.UUID) ([]ClaimedJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`WITH due AS (
		     SELECT id FROM job_executions
		      WHERE state = 'pending' AND execute_at <= $2 AND id <> ALL($4)
		      ORDER BY execute_at, id
		      LIMIT $3
		      FOR UPDATE SKIP LOCKED
		 ), claimed AS (
		     UPDATE job_executions AS e
		        SET state = 'running', claimed_by = $1, claim_id = gen_random_uuid(), alive_at = $2
		       FROM due
		      WHERE e.id = due.id
		  RETURNING e.id, e.claim_id, e.attempt_index, e.execution_state
		 )
		 SELECT j.id, j.job_type, COALESCE(j.unique_key, ''), j.config, j.state, j.attempt, j.last_error,
		        j.created_at, j.completed_at, c.claim_id, c.attempt_index, c.execution_state
		   FROM claimed c JOIN jobs j ON j.id = c.id`,
		owner, now, limit, nonNilIDs(skip),
	)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var out []ClaimedJob
	for rows.Next() {
		var c ClaimedJob
		var state []byte
		j, err := scanJob(rows, &c.ClaimID, &c.Attempt, &state)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		c.Job = j
		c.ExecutionState = state
		out = append(out, c)
	}
	return out, rows.Err()
}

// nonNilIDs keeps pgx from encoding an empty skip list as NULL, which would
// make id <> ALL($n) unknown for every row.
func nonNilIDs(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}

// NextExecuteAt implements Store.
func (s *PostgresStore) NextExecuteAt(ctx context.Context, skip []uuid.UUID) (time.Time, bool, error) {
	var next *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MIN(execute_at) FROM job_executions WHERE state = 'pending' AND id <> ALL($1)`,
		nonNilIDs(skip),
	).Scan(&next)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read next execution: %w", err)
	}
	if next == nil {
		return time.Time{}, false, nil
	}
	return *next, true, nil
}

// KeepAlive implements Store.
func (s *PostgresStore) KeepAlive(ctx context.Context, claims []uuid.UUID, now time.Time) (int64, error) {
	if len(claims) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_executions SET alive_at = $2
		  WHERE claim_id = ANY($1) AND state = 'running'`,
		claims, now,
	)
	if err != nil {
		return 0, fmt.Errorf("keep alive %d claims: %w", len(claims), err)
	}
	return tag.RowsAffected(), nil
}

// RecoverLost implements Store.
func (s *PostgresStore) RecoverLost(ctx context.Context, staleBefore, now time.Time) (int64, error) {
	return s.requeue(ctx,
		`UPDATE job_executions
		    SET state = 'pending', claimed_by = NULL, claim_id = NULL, attempt_index = attempt_index + 1, execute_at = $2
		  WHERE state = 'running' AND alive_at < $1
		 RETURNING id`,
		staleBefore, now,
	)
}

// Release implements Store.
func (s *PostgresStore) Release(ctx context.Context, owner string, now time.Time) (int64, error) {
	return s.requeue(ctx,
		`UPDATE job_executions
		    SET state = 'pending', claimed_by = NULL, claim_id = NULL, execute_at = $2
		  WHERE claimed_by = $1 AND state = 'running'
		 RETURNING id`,
		owner, now,
	)
}

// requeue runs an UPDATE ... RETURNING id and notifies pollers of every
// execution that became pending.
func (s *PostgresStore) requeue(ctx context.Context, sql string, args ...any) (int64, error) {
	var n int64
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return err
		}
		n = int64(len(ids))
		for _, id := range ids {
			if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, id.String()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("requeue executions: %w", err)
	}
	return n, nil
}

// fenced runs a write that must touch the running execution a claim holds.
func fenced(ctx context.Context, tx pgx.Tx, id uuid.UUID, sql string, args ...any) error {
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update execution of job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, apperrors.ErrJobLost)
	}
	return nil
}

// UpdateExecutionState implements Store.
func (s *PostgresStore) UpdateExecutionState(ctx context.Context, op dbop.Op, id, claim uuid.UUID, state json.RawMessage) error {
	tx, err := dbop.PgTx(op)
	if err != nil {
		return err
	}
	return fenced(ctx, tx, id,
		`UPDATE job_executions SET execution_state = $3
		  WHERE id = $1 AND claim_id = $2 AND state = 'running'`,
		id, claim, nullJSON(state),
	)
}

func (s *PostgresStore) finish(ctx context.Context, op dbop.Op, id, claim uuid.UUID, state State, res AttemptResult) error {
	tx, err := dbop.PgTx(op)
	if err != nil {
		return err
	}
	if err := fenced(ctx, tx, id,
		`DELETE FROM job_executions WHERE id = $1 AND claim_id = $2 AND state = 'running'`,
		id, claim,
	); err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE jobs SET state = $2, attempt = $3, last_error = $4, completed_at = $5 WHERE id = $1`,
		id, state, res.Attempt, res.errorText(), op.Now(),
	)
	if err != nil {
		return fmt.Errorf("mark job %s %s: %w", id, state, err)
	}
	return nil
}

// Complete implements Store.
func (s *PostgresStore) Complete(ctx context.Context, op dbop.Op, id, claim uuid.UUID, res AttemptResult) error {
	return s.finish(ctx, op, id, claim, StateCompleted, res)
}

// Fail implements Store.
func (s *PostgresStore) Fail(ctx context.Context, op dbop.Op, id, claim uuid.UUID, res AttemptResult) error {
	return s.finish(ctx, op, id, claim, StateErrored, res)
}

// Reschedule implements Store.
func (s *PostgresStore) Reschedule(ctx context.Context, op dbop.Op, id, claim uuid.UUID, at time.Time, res AttemptResult) error {
	tx, err := dbop.PgTx(op)
	if err != nil {
		return err
	}
	if err := fenced(ctx, tx, id,
		`UPDATE job_executions
		    SET state = 'pending', claimed_by = NULL, claim_id = NULL, attempt_index = $3, execute_at = $4
		  WHERE id = $1 AND claim_id = $2 AND state = 'running'`,
		id, claim, res.nextAttempt(), at,
	); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	batch.Queue(`UPDATE jobs SET attempt = $2, last_error = $3 WHERE id = $1`, id, res.Attempt, res.errorText())
	batch.Queue(`SELECT pg_notify($1, $2)`, NotifyChannel, id.String())
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("reschedule job %s: %w", id, err)
	}
	return nil
}

// DeleteCompletedBefore implements Store.
func (s *PostgresStore) DeleteCompletedBefore(ctx context.Context, op dbop.Op, t time.Time) (int64, error) {
	tx, err := dbop.PgTx(op)
	if err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM jobs WHERE state = 'completed' AND completed_at < $1`, t,
	)
	if err != nil {
		return 0, fmt.Errorf("delete completed jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
