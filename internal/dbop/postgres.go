package dbop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/facebookgo/clock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrWrongBackend is returned when an op from one backend is handed to a
// store of another.
var ErrWrongBackend = errors.New("op does not belong to this backend")

// Postgres opens ops as pgx transactions on a shared pool.
type Postgres struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

// NewPostgres creates the Postgres op factory. A nil clock means wall time.
func NewPostgres(pool *pgxpool.Pool, clk clock.Clock) *Postgres {
	if clk == nil {
		clk = clock.New()
	}
	return &Postgres{pool: pool, clock: clk}
}

// Pool returns the underlying connection pool for reads outside an op.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// Begin starts a READ COMMITTED transaction.
func (p *Postgres) Begin(ctx context.Context) (Op, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &PgOp{tx: tx, now: Timestamp(p.clock.Now())}, nil
}

// PgOp is a Postgres-backed op.
type PgOp struct {
	tx    pgx.Tx
	now   time.Time
	hooks Hooks
	done  bool
}

// Tx exposes the transaction to Postgres stores.
func (o *PgOp) Tx() pgx.Tx { return o.tx }

// Now implements Op.
func (o *PgOp) Now() time.Time { return o.now }

// AfterCommit implements Op.
func (o *PgOp) AfterCommit(fn func()) { o.hooks.Add(fn) }

// AfterRollback implements Op.
func (o *PgOp) AfterRollback(fn func()) { o.hooks.AddUndo(fn) }

// Commit implements Op.
func (o *PgOp) Commit(ctx context.Context) error {
	if o.done {
		return pgx.ErrTxClosed
	}
	if err := o.tx.Commit(ctx); err != nil {
		o.done = true
		o.hooks.Discard()
		return err
	}
	o.done = true
	o.hooks.Fire()
	return nil
}

// Rollback implements Op.
func (o *PgOp) Rollback(ctx context.Context) error {
	if o.done {
		return nil
	}
	o.done = true
	o.hooks.Discard()
	return o.tx.Rollback(ctx)
}

// PgTx extracts the pgx transaction from a Postgres op.
func PgTx(op Op) (pgx.Tx, error) {
	pg, ok := op.(*PgOp)
	if !ok {
		return nil, fmt.Errorf("%w: want *dbop.PgOp, got %T", ErrWrongBackend, op)
	}
	return pg.tx, nil
}

// Timestamp normalizes t to the precision Postgres stores (microseconds, UTC)
// so in-memory values equal what is read back.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
