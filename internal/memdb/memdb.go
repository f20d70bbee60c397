// Package memdb is an in-process transactional backend for the platform
// stores. Ops are serialized: one op holds the writer slot from Begin until
// Commit or Rollback, so validations made while staging a write stay true at
// commit. Reads never need the writer slot and only see committed data.
//
// It backs unit tests and single-process deployments that do not need
// durability.
package memdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"corebank.io/platform/internal/dbop"
)

// ErrOpClosed is returned when an op is used after Commit or Rollback.
var ErrOpClosed = errors.New("memdb: op already closed")

// DB owns the writer slot and the lock over committed data. Stores keep
// their tables in their own structs and guard them with View and Stage.
type DB struct {
	writer chan struct{}
	mu     sync.RWMutex
	clock  clock.Clock
}

// New creates an empty backend. A nil clock means wall time.
func New(clk clock.Clock) *DB {
	if clk == nil {
		clk = clock.New()
	}
	return &DB{writer: make(chan struct{}, 1), clock: clk}
}

// Clock returns the backend's clock.
func (db *DB) Clock() clock.Clock { return db.clock }

// Begin waits for the writer slot and opens an op.
func (db *DB) Begin(ctx context.Context) (dbop.Op, error) {
	select {
	case db.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("memdb begin: %w", ctx.Err())
	}
	return &Tx{db: db, now: dbop.Timestamp(db.clock.Now())}, nil
}

// View runs fn with committed data read-locked.
func (db *DB) View(fn func()) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	fn()
}

// Tx is a memdb op.
type Tx struct {
	db      *DB
	now     time.Time
	hooks   dbop.Hooks
	applies []func()
	locals  map[any]any
	done    bool
}

// From extracts the memdb op.
func From(op dbop.Op) (*Tx, error) {
	tx, ok := op.(*Tx)
	if !ok {
		return nil, fmt.Errorf("%w: want *memdb.Tx, got %T", dbop.ErrWrongBackend, op)
	}
	if tx.done {
		return nil, ErrOpClosed
	}
	return tx, nil
}

// Now implements dbop.Op.
func (tx *Tx) Now() time.Time { return tx.now }

// AfterCommit implements dbop.Op.
func (tx *Tx) AfterCommit(fn func()) { tx.hooks.Add(fn) }

// AfterRollback implements dbop.Op.
func (tx *Tx) AfterRollback(fn func()) { tx.hooks.AddUndo(fn) }

// Stage queues a mutation of committed data. Staged mutations run in order,
// under the write lock, when the op commits. They must not fail: validate
// while staging.
func (tx *Tx) Stage(apply func()) {
	tx.applies = append(tx.applies, apply)
}

// Local returns op-scoped scratch state for key, creating it with init on
// first use. Stores keep their uncommitted rows here so later reads in the
// same op can see them.
func (tx *Tx) Local(key any, init func() any) any {
	if tx.locals == nil {
		tx.locals = make(map[any]any)
	}
	v, ok := tx.locals[key]
	if !ok {
		v = init()
		tx.locals[key] = v
	}
	return v
}

// Commit applies staged mutations atomically, releases the writer slot and
// runs after-commit hooks.
func (tx *Tx) Commit(context.Context) error {
	if tx.done {
		return ErrOpClosed
	}
	tx.done = true

	tx.db.mu.Lock()
	for _, apply := range tx.applies {
		apply()
	}
	tx.db.mu.Unlock()
	tx.applies = nil
	tx.locals = nil
	<-tx.db.writer

	tx.hooks.Fire()
	return nil
}

// Rollback discards staged mutations. It is a no-op after Commit.
func (tx *Tx) Rollback(context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.applies = nil
	tx.locals = nil
	tx.hooks.Discard()
	<-tx.db.writer
	return nil
}
