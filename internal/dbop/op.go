// Package dbop defines the atomic operation handle that is threaded through
// event store appends, outbox publishes and job writes so that all of them
// commit together or not at all.
package dbop

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Op is one atomic unit of work against the platform store.
type Op interface {
	// Now is the operation's timestamp. Every row written in the op records it.
	Now() time.Time
	// AfterCommit registers fn to run once the op has committed. Hooks never
	// run for a rolled-back op.
	AfterCommit(fn func())
	// AfterRollback registers fn to run if the op rolls back or its commit
	// fails. Callers use it to undo in-memory effects of the op.
	AfterRollback(fn func())
	Commit(ctx context.Context) error
	// Rollback discards the op. Calling it after Commit is a no-op, so it is
	// safe to defer.
	Rollback(ctx context.Context) error
}

// Beginner opens operations.
type Beginner interface {
	Begin(ctx context.Context) (Op, error)
}

// Run begins an op, calls fn and commits when fn returns nil.
func Run(ctx context.Context, db Beginner, fn func(op Op) error) error {
	op, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin op: %w", err)
	}
	defer func() { _ = op.Rollback(ctx) }()

	if err := fn(op); err != nil {
		return err
	}
	if err := op.Commit(ctx); err != nil {
		return fmt.Errorf("commit op: %w", err)
	}
	return nil
}

// Hooks collects after-commit and after-rollback callbacks. Implementations
// of Op embed it.
type Hooks struct {
	mu   sync.Mutex
	fns  []func()
	undo []func()
}

// Add registers fn.
func (h *Hooks) Add(fn func()) {
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

// AddUndo registers a rollback callback.
func (h *Hooks) AddUndo(fn func()) {
	h.mu.Lock()
	h.undo = append(h.undo, fn)
	h.mu.Unlock()
}

// Fire runs the after-commit callbacks in registration order and clears
// both lists.
func (h *Hooks) Fire() {
	h.mu.Lock()
	fns := h.fns
	h.fns, h.undo = nil, nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Discard drops the after-commit callbacks and runs the rollback
// callbacks, newest first.
func (h *Hooks) Discard() {
	h.mu.Lock()
	undo := h.undo
	h.fns, h.undo = nil, nil
	h.mu.Unlock()
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}
