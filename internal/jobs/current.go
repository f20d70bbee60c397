package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"

	"corebank.io/platform/internal/dbop"
)

// CurrentJob is a runner's view of the execution it holds the lease for.
type CurrentJob struct {
	id      uuid.UUID
	jobType JobType
	attempt int
	claim   uuid.UUID

	db       dbop.Beginner
	store    Store
	clock    clock.Clock
	shutdown <-chan struct{}

	mu    sync.Mutex
	state json.RawMessage
}

// ID returns the job id.
func (c *CurrentJob) ID() uuid.UUID { return c.id }

// JobType returns the job type.
func (c *CurrentJob) JobType() JobType { return c.jobType }

// Attempt returns the 1-based attempt number. It restarts at 1 after every
// successful reschedule.
func (c *CurrentJob) Attempt() int { return c.attempt }

// Now returns the orchestrator clock's time.
func (c *CurrentJob) Now() time.Time { return c.clock.Now() }

// ExecutionState decodes the last committed execution state into v. It
// reports false when no state has been stored yet.
func (c *CurrentJob) ExecutionState(v any) (bool, error) {
	c.mu.Lock()
	raw := c.state
	c.mu.Unlock()

	if len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode execution state of job %s: %w", c.id, err)
	}
	return true, nil
}

// UpdateExecutionState stores v in its own op.
func (c *CurrentJob) UpdateExecutionState(ctx context.Context, v any) error {
	return dbop.Run(ctx, c.db, func(op dbop.Op) error {
		return c.UpdateExecutionStateInOp(ctx, op, v)
	})
}

// UpdateExecutionStateInOp stores v as part of op. The new state becomes
// visible to ExecutionState once op commits. It fails with ErrJobLost when
// the claim this runner was started with has been recovered.
func (c *CurrentJob) UpdateExecutionStateInOp(ctx context.Context, op dbop.Op, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode execution state of job %s: %w", c.id, err)
	}
	if err := c.store.UpdateExecutionState(ctx, op, c.id, c.claim, data); err != nil {
		return err
	}
	op.AfterCommit(func() {
		c.mu.Lock()
		c.state = data
		c.mu.Unlock()
	})
	return nil
}

// Begin opens an op on the orchestrator's backend.
func (c *CurrentJob) Begin(ctx context.Context) (dbop.Op, error) {
	return c.db.Begin(ctx)
}

// ShutdownRequested is closed when the process starts shutting down.
// Runners check it between ops and answer with RescheduleNow.
func (c *CurrentJob) ShutdownRequested() <-chan struct{} { return c.shutdown }

// IsShutdownRequested reports whether shutdown has started.
func (c *CurrentJob) IsShutdownRequested() bool {
	select {
	case <-c.shutdown:
		return true
	default:
		return false
	}
}
