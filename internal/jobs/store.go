package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"corebank.io/platform/internal/dbop"
)

// AttemptResult is recorded on the job row when an attempt finishes.
type AttemptResult struct {
	Attempt int
	Err     error
}

func (r AttemptResult) errorText() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// nextAttempt is the attempt number a rescheduled execution runs as.
// Successful attempts restart the count.
func (r AttemptResult) nextAttempt() int {
	if r.Err == nil {
		return 1
	}
	return r.Attempt + 1
}

// Store persists jobs and their executions.
//
// Writes that finish an attempt (Complete, Reschedule, Fail) and execution
// state updates are fenced by the claim id handed out with the execution: they
// only apply while that claim still holds the running execution, otherwise
// they fail with ErrJobLost. A recovered and reclaimed execution gets a new
// claim id even when the same owner claims it again.
type Store interface {
	// Insert creates job with a pending execution at executeAt. When the id
	// or the (type, unique key) pair is taken, it returns the existing job
	// and false.
	Insert(ctx context.Context, op dbop.Op, job *Job, executeAt time.Time, state json.RawMessage) (*Job, bool, error)
	Find(ctx context.Context, id uuid.UUID) (*Job, error)
	// List returns jobs in state, newest first.
	List(ctx context.Context, state State, limit int) ([]*Job, error)

	// Claim leases up to limit pending executions due at now to owner,
	// passing over the job ids in skip.
	Claim(ctx context.Context, owner string, now time.Time, limit int, skip []uuid.UUID) ([]ClaimedJob, error)
	// NextExecuteAt returns the earliest execute_at of pending executions
	// outside skip.
	NextExecuteAt(ctx context.Context, skip []uuid.UUID) (time.Time, bool, error)
	// KeepAlive refreshes the heartbeat of the executions still held by the
	// listed claims.
	KeepAlive(ctx context.Context, claims []uuid.UUID, now time.Time) (int64, error)
	// RecoverLost returns running executions with a heartbeat older than
	// staleBefore to pending, counting the lost attempt.
	RecoverLost(ctx context.Context, staleBefore, now time.Time) (int64, error)
	// Release returns executions held by owner to pending without counting
	// an attempt.
	Release(ctx context.Context, owner string, now time.Time) (int64, error)

	UpdateExecutionState(ctx context.Context, op dbop.Op, id, claim uuid.UUID, state json.RawMessage) error
	Complete(ctx context.Context, op dbop.Op, id, claim uuid.UUID, res AttemptResult) error
	Reschedule(ctx context.Context, op dbop.Op, id, claim uuid.UUID, at time.Time, res AttemptResult) error
	Fail(ctx context.Context, op dbop.Op, id, claim uuid.UUID, res AttemptResult) error

	// DeleteCompletedBefore removes completed jobs finished before t as
	// part of op.
	DeleteCompletedBefore(ctx context.Context, op dbop.Op, t time.Time) (int64, error)
}
