package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"corebank.io/platform/internal/dbop"
	"corebank.io/platform/internal/memdb"
	apperrors "corebank.io/platform/internal/pkg/errors"
)

const (
	execPending = "pending"
	execRunning = "running"
)

type memExecution struct {
	jobType   JobType
	state     string
	attempt   int
	executeAt time.Time
	aliveAt   time.Time
	claimedBy string
	claimID   uuid.UUID
	execState json.RawMessage
}

type uniqueKey struct {
	jobType JobType
	key     string
}

// MemoryStore keeps jobs in a memdb backend.
type MemoryStore struct {
	db     *memdb.DB
	jobs   map[uuid.UUID]*Job
	unique map[uniqueKey]uuid.UUID
	execs  map[uuid.UUID]*memExecution
}

type memPendingKey struct{ store *MemoryStore }

type memPending struct {
	jobs   map[uuid.UUID]*Job
	unique map[uniqueKey]uuid.UUID
}

// NewMemoryStore creates an empty store on db.
func NewMemoryStore(db *memdb.DB) *MemoryStore {
	return &MemoryStore{
		db:     db,
		jobs:   make(map[uuid.UUID]*Job),
		unique: make(map[uniqueKey]uuid.UUID),
		execs:  make(map[uuid.UUID]*memExecution),
	}
}

func cloneJob(j *Job) *Job {
	c := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, op dbop.Op, job *Job, executeAt time.Time, state json.RawMessage) (*Job, bool, error) {
	tx, err := memdb.From(op)
	if err != nil {
		return nil, false, err
	}
	pending := tx.Local(memPendingKey{s}, func() any {
		return &memPending{jobs: make(map[uuid.UUID]*Job), unique: make(map[uniqueKey]uuid.UUID)}
	}).(*memPending)

	var existing *Job
	uk := uniqueKey{job.Type, job.UniqueKey}
	s.db.View(func() {
		if j, ok := s.jobs[job.ID]; ok {
			existing = cloneJob(j)
			return
		}
		if job.UniqueKey == "" {
			return
		}
		if id, ok := s.unique[uk]; ok {
			existing = cloneJob(s.jobs[id])
		}
	})
	if existing == nil {
		if j, ok := pending.jobs[job.ID]; ok {
			existing = cloneJob(j)
		} else if id, ok := pending.unique[uk]; ok && job.UniqueKey != "" {
			existing = cloneJob(pending.jobs[id])
		}
	}
	if existing != nil {
		return existing, false, nil
	}

	stored := cloneJob(job)
	stored.CreatedAt = op.Now()
	pending.jobs[stored.ID] = stored
	if stored.UniqueKey != "" {
		pending.unique[uk] = stored.ID
	}
	exec := &memExecution{
		jobType:   stored.Type,
		state:     execPending,
		attempt:   1,
		executeAt: executeAt,
		aliveAt:   op.Now(),
		execState: state,
	}
	tx.Stage(func() {
		s.jobs[stored.ID] = stored
		if stored.UniqueKey != "" {
			s.unique[uk] = stored.ID
		}
		s.execs[stored.ID] = exec
	})
	return cloneJob(stored), true, nil
}

// Find implements Store.
func (s *MemoryStore) Find(_ context.Context, id uuid.UUID) (*Job, error) {
	var out *Job
	s.db.View(func() {
		if j, ok := s.jobs[id]; ok {
			out = cloneJob(j)
		}
	})
	if out == nil {
		return nil, apperrors.NotFound(apperrors.CodeJobNotFound, fmt.Sprintf("job %s not found", id))
	}
	return out, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, state State, limit int) ([]*Job, error) {
	var out []*Job
	s.db.View(func() {
		for _, j := range s.jobs {
			if j.State == state {
				out = append(out, cloneJob(j))
			}
		}
	})
	slices.SortFunc(out, func(a, b *Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return compareIDs(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func compareIDs(a, b uuid.UUID) int {
	return slices.Compare(a[:], b[:])
}

// Claim implements Store.
func (s *MemoryStore) Claim(ctx context.Context, owner string, now time.Time, limit int, skip []uuid.UUID) ([]ClaimedJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []ClaimedJob
	err := dbop.Run(ctx, s.db, func(op dbop.Op) error {
		tx, err := memdb.From(op)
		if err != nil {
			return err
		}
		type due struct {
			id uuid.UUID
			at time.Time
		}
		var candidates []due
		s.db.View(func() {
			for id, e := range s.execs {
				if e.state == execPending && !e.executeAt.After(now) && !slices.Contains(skip, id) {
					candidates = append(candidates, due{id, e.executeAt})
				}
			}
			slices.SortFunc(candidates, func(a, b due) int {
				if c := a.at.Compare(b.at); c != 0 {
					return c
				}
				return compareIDs(a.id, b.id)
			})
			if len(candidates) > limit {
				candidates = candidates[:limit]
			}
			for _, c := range candidates {
				e := s.execs[c.id]
				claimed = append(claimed, ClaimedJob{
					Job:            cloneJob(s.jobs[c.id]),
					ClaimID:        uuid.New(),
					Attempt:        e.attempt,
					ExecutionState: slices.Clone(e.execState),
				})
			}
		})
		tx.Stage(func() {
			for i, c := range candidates {
				e := s.execs[c.id]
				e.state = execRunning
				e.claimedBy = owner
				e.claimID = claimed[i].ClaimID
				e.aliveAt = now
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// NextExecuteAt implements Store.
func (s *MemoryStore) NextExecuteAt(_ context.Context, skip []uuid.UUID) (time.Time, bool, error) {
	var (
		next  time.Time
		found bool
	)
	s.db.View(func() {
		for id, e := range s.execs {
			if e.state != execPending || slices.Contains(skip, id) {
				continue
			}
			if !found || e.executeAt.Before(next) {
				next, found = e.executeAt, true
			}
		}
	})
	return next, found, nil
}

// update runs fn over executions matching match in its own op.
func (s *MemoryStore) update(ctx context.Context, match func(*memExecution) bool, fn func(*memExecution)) (int64, error) {
	var n int64
	err := dbop.Run(ctx, s.db, func(op dbop.Op) error {
		tx, err := memdb.From(op)
		if err != nil {
			return err
		}
		var ids []uuid.UUID
		s.db.View(func() {
			for id, e := range s.execs {
				if match(e) {
					ids = append(ids, id)
				}
			}
		})
		n = int64(len(ids))
		tx.Stage(func() {
			for _, id := range ids {
				fn(s.execs[id])
			}
		})
		return nil
	})
	return n, err
}

// KeepAlive implements Store.
func (s *MemoryStore) KeepAlive(ctx context.Context, claims []uuid.UUID, now time.Time) (int64, error) {
	if len(claims) == 0 {
		return 0, nil
	}
	return s.update(ctx,
		func(e *memExecution) bool { return e.state == execRunning && slices.Contains(claims, e.claimID) },
		func(e *memExecution) { e.aliveAt = now },
	)
}

// RecoverLost implements Store.
func (s *MemoryStore) RecoverLost(ctx context.Context, staleBefore, now time.Time) (int64, error) {
	return s.update(ctx,
		func(e *memExecution) bool { return e.state == execRunning && e.aliveAt.Before(staleBefore) },
		func(e *memExecution) {
			e.state = execPending
			e.claimedBy = ""
			e.claimID = uuid.Nil
			e.attempt++
			e.executeAt = now
		},
	)
}

// Release implements Store.
func (s *MemoryStore) Release(ctx context.Context, owner string, now time.Time) (int64, error) {
	return s.update(ctx,
		func(e *memExecution) bool { return e.state == execRunning && e.claimedBy == owner },
		func(e *memExecution) {
			e.state = execPending
			e.claimedBy = ""
			e.claimID = uuid.Nil
			e.executeAt = now
		},
	)
}

// fenced stages fn when claim still holds the running execution of id.
func (s *MemoryStore) fenced(op dbop.Op, id, claim uuid.UUID, fn func()) error {
	tx, err := memdb.From(op)
	if err != nil {
		return err
	}
	held := false
	s.db.View(func() {
		e, ok := s.execs[id]
		held = ok && e.state == execRunning && e.claimID == claim
	})
	if !held {
		return fmt.Errorf("job %s: %w", id, apperrors.ErrJobLost)
	}
	tx.Stage(fn)
	return nil
}

// UpdateExecutionState implements Store.
func (s *MemoryStore) UpdateExecutionState(_ context.Context, op dbop.Op, id, claim uuid.UUID, state json.RawMessage) error {
	state = slices.Clone(state)
	return s.fenced(op, id, claim, func() {
		if e, ok := s.execs[id]; ok {
			e.execState = state
		}
	})
}

func (s *MemoryStore) finish(op dbop.Op, id, claim uuid.UUID, state State, res AttemptResult) error {
	now := op.Now()
	return s.fenced(op, id, claim, func() {
		delete(s.execs, id)
		if j, ok := s.jobs[id]; ok {
			j.State = state
			j.Attempt = res.Attempt
			j.LastError = res.errorText()
			j.CompletedAt = &now
		}
	})
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, op dbop.Op, id, claim uuid.UUID, res AttemptResult) error {
	return s.finish(op, id, claim, StateCompleted, res)
}

// Fail implements Store.
func (s *MemoryStore) Fail(_ context.Context, op dbop.Op, id, claim uuid.UUID, res AttemptResult) error {
	return s.finish(op, id, claim, StateErrored, res)
}

// Reschedule implements Store.
func (s *MemoryStore) Reschedule(_ context.Context, op dbop.Op, id, claim uuid.UUID, at time.Time, res AttemptResult) error {
	return s.fenced(op, id, claim, func() {
		if e, ok := s.execs[id]; ok {
			e.state = execPending
			e.claimedBy = ""
			e.claimID = uuid.Nil
			e.attempt = res.nextAttempt()
			e.executeAt = at
		}
		if j, ok := s.jobs[id]; ok {
			j.Attempt = res.Attempt
			j.LastError = res.errorText()
		}
	})
}

// DeleteCompletedBefore implements Store.
func (s *MemoryStore) DeleteCompletedBefore(_ context.Context, op dbop.Op, t time.Time) (int64, error) {
	tx, err := memdb.From(op)
	if err != nil {
		return 0, err
	}
	var ids []uuid.UUID
	s.db.View(func() {
		for id, j := range s.jobs {
			if j.State == StateCompleted && j.CompletedAt != nil && j.CompletedAt.Before(t) {
				ids = append(ids, id)
			}
		}
	})
	tx.Stage(func() {
		for _, id := range ids {
			j, ok := s.jobs[id]
			if !ok {
				continue
			}
			if j.UniqueKey != "" {
				delete(s.unique, uniqueKey{j.Type, j.UniqueKey})
			}
			delete(s.jobs, id)
		}
	})
	return int64(len(ids)), nil
}
