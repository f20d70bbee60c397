package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corebank.io/platform/internal/dbop"
	"corebank.io/platform/internal/memdb"
	apperrors "corebank.io/platform/internal/pkg/errors"
)

func newTestStore(t *testing.T) (*memdb.DB, *MemoryStore, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	db := memdb.New(mock)
	return db, NewMemoryStore(db), mock
}

func insertJob(t *testing.T, db *memdb.DB, store Store, cfg JobConfig, executeAt time.Time) *Job {
	t.Helper()
	ctx := context.Background()
	var stored *Job
	require.NoError(t, dbop.Run(ctx, db, func(op dbop.Op) error {
		job, err := newJob(uuid.New(), cfg, "", op.Now())
		if err != nil {
			return err
		}
		stored, _, err = store.Insert(ctx, op, job, executeAt, nil)
		return err
	}))
	return stored
}

func claimOne(t *testing.T, store Store, owner string, now time.Time) ClaimedJob {
	t.Helper()
	claimed, err := store.Claim(context.Background(), owner, now, 1, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func TestMemoryStore_ClaimIsExclusive(t *testing.T) {
	db, store, mock := newTestStore(t)
	ctx := context.Background()
	job := insertJob(t, db, store, transferConfig{}, mock.Now())

	a, err := store.Claim(ctx, "worker-a", mock.Now(), 10, nil)
	require.NoError(t, err)
	require.Len(t, a, 1)
	assert.Equal(t, job.ID, a[0].Job.ID)
	assert.Equal(t, 1, a[0].Attempt)
	assert.NotEqual(t, uuid.Nil, a[0].ClaimID)

	b, err := store.Claim(ctx, "worker-b", mock.Now(), 10, nil)
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestMemoryStore_ClaimOnlyDue(t *testing.T) {
	db, store, mock := newTestStore(t)
	ctx := context.Background()
	insertJob(t, db, store, transferConfig{}, mock.Now().Add(time.Minute))

	claimed, err := store.Claim(ctx, "w", mock.Now(), 10, nil)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	next, ok, err := store.NextExecuteAt(ctx, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mock.Now().Add(time.Minute), next)

	mock.Add(time.Minute)
	claimed, err = store.Claim(ctx, "w", mock.Now(), 10, nil)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestMemoryStore_ClaimOrderAndLimit(t *testing.T) {
	db, store, mock := newTestStore(t)
	late := insertJob(t, db, store, transferConfig{}, mock.Now().Add(2*time.Second))
	early := insertJob(t, db, store, transferConfig{}, mock.Now().Add(time.Second))
	mock.Add(5 * time.Second)

	assert.Equal(t, early.ID, claimOne(t, store, "w", mock.Now()).Job.ID)
	assert.Equal(t, late.ID, claimOne(t, store, "w", mock.Now()).Job.ID)
}

func TestMemoryStore_ClaimSkipsListedJobs(t *testing.T) {
	db, store, mock := newTestStore(t)
	ctx := context.Background()
	held := insertJob(t, db, store, transferConfig{}, mock.Now())
	other := insertJob(t, db, store, transferConfig{}, mock.Now().Add(time.Second))
	mock.Add(time.Second)

	next, ok, err := store.NextExecuteAt(ctx, []uuid.UUID{held.ID})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mock.Now(), next)

	claimed, err := store.Claim(ctx, "w", mock.Now(), 10, []uuid.UUID{held.ID})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, other.ID, claimed[0].Job.ID)

	_, ok, err = store.NextExecuteAt(ctx, []uuid.UUID{held.ID})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_LeaseExpiryAndFencing(t *testing.T) {
	db, store, mock := newTestStore(t)
	ctx := context.Background()
	job := insertJob(t, db, store, transferConfig{}, mock.Now())

	a := claimOne(t, store, "worker-a", mock.Now())

	mock.Add(30 * time.Second)
	n, err := store.KeepAlive(ctx, []uuid.UUID{a.ClaimID}, mock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	mock.Add(45 * time.Second)
	n, err = store.RecoverLost(ctx, mock.Now().Add(-time.Minute), mock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "heartbeat is fresh")

	mock.Add(time.Minute)
	n, err = store.RecoverLost(ctx, mock.Now().Add(-time.Minute), mock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	b := claimOne(t, store, "worker-b", mock.Now())
	assert.Equal(t, 2, b.Attempt, "the lost attempt counts")

	n, err = store.KeepAlive(ctx, []uuid.UUID{a.ClaimID}, mock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "a recovered claim is not kept alive")

	err = dbop.Run(ctx, db, func(op dbop.Op) error {
		return store.Complete(ctx, op, job.ID, a.ClaimID, AttemptResult{Attempt: 1})
	})
	assert.True(t, errors.Is(err, apperrors.ErrJobLost))

	err = dbop.Run(ctx, db, func(op dbop.Op) error {
		return store.UpdateExecutionState(ctx, op, job.ID, a.ClaimID, json.RawMessage(`{"x":1}`))
	})
	assert.True(t, errors.Is(err, apperrors.ErrJobLost))

	require.NoError(t, dbop.Run(ctx, db, func(op dbop.Op) error {
		return store.Complete(ctx, op, job.ID, b.ClaimID, AttemptResult{Attempt: 2})
	}))
	done, err := store.Find(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.State)
	assert.Equal(t, 2, done.Attempt)
}

func TestMemoryStore_ReclaimBySameOwnerFencesOldClaim(t *testing.T) {
	db, store, mock := newTestStore(t)
	ctx := context.Background()
	job := insertJob(t, db, store, transferConfig{}, mock.Now())

	stale := claimOne(t, store, "w", mock.Now())
	mock.Add(2 * time.Minute)
	n, err := store.RecoverLost(ctx, mock.Now().Add(-time.Minute), mock.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	fresh := claimOne(t, store, "w", mock.Now())
	assert.NotEqual(t, stale.ClaimID, fresh.ClaimID)

	for name, write := range map[string]func(op dbop.Op) error{
		"complete": func(op dbop.Op) error {
			return store.Complete(ctx, op, job.ID, stale.ClaimID, AttemptResult{Attempt: 1})
		},
		"fail": func(op dbop.Op) error {
			return store.Fail(ctx, op, job.ID, stale.ClaimID, AttemptResult{Attempt: 1, Err: errors.New("boom")})
		},
		"reschedule": func(op dbop.Op) error {
			return store.Reschedule(ctx, op, job.ID, stale.ClaimID, mock.Now(), AttemptResult{Attempt: 1})
		},
		"state": func(op dbop.Op) error {
			return store.UpdateExecutionState(ctx, op, job.ID, stale.ClaimID, json.RawMessage(`{"x":1}`))
		},
	} {
		err := dbop.Run(ctx, db, write)
		assert.True(t, errors.Is(err, apperrors.ErrJobLost), name)
	}

	require.NoError(t, dbop.Run(ctx, db, func(op dbop.Op) error {
		return store.Complete(ctx, op, job.ID, fresh.ClaimID, AttemptResult{Attempt: 2})
	}))
}

func TestMemoryStore_ReleaseKeepsAttempt(t *testing.T) {
	db, store, mock := newTestStore(t)
	ctx := context.Background()
	job := insertJob(t, db, store, transferConfig{}, mock.Now())

	claimOne(t, store, "w", mock.Now())
	n, err := store.Release(ctx, "w", mock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	again := claimOne(t, store, "w2", mock.Now())
	assert.Equal(t, job.ID, again.Job.ID)
	assert.Equal(t, 1, again.Attempt)
}

func TestMemoryStore_RescheduleAttemptCounting(t *testing.T) {
	db, store, mock := newTestStore(t)
	ctx := context.Background()
	job := insertJob(t, db, store, transferConfig{}, mock.Now())

	reschedule := func(res AttemptResult) int {
		t.Helper()
		c := claimOne(t, store, "w", mock.Now())
		require.NoError(t, dbop.Run(ctx, db, func(op dbop.Op) error {
			return store.Reschedule(ctx, op, job.ID, c.ClaimID, mock.Now(), res)
		}))
		claimed := claimOne(t, store, "w", mock.Now())
		_, err := store.Release(ctx, "w", mock.Now())
		require.NoError(t, err)
		return claimed.Attempt
	}

	assert.Equal(t, 2, reschedule(AttemptResult{Attempt: 1, Err: errors.New("boom")}))
	stored, err := store.Find(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "boom", stored.LastError)

	assert.Equal(t, 1, reschedule(AttemptResult{Attempt: 2}))
	stored, err = store.Find(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.LastError)
}

func TestMemoryStore_ListAndRetention(t *testing.T) {
	db, store, mock := newTestStore(t)
	ctx := context.Background()
	old := insertJob(t, db, store, transferConfig{}, mock.Now())
	c := claimOne(t, store, "w", mock.Now())
	require.NoError(t, dbop.Run(ctx, db, func(op dbop.Op) error {
		return store.Complete(ctx, op, old.ID, c.ClaimID, AttemptResult{Attempt: 1})
	}))

	mock.Add(48 * time.Hour)
	recent := insertJob(t, db, store, transferConfig{}, mock.Now())

	completed, err := store.List(ctx, StateCompleted, 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, old.ID, completed[0].ID)

	var deleted int64
	require.NoError(t, dbop.Run(ctx, db, func(op dbop.Op) (err error) {
		deleted, err = store.DeleteCompletedBefore(ctx, op, mock.Now().Add(-24*time.Hour))
		return err
	}))
	assert.Equal(t, int64(1), deleted)

	_, err = store.Find(ctx, old.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = store.Find(ctx, recent.ID)
	assert.NoError(t, err)
}

func TestMemoryStore_UniqueKeyFreedByRetention(t *testing.T) {
	db, store, mock := newTestStore(t)
	ctx := context.Background()

	create := func() (*Job, bool) {
		var (
			stored  *Job
			created bool
		)
		require.NoError(t, dbop.Run(ctx, db, func(op dbop.Op) error {
			job, err := newJob(uuid.New(), transferConfig{}, "daily", op.Now())
			if err != nil {
				return err
			}
			stored, created, err = store.Insert(ctx, op, job, op.Now(), nil)
			return err
		}))
		return stored, created
	}

	first, created := create()
	require.True(t, created)
	c := claimOne(t, store, "w", mock.Now())
	require.NoError(t, dbop.Run(ctx, db, func(op dbop.Op) error {
		return store.Complete(ctx, op, first.ID, c.ClaimID, AttemptResult{Attempt: 1})
	}))

	_, created = create()
	assert.False(t, created, "completed jobs still hold their key")

	mock.Add(time.Hour)
	require.NoError(t, dbop.Run(ctx, db, func(op dbop.Op) error {
		_, err := store.DeleteCompletedBefore(ctx, op, mock.Now())
		return err
	}))
	_, created = create()
	assert.True(t, created)
}
