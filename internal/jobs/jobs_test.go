package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corebank.io/platform/internal/dbop"
	apperrors "corebank.io/platform/internal/pkg/errors"
)

func TestCreate_UniqueKeyIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, existing, err := h.jobs.Create(ctx, uuid.New(), transferConfig{Reference: "a"}, WithUniqueKey("k1"))
	require.NoError(t, err)
	assert.False(t, existing)

	second, existing, err := h.jobs.Create(ctx, uuid.New(), transferConfig{Reference: "b"}, WithUniqueKey("k1"))
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, first.ID, second.ID)

	var cfg transferConfig
	require.NoError(t, second.Config(&cfg))
	assert.Equal(t, "a", cfg.Reference, "config is write-once")

	active, err := h.jobs.List(ctx, StateActive, 10)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestCreate_UniqueKeyScopedByJobType(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, existing, err := h.jobs.Create(ctx, uuid.New(), transferConfig{}, WithUniqueKey("k1"))
	require.NoError(t, err)
	require.False(t, existing)
	_, existing, err = h.jobs.Create(ctx, uuid.New(), statementConfig{}, WithUniqueKey("k1"))
	require.NoError(t, err)
	assert.False(t, existing)
}

func TestCreate_ConcurrentUniqueKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const callers = 16
	var (
		wg      sync.WaitGroup
		created atomic.Int32
		ids     sync.Map
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, existing, err := h.jobs.Create(ctx, uuid.New(), transferConfig{}, WithUniqueKey("settle-2026-10-18"))
			if !assert.NoError(t, err) {
				return
			}
			if !existing {
				created.Add(1)
			}
			ids.Store(job.ID, true)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	n := 0
	ids.Range(func(any, any) bool { n++; return true })
	assert.Equal(t, 1, n, "every caller sees the same job")
}

func TestCreate_SameIDReturnsExisting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := uuid.New()

	_, _, err := h.jobs.Create(ctx, id, transferConfig{Reference: "a"})
	require.NoError(t, err)
	job, existing, err := h.jobs.Create(ctx, id, transferConfig{Reference: "b"})
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, id, job.ID)
}

func TestCreateInOp_RolledBackOpLeavesNoJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := uuid.New()

	op, err := h.db.Begin(ctx)
	require.NoError(t, err)
	_, _, err = h.jobs.CreateInOp(ctx, op, id, transferConfig{})
	require.NoError(t, err)
	require.NoError(t, op.Rollback(ctx))

	_, err = h.jobs.Find(ctx, id)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCreateAndSpawnUnique(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.jobs.CreateAndSpawnUnique(ctx, RetentionCleanupConfig{})
	require.NoError(t, err)
	b, err := h.jobs.CreateAndSpawnUnique(ctx, RetentionCleanupConfig{})
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	other := newHarness(t)
	c, err := other.jobs.CreateAndSpawnUnique(ctx, RetentionCleanupConfig{})
	require.NoError(t, err)
	assert.Equal(t, a.ID, c.ID, "ids are derived from the job type")
}

func TestRun_Complete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var seen atomic.Value
	mustRegister(t, h.jobs, TypedInitializer[transferConfig]{
		New: func(_ *Job, cfg transferConfig) (Runner, error) {
			return RunnerFunc(func(context.Context, *CurrentJob) (Completion, error) {
				seen.Store(cfg.Reference)
				return Complete(), nil
			}), nil
		},
	})
	h.start(t)

	job, _, err := h.jobs.Create(ctx, uuid.New(), transferConfig{Reference: "tx-1"})
	require.NoError(t, err)

	done := h.waitState(t, job.ID, StateCompleted, 0)
	assert.Equal(t, "tx-1", seen.Load())
	assert.Equal(t, 1, done.Attempt)
	assert.NotNil(t, done.CompletedAt)
	_, live := h.execution(job.ID)
	assert.False(t, live, "execution row is removed on completion")
}

func TestRun_ScheduledJobWaitsUntilDue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var runs atomic.Int32
	mustRegister(t, h.jobs, runnerFor[transferConfig](func(context.Context, *CurrentJob) (Completion, error) {
		runs.Add(1)
		return Complete(), nil
	}))
	h.start(t)

	job, _, err := h.jobs.Create(ctx, uuid.New(), transferConfig{}, WithScheduleIn(time.Minute))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())

	h.waitState(t, job.ID, StateCompleted, 10*time.Second)
	assert.Equal(t, int32(1), runs.Load())
}

func TestRun_RetriesExactlyMaxAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var attempts atomic.Int32
	mustRegister(t, h.jobs, runnerFor[transferConfig](func(_ context.Context, current *CurrentJob) (Completion, error) {
		n := attempts.Add(1)
		assert.Equal(t, int(n), current.Attempt())
		return Completion{}, errors.New("ledger unavailable")
	}))
	h.start(t)

	job, _, err := h.jobs.Create(ctx, uuid.New(), transferConfig{})
	require.NoError(t, err)

	failed := h.waitState(t, job.ID, StateErrored, time.Second)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 3, failed.Attempt)
	assert.Contains(t, failed.LastError, "ledger unavailable")

	time.Sleep(20 * time.Millisecond)
	h.clock.Add(time.Minute)
	assert.Equal(t, int32(3), attempts.Load(), "errored jobs never run again")
}

func TestRun_RepeatIndefinitelyNeverGoesFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	settings := RepeatIndefinitely()
	settings.MinBackoff = time.Second
	settings.MaxBackoff = 2 * time.Second

	var attempts atomic.Int32
	mustRegister(t, h.jobs, WithRetry(runnerFor[transferConfig](func(context.Context, *CurrentJob) (Completion, error) {
		if attempts.Add(1) <= 8 {
			return Completion{}, errors.New("not yet")
		}
		return Complete(), nil
	}), settings))
	h.start(t)

	job, _, err := h.jobs.Create(ctx, uuid.New(), transferConfig{})
	require.NoError(t, err)

	done := h.waitState(t, job.ID, StateCompleted, time.Second)
	assert.Equal(t, int32(9), attempts.Load())
	assert.Equal(t, 9, done.Attempt)
}

func TestRun_FatalErrorSkipsRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var hooked atomic.Value
	h.jobs.OnFatal(func(_ context.Context, op dbop.Op, job *Job, cause error) error {
		assert.NotNil(t, op)
		hooked.Store(job.ID)
		return nil
	})

	var attempts atomic.Int32
	mustRegister(t, h.jobs, runnerFor[transferConfig](func(context.Context, *CurrentJob) (Completion, error) {
		attempts.Add(1)
		return Completion{}, Fatal(errors.New("account closed"))
	}))
	h.start(t)

	job, _, err := h.jobs.Create(ctx, uuid.New(), transferConfig{})
	require.NoError(t, err)

	failed := h.waitState(t, job.ID, StateErrored, 0)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Contains(t, failed.LastError, "account closed")
	assert.Equal(t, job.ID, hooked.Load())
}

func TestRun_PanicIsAFailedAttempt(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DefaultRetry.MaxAttempts = 1 })
	ctx := context.Background()

	mustRegister(t, h.jobs, runnerFor[transferConfig](func(context.Context, *CurrentJob) (Completion, error) {
		panic("nil ledger")
	}))
	h.start(t)

	job, _, err := h.jobs.Create(ctx, uuid.New(), transferConfig{})
	require.NoError(t, err)

	failed := h.waitState(t, job.ID, StateErrored, 0)
	assert.Contains(t, failed.LastError, "job panicked: nil ledger")
	assert.Equal(t, 0, h.jobs.Running())
}

func TestRun_UnknownJobTypeFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t)

	job, _, err := h.jobs.Create(ctx, uuid.New(), statementConfig{})
	require.NoError(t, err)

	failed := h.waitState(t, job.ID, StateErrored, 0)
	assert.Contains(t, failed.LastError, apperrors.CodeJobTypeUnknown)
}

func TestRun_RescheduleWithOpCommitsStateTogether(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	type progress struct {
		Step int `json:"step"`
	}
	var steps []int
	var mu sync.Mutex
	mustRegister(t, h.jobs, runnerFor[transferConfig](func(ctx context.Context, current *CurrentJob) (Completion, error) {
		var p progress
		if _, err := current.ExecutionState(&p); err != nil {
			return Completion{}, err
		}
		mu.Lock()
		steps = append(steps, p.Step)
		mu.Unlock()
		if p.Step == 2 {
			return Complete(), nil
		}

		op, err := current.Begin(ctx)
		if err != nil {
			return Completion{}, err
		}
		if err := current.UpdateExecutionStateInOp(ctx, op, progress{Step: p.Step + 1}); err != nil {
			_ = op.Rollback(ctx)
			return Completion{}, err
		}
		return RescheduleInWithOp(op, 10*time.Second), nil
	}))
	h.start(t)

	job, _, err := h.jobs.Create(ctx, uuid.New(), transferConfig{}, WithInitialState(progress{Step: 0}))
	require.NoError(t, err)

	h.waitState(t, job.ID, StateCompleted, 5*time.Second)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, steps)
}

func TestRun_RescheduleResetsAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var calls atomic.Int32
	var attempts []int
	var mu sync.Mutex
	mustRegister(t, h.jobs, runnerFor[transferConfig](func(_ context.Context, current *CurrentJob) (Completion, error) {
		mu.Lock()
		attempts = append(attempts, current.Attempt())
		mu.Unlock()
		switch calls.Add(1) {
		case 1:
			return Completion{}, errors.New("transient")
		case 2:
			return RescheduleNow(), nil
		default:
			return Complete(), nil
		}
	}))
	h.start(t)

	job, _, err := h.jobs.Create(ctx, uuid.New(), transferConfig{})
	require.NoError(t, err)

	h.waitState(t, job.ID, StateCompleted, time.Second)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 1}, attempts)
}

func TestRun_RespectsMaxJobsPerProcess(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxJobsPerProcess = 2 })
	ctx := context.Background()

	release := make(chan struct{})
	var (
		current atomic.Int32
		peak    atomic.Int32
	)
	mustRegister(t, h.jobs, runnerFor[transferConfig](func(context.Context, *CurrentJob) (Completion, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		current.Add(-1)
		return Complete(), nil
	}))
	h.start(t)

	ids := make([]uuid.UUID, 5)
	for i := range ids {
		job, _, err := h.jobs.Create(ctx, uuid.New(), transferConfig{})
		require.NoError(t, err)
		ids[i] = job.ID
	}

	require.Eventually(t, func() bool { return h.jobs.Running() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	for _, id := range ids {
		h.waitState(t, id, StateCompleted, 0)
	}
	assert.Equal(t, int32(2), peak.Load())
}

func TestLostJob_ExhaustedAttemptFailsWithoutRunning(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DefaultRetry.MaxAttempts = 1 })
	ctx := context.Background()

	var runs atomic.Int32
	mustRegister(t, h.jobs, runnerFor[transferConfig](func(context.Context, *CurrentJob) (Completion, error) {
		runs.Add(1)
		return Complete(), nil
	}))

	job, _, err := h.jobs.Create(ctx, uuid.New(), transferConfig{})
	require.NoError(t, err)

	// a worker that died mid-attempt
	claimed, err := h.store.Claim(ctx, "crashed-worker", h.clock.Now(), 1, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	h.clock.Add(2 * time.Minute)
	n, err := h.store.RecoverLost(ctx, h.clock.Now().Add(-time.Minute), h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	h.start(t)
	failed := h.waitState(t, job.ID, StateErrored, 0)
	assert.Equal(t, int32(0), runs.Load())
	assert.Contains(t, failed.LastError, apperrors.CodeJobRetryExhausted)
	assert.Equal(t, 2, failed.Attempt)
}

func TestLostJob_RecoveredWhileRunnerAliveIsNotRunTwice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var (
		current  atomic.Int32
		peak     atomic.Int32
		attempts sync.Map
	)
	mustRegister(t, h.jobs, runnerFor[transferConfig](func(_ context.Context, cj *CurrentJob) (Completion, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		attempts.Store(cj.Attempt(), true)
		started <- struct{}{}
		<-release
		return Complete(), nil
	}))
	h.start(t)

	job, _, err := h.jobs.Create(ctx, uuid.New(), transferConfig{})
	require.NoError(t, err)
	<-started

	// the sweep of another process decides this runner is gone
	n, err := h.store.RecoverLost(ctx, h.clock.Now().Add(time.Hour), h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	h.jobs.Notify()

	assert.Never(t, func() bool { return len(started) > 0 }, 100*time.Millisecond, 5*time.Millisecond,
		"a job still held by a live runner was dispatched again")

	close(release)
	done := h.waitState(t, job.ID, StateCompleted, 0)
	<-started
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, 2, done.Attempt, "the stale completion was fenced out")
	_, ranSecond := attempts.Load(2)
	assert.True(t, ranSecond)
}

func TestShutdown_RunnerReschedulesNow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	started := make(chan struct{})
	mustRegister(t, h.jobs, runnerFor[transferConfig](func(_ context.Context, current *CurrentJob) (Completion, error) {
		close(started)
		<-current.ShutdownRequested()
		return RescheduleNow(), nil
	}))
	h.start(t)

	job, _, err := h.jobs.Create(ctx, uuid.New(), transferConfig{})
	require.NoError(t, err)
	<-started

	require.NoError(t, h.jobs.Shutdown(ctx))

	exec, ok := h.execution(job.ID)
	require.True(t, ok)
	assert.Equal(t, execPending, exec.state)
	assert.Equal(t, 1, exec.attempt)
	stored, err := h.jobs.Find(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, stored.State)
}

func TestShutdown_TimeoutReleasesLeases(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ShutdownTimeout = 50 * time.Millisecond })
	ctx := context.Background()

	started := make(chan struct{})
	mustRegister(t, h.jobs, runnerFor[transferConfig](func(ctx context.Context, _ *CurrentJob) (Completion, error) {
		close(started)
		<-ctx.Done()
		return Completion{}, ctx.Err()
	}))
	h.start(t)

	job, _, err := h.jobs.Create(ctx, uuid.New(), transferConfig{})
	require.NoError(t, err)
	<-started

	require.NoError(t, h.jobs.Shutdown(ctx))

	require.Eventually(t, func() bool { return h.jobs.Running() == 0 }, time.Second, 5*time.Millisecond)
	exec, ok := h.execution(job.ID)
	require.True(t, ok)
	assert.Equal(t, execPending, exec.state)
	assert.Empty(t, exec.claimedBy)
	assert.Equal(t, 1, exec.attempt, "an interrupted attempt is not counted")
}

func TestStart_Twice(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	assert.Error(t, h.jobs.Start(context.Background()))
}
