package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"corebank.io/platform/internal/memdb"
	"corebank.io/platform/internal/pkg/logger"
	"corebank.io/platform/internal/pkg/worker"
)

func init() {
	_ = logger.Init("error", "json")
}

type transferConfig struct {
	Reference string `json:"reference"`
}

func (transferConfig) JobType() JobType { return "transfer" }

type statementConfig struct {
	AccountID string `json:"account_id"`
}

func (statementConfig) JobType() JobType { return "statement" }

type harness struct {
	db    *memdb.DB
	store *MemoryStore
	clock *clock.Mock
	jobs  *Jobs
}

func testConfig(mock *clock.Mock) Config {
	return Config{
		PollInterval:      time.Hour,
		MaxJobsPerProcess: 4,
		JobLostInterval:   time.Minute,
		ShutdownTimeout:   2 * time.Second,
		DefaultRetry: RetrySettings{
			MaxAttempts: 3,
			MinBackoff:  time.Second,
			MaxBackoff:  10 * time.Second,
		},
		Clock: mock,
	}
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	mock := clock.NewMock()
	db := memdb.New(mock)
	store := NewMemoryStore(db)
	return newHarnessOn(t, db, store, mock, mutate...)
}

// newHarnessOn starts a second process against the same backend.
func newHarnessOn(t *testing.T, db *memdb.DB, store *MemoryStore, mock *clock.Mock, mutate ...func(*Config)) *harness {
	t.Helper()
	pools, err := worker.NewPools(context.Background(), worker.PoolConfig{
		GeneralPoolSize: 2,
		JobsPoolSize:    8,
		ReleaseTimeout:  time.Second,
	})
	require.NoError(t, err)

	cfg := testConfig(mock)
	for _, m := range mutate {
		m(&cfg)
	}
	j := New(db, store, pools.Jobs, cfg)
	t.Cleanup(func() {
		_ = j.Shutdown(context.Background())
		pools.Shutdown(time.Second)
	})
	return &harness{db: db, store: store, clock: mock, jobs: j}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.jobs.Start(context.Background()))
}

// waitState polls until the job reaches state, advancing the mock clock by
// step on every check so backoff timers fire.
func (h *harness) waitState(t *testing.T, id uuid.UUID, state State, step time.Duration) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		if step > 0 {
			h.clock.Add(step)
		}
		j, err := h.store.Find(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.State == state
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, state)
	return job
}

type execSnapshot struct {
	state     string
	attempt   int
	claimedBy string
	execState []byte
}

func (h *harness) execution(id uuid.UUID) (execSnapshot, bool) {
	var (
		snap execSnapshot
		ok   bool
	)
	h.db.View(func() {
		e, found := h.store.execs[id]
		if !found {
			return
		}
		ok = true
		snap = execSnapshot{state: e.state, attempt: e.attempt, claimedBy: e.claimedBy, execState: e.execState}
	})
	return snap, ok
}

func mustRegister(t *testing.T, j *Jobs, init Initializer) {
	t.Helper()
	require.NoError(t, j.Register(init))
}

func runnerFor[C JobConfig](fn RunnerFunc) TypedInitializer[C] {
	return TypedInitializer[C]{New: func(*Job, C) (Runner, error) { return fn, nil }}
}
