package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corebank.io/platform/internal/dbop"
	"corebank.io/platform/internal/outbox"
	"corebank.io/platform/internal/pkg/tagged"
)

type ledgerEvent interface {
	outbox.Event
	isLedgerEvent()
}

type postingRecorded struct {
	N int `json:"n"`
}

func (*postingRecorded) EventType() string { return "posting_recorded" }
func (*postingRecorded) isLedgerEvent()    {}

type reactiveConfig struct{}

func (reactiveConfig) JobType() JobType { return "posting-projector" }

func newLedgerOutbox(h *harness) *outbox.Outbox[ledgerEvent] {
	cfg := outbox.DefaultConfig()
	cfg.PollInterval = time.Hour
	codec := tagged.NewCodec[ledgerEvent]((*postingRecorded)(nil))
	return outbox.New[ledgerEvent](h.db, outbox.NewMemoryStore(h.db), codec, cfg)
}

// projector records the sequences whose op committed.
type projector struct {
	mu      sync.Mutex
	applied []int64
	failOn  map[int64]int
}

func (p *projector) handle(_ context.Context, op dbop.Op, msg outbox.PersistedMessage[ledgerEvent]) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn[msg.Sequence] > 0 {
		p.failOn[msg.Sequence]--
		return errors.New("projection store unavailable")
	}
	op.AfterCommit(func() {
		p.mu.Lock()
		p.applied = append(p.applied, msg.Sequence)
		p.mu.Unlock()
	})
	return nil
}

func (p *projector) snapshot() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.applied...)
}

func (p *projector) initializer(ob *outbox.Outbox[ledgerEvent]) Initializer {
	settings := RepeatIndefinitely()
	settings.MinBackoff = time.Second
	settings.MaxBackoff = time.Second
	return WithRetry(runnerFor[reactiveConfig](func(ctx context.Context, current *CurrentJob) (Completion, error) {
		return DrainOutbox(ctx, current, ob, p.handle)
	}), settings)
}

func checkpointOf(t *testing.T, h *harness, id uuid.UUID) int64 {
	t.Helper()
	exec, ok := h.execution(id)
	if !ok || len(exec.execState) == 0 {
		return 0
	}
	var cp OutboxCheckpoint
	require.NoError(t, json.Unmarshal(exec.execState, &cp))
	return cp.Sequence
}

func publishPostings(t *testing.T, ob *outbox.Outbox[ledgerEvent], from, to int) {
	t.Helper()
	for n := from; n <= to; n++ {
		require.NoError(t, ob.Publish(context.Background(), &postingRecorded{N: n}))
	}
}

func TestDrainOutbox_ResumesFromCheckpointAfterRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ob := newLedgerOutbox(h)
	p := &projector{}

	mustRegister(t, h.jobs, p.initializer(ob))
	publishPostings(t, ob, 1, 3)
	job, _, err := h.jobs.Create(ctx, uuid.New(), reactiveConfig{})
	require.NoError(t, err)
	h.start(t)

	require.Eventually(t, func() bool { return len(p.snapshot()) == 3 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return checkpointOf(t, h, job.ID) == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.jobs.Shutdown(ctx))
	stored, err := h.jobs.Find(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, stored.State, "listener reschedules itself on shutdown")

	restarted := newHarnessOn(t, h.db, h.store, h.clock)
	mustRegister(t, restarted.jobs, p.initializer(ob))
	restarted.start(t)
	publishPostings(t, ob, 4, 5)

	require.Eventually(t, func() bool { return len(p.snapshot()) == 5 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, p.snapshot())
}

func TestDrainOutbox_FailedMessageIsRetriedFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ob := newLedgerOutbox(h)
	p := &projector{failOn: map[int64]int{2: 2}}

	mustRegister(t, h.jobs, p.initializer(ob))
	publishPostings(t, ob, 1, 3)
	job, _, err := h.jobs.Create(ctx, uuid.New(), reactiveConfig{})
	require.NoError(t, err)
	h.start(t)

	require.Eventually(t, func() bool {
		h.clock.Add(time.Second)
		return len(p.snapshot()) == 3
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3}, p.snapshot(), "each effect commits exactly once")

	stored, err := h.jobs.Find(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, stored.State)
}

func TestOutboxTailLogger_SpawnStartsAtTail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ob := newLedgerOutbox(h)
	publishPostings(t, ob, 1, 4)

	tail := NewOutboxTailLogger(ob)
	assert.True(t, tail.RetrySettings().Indefinite())
	mustRegister(t, h.jobs, tail)

	job, err := tail.Spawn(ctx, h.jobs)
	require.NoError(t, err)
	assert.Equal(t, int64(4), checkpointOf(t, h, job.ID))

	again, err := tail.Spawn(ctx, h.jobs)
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)

	h.start(t)
	publishPostings(t, ob, 5, 6)
	require.Eventually(t, func() bool { return checkpointOf(t, h, job.ID) == 6 }, 5*time.Second, 5*time.Millisecond)
}
