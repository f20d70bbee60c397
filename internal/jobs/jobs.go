package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"corebank.io/platform/internal/dbop"
	"corebank.io/platform/internal/pkg/logger"
	"corebank.io/platform/internal/pkg/worker"
)

var tracer = otel.Tracer("corebank.io/platform/internal/jobs")

// spawnNamespace derives the ids of singleton jobs from their type.
var spawnNamespace = uuid.MustParse("5b0c2a4e-8f43-4f0e-9d7a-3c1f6e2b9a10")

// Config configures the orchestrator.
type Config struct {
	// PollInterval bounds how long the poller sleeps without a wake-up.
	PollInterval time.Duration
	// MaxJobsPerProcess is the number of executions run at once.
	MaxJobsPerProcess int
	// MinJobsPerProcess: the poller only claims while fewer executions than
	// this are running.
	MinJobsPerProcess int
	// JobLostInterval is how old a heartbeat may get before the execution
	// is handed to another worker.
	JobLostInterval time.Duration
	// ShutdownTimeout is how long Shutdown waits for runners, in wall time.
	ShutdownTimeout time.Duration
	// DefaultRetry applies to job types without their own settings.
	DefaultRetry RetrySettings
	Clock        clock.Clock
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:      5 * time.Second,
		MaxJobsPerProcess: 20,
		MinJobsPerProcess: 10,
		JobLostInterval:   time.Minute,
		ShutdownTimeout:   5 * time.Second,
		DefaultRetry:      DefaultRetrySettings(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxJobsPerProcess <= 0 {
		c.MaxJobsPerProcess = d.MaxJobsPerProcess
	}
	if c.MinJobsPerProcess <= 0 || c.MinJobsPerProcess > c.MaxJobsPerProcess {
		c.MinJobsPerProcess = c.MaxJobsPerProcess
	}
	if c.JobLostInterval <= 0 {
		c.JobLostInterval = d.JobLostInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.DefaultRetry == (RetrySettings{}) {
		c.DefaultRetry = d.DefaultRetry
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// FatalHook runs inside the op that marks a job errored.
type FatalHook func(ctx context.Context, op dbop.Op, job *Job, cause error) error

// Jobs is the orchestrator handle.
type Jobs struct {
	cfg      Config
	db       dbop.Beginner
	store    Store
	registry *Registry
	pool     *worker.Pool
	clock    clock.Clock
	owner    string
	log      *zap.Logger

	wake     chan struct{}
	shutdown chan struct{}

	running  atomic.Int64
	inflight sync.WaitGroup
	heldMu   sync.Mutex
	held     map[uuid.UUID]uuid.UUID

	hooksMu    sync.RWMutex
	fatalHooks []FatalHook

	lifecycleMu   sync.Mutex
	started       bool
	stopped       bool
	runCtx        context.Context
	cancelRun     context.CancelFunc
	stopPolling   context.CancelFunc
	stopKeepAlive context.CancelFunc
	pollers       *errgroup.Group
	keepAlive     *errgroup.Group
}

// New creates the orchestrator. Executions run on pool.
func New(db dbop.Beginner, store Store, pool *worker.Pool, cfg Config) *Jobs {
	cfg = cfg.withDefaults()
	owner := uuid.NewString()
	return &Jobs{
		cfg:      cfg,
		db:       db,
		store:    store,
		registry: NewRegistry(cfg.DefaultRetry),
		pool:     pool,
		clock:    cfg.Clock,
		owner:    owner,
		log:      logger.Named("jobs").With(zap.String("owner", owner)),
		wake:     make(chan struct{}, 1),
		shutdown: make(chan struct{}),
		held:     make(map[uuid.UUID]uuid.UUID),
	}
}

// Owner is the id this process claims executions under.
func (j *Jobs) Owner() string { return j.owner }

// Registry returns the job type registry.
func (j *Jobs) Registry() *Registry { return j.registry }

// Register adds a job type.
func (j *Jobs) Register(init Initializer) error {
	return j.registry.Register(init)
}

// OnFatal registers a hook run when a job is marked errored.
func (j *Jobs) OnFatal(h FatalHook) {
	j.hooksMu.Lock()
	j.fatalHooks = append(j.fatalHooks, h)
	j.hooksMu.Unlock()
}

// Notify wakes the poller. Postgres notifications on the job_executions
// channel call it for executions made pending by other processes.
func (j *Jobs) Notify() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

// Create schedules a job in its own op.
func (j *Jobs) Create(ctx context.Context, id uuid.UUID, cfg JobConfig, opts ...CreateOption) (*Job, bool, error) {
	var (
		job      *Job
		existing bool
	)
	err := dbop.Run(ctx, j.db, func(op dbop.Op) error {
		var err error
		job, existing, err = j.CreateInOp(ctx, op, id, cfg, opts...)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return job, existing, nil
}

// CreateInOp schedules a job as part of op, so the job exists if and only if
// op commits. When the id or unique key is taken, it returns the existing
// job and true.
func (j *Jobs) CreateInOp(ctx context.Context, op dbop.Op, id uuid.UUID, cfg JobConfig, opts ...CreateOption) (*Job, bool, error) {
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}

	job, err := newJob(id, cfg, o.uniqueKey, op.Now())
	if err != nil {
		return nil, false, err
	}

	executeAt := op.Now()
	switch {
	case !o.scheduleAt.IsZero():
		executeAt = dbop.Timestamp(o.scheduleAt)
	case o.scheduleIn > 0:
		executeAt = executeAt.Add(o.scheduleIn)
	}

	var state json.RawMessage
	if o.initialState != nil {
		if state, err = json.Marshal(o.initialState); err != nil {
			return nil, false, fmt.Errorf("encode initial state of job %s: %w", id, err)
		}
	}

	stored, created, err := j.store.Insert(ctx, op, job, executeAt, state)
	if err != nil {
		return nil, false, err
	}
	if created {
		op.AfterCommit(j.Notify)
	}
	return stored, !created, nil
}

// CreateAndSpawnUnique makes sure a single job of cfg's type exists. Its id
// is derived from the type, so every process starting up agrees on it.
func (j *Jobs) CreateAndSpawnUnique(ctx context.Context, cfg JobConfig, opts ...CreateOption) (*Job, error) {
	id := uuid.NewSHA1(spawnNamespace, []byte(cfg.JobType()))
	opts = append(opts, WithUniqueKey(string(cfg.JobType())))
	job, existing, err := j.Create(ctx, id, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("spawn %s job: %w", cfg.JobType(), err)
	}
	if !existing {
		j.log.Info("Singleton job spawned", zap.String("job_type", string(job.Type)), zap.Stringer("job_id", job.ID))
	}
	return job, nil
}

// Find returns a job by id.
func (j *Jobs) Find(ctx context.Context, id uuid.UUID) (*Job, error) {
	return j.store.Find(ctx, id)
}

// List returns up to limit jobs in state, newest first.
func (j *Jobs) List(ctx context.Context, state State, limit int) ([]*Job, error) {
	return j.store.List(ctx, state, limit)
}

// Running returns the number of executions in flight in this process.
func (j *Jobs) Running() int { return int(j.running.Load()) }

// Start launches the poller, heartbeat and lost-job sweeper. It returns at
// once; call Shutdown to stop.
func (j *Jobs) Start(ctx context.Context) error {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()
	if j.started {
		return errors.New("jobs: already started")
	}
	j.started = true

	j.runCtx, j.cancelRun = context.WithCancel(context.WithoutCancel(ctx))

	pollCtx, stopPolling := context.WithCancel(ctx)
	j.stopPolling = stopPolling
	j.pollers, pollCtx = errgroup.WithContext(pollCtx)
	j.pollers.Go(func() error { return j.pollLoop(pollCtx) })
	j.pollers.Go(func() error { return j.sweepLoop(pollCtx) })

	aliveCtx, stopKeepAlive := context.WithCancel(context.WithoutCancel(ctx))
	j.stopKeepAlive = stopKeepAlive
	j.keepAlive, aliveCtx = errgroup.WithContext(aliveCtx)
	j.keepAlive.Go(func() error { return j.keepAliveLoop(aliveCtx) })

	j.log.Info("Job orchestrator started",
		zap.Int("max_jobs", j.cfg.MaxJobsPerProcess),
		zap.Duration("poll_interval", j.cfg.PollInterval),
		zap.Strings("job_types", typeNames(j.registry.Types())),
	)
	return nil
}

// Shutdown signals runners, stops claiming, waits up to ShutdownTimeout for
// running executions and hands whatever is still held back to the queue.
func (j *Jobs) Shutdown(ctx context.Context) error {
	j.lifecycleMu.Lock()
	if !j.started || j.stopped {
		j.lifecycleMu.Unlock()
		return nil
	}
	j.stopped = true
	j.lifecycleMu.Unlock()

	close(j.shutdown)
	j.stopPolling()
	pollErr := j.pollers.Wait()

	done := make(chan struct{})
	go func() {
		j.inflight.Wait()
		close(done)
	}()
	timer := time.NewTimer(j.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		j.log.Warn("Shutdown timeout reached, cancelling running jobs", zap.Int("running", j.Running()))
	case <-ctx.Done():
	}
	j.cancelRun()

	released, err := j.store.Release(context.WithoutCancel(ctx), j.owner, dbop.Timestamp(j.clock.Now()))
	if err != nil {
		j.log.Error("Release held jobs failed", zap.Error(err))
	} else if released > 0 {
		j.log.Info("Released held jobs", zap.Int64("count", released))
	}

	j.stopKeepAlive()
	_ = j.keepAlive.Wait()
	j.log.Info("Job orchestrator stopped")
	return errors.Join(pollErr, err)
}

// hold records the claim of a dispatched execution until its runner
// returns, keyed by job id.
func (j *Jobs) hold(c ClaimedJob) {
	j.heldMu.Lock()
	j.held[c.Job.ID] = c.ClaimID
	j.heldMu.Unlock()
}

func (j *Jobs) unhold(id uuid.UUID) {
	j.heldMu.Lock()
	delete(j.held, id)
	j.heldMu.Unlock()
}

// heldJobs returns the ids of jobs whose runners have not returned yet.
// They stay off limits to this process even when their claim was recovered.
func (j *Jobs) heldJobs() []uuid.UUID {
	j.heldMu.Lock()
	defer j.heldMu.Unlock()
	return slices.Collect(maps.Keys(j.held))
}

func (j *Jobs) heldClaims() []uuid.UUID {
	j.heldMu.Lock()
	defer j.heldMu.Unlock()
	return slices.Collect(maps.Values(j.held))
}

func typeNames(types []JobType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
