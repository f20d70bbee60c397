// Package worker runs the process's background work on bounded ants pools.
//
// The general pool carries long-lived loops (pollers, listeners, keep-alive,
// the Postgres notifier); the jobs pool carries claimed job executions and is
// sized to at least jobs.max_jobs_per_process. Nothing in the platform starts
// a bare goroutine for this work.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"corebank.io/platform/internal/pkg/logger"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// Pool names accepted by SubmitDetached and used as Metrics keys.
const (
	PoolGeneral = "general"
	PoolJobs    = "jobs"
)

// Task receives the context it was submitted with.
type Task func(ctx context.Context)

// Pool is one named ants pool.
type Pool struct {
	name string
	ants *ants.Pool
}

// PoolStats is a point-in-time view of a pool.
type PoolStats struct {
	Running int `json:"running"`
	Free    int `json:"free"`
	Cap     int `json:"cap"`
}

// Pools holds the general and jobs pools plus the service context that
// detached tasks run under.
type Pools struct {
	General *Pool
	Jobs    *Pool

	service context.Context
	stop    context.CancelFunc
}

// PoolConfig sizes the pools. ReleaseTimeout bounds Shutdown when the caller
// passes no timeout.
type PoolConfig struct {
	GeneralPoolSize int
	JobsPoolSize    int
	ReleaseTimeout  time.Duration
}

// DefaultPoolConfig returns default configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		GeneralPoolSize: 32,
		JobsPoolSize:    20,
		ReleaseTimeout:  30 * time.Second,
	}
}

func recoverPanic(p any) {
	logger.Error("Worker panic recovered", zap.Any("panic", p), zap.Stack("stack"))
}

// newPool builds a blocking pool. Idle workers are reaped after expiry.
func newPool(name string, size int, expiry time.Duration) (*Pool, error) {
	p, err := ants.NewPool(size,
		ants.WithPanicHandler(recoverPanic),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(expiry),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s pool: %w", name, err)
	}
	return &Pool{name: name, ants: p}, nil
}

// NewPools creates both pools. Detached tasks stop when ctx is cancelled or
// Shutdown is called.
func NewPools(ctx context.Context, cfg PoolConfig) (*Pools, error) {
	general, err := newPool(PoolGeneral, cfg.GeneralPoolSize, 10*time.Second)
	if err != nil {
		return nil, err
	}
	// Job executions are long and bursty; keep their workers warm longer.
	jobs, err := newPool(PoolJobs, cfg.JobsPoolSize, 30*time.Second)
	if err != nil {
		general.ants.Release()
		return nil, err
	}
	service, stop := context.WithCancel(ctx)
	return &Pools{General: general, Jobs: jobs, service: service, stop: stop}, nil
}

// Submit queues task with ctx. It fails fast on a cancelled ctx, and a task
// whose ctx is cancelled while it waits for a worker is dropped.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := p.ants.Submit(func() {
		if ctx.Err() != nil {
			logger.Debug("Task dropped before start", zap.String("pool", p.name), zap.Error(ctx.Err()))
			return
		}
		task(ctx)
	})
	if errors.Is(err, ants.ErrPoolClosed) {
		return ErrPoolClosed
	}
	return err
}

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int { return p.ants.Running() }

// Cap returns the pool capacity.
func (p *Pool) Cap() int { return p.ants.Cap() }

// Stats reports the pool's utilisation.
func (p *Pool) Stats() PoolStats {
	return PoolStats{Running: p.ants.Running(), Free: p.ants.Free(), Cap: p.ants.Cap()}
}

func (p *Pools) byName(name string) (*Pool, error) {
	switch name {
	case PoolGeneral:
		return p.General, nil
	case PoolJobs:
		return p.Jobs, nil
	}
	return nil, fmt.Errorf("unknown worker pool %q", name)
}

// SubmitDetached runs task on the named pool under the service context
// rather than a request context.
func (p *Pools) SubmitDetached(name string, task Task) error {
	pool, err := p.byName(name)
	if err != nil {
		return err
	}
	return pool.Submit(p.service, task)
}

// Shutdown cancels detached tasks and waits up to timeout per pool for
// running ones. The jobs pool drains first.
func (p *Pools) Shutdown(timeout time.Duration) {
	p.stop()
	if timeout <= 0 {
		timeout = DefaultPoolConfig().ReleaseTimeout
	}
	for _, pool := range []*Pool{p.Jobs, p.General} {
		if err := pool.ants.ReleaseTimeout(timeout); err != nil {
			logger.Warn("Worker pool did not drain", zap.String("pool", pool.name), zap.Duration("timeout", timeout), zap.Error(err))
		}
	}
}

// Metrics returns per-pool stats keyed by pool name.
func (p *Pools) Metrics() map[string]PoolStats {
	return map[string]PoolStats{
		PoolGeneral: p.General.Stats(),
		PoolJobs:    p.Jobs.Stats(),
	}
}
