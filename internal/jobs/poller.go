package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"corebank.io/platform/internal/dbop"
)

const (
	pollFailureBase = 50 * time.Millisecond
	// busyRetryWait is used when due executions exist that another process
	// is claiming right now.
	busyRetryWait = 50 * time.Millisecond
)

func (j *Jobs) pollLoop(ctx context.Context) error {
	failures := 0
	for {
		wait, err := j.poll(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			failures++
			wait = min(pollFailureBase<<min(failures, 10), j.cfg.PollInterval)
			j.log.Warn("Job poll failed", zap.Error(err), zap.Int("failures", failures), zap.Duration("retry_in", wait))
		} else {
			failures = 0
		}
		if wait <= 0 {
			continue
		}

		timer := j.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-j.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// poll claims as many due executions as there are free slots and returns how
// long to wait before polling again.
func (j *Jobs) poll(ctx context.Context) (time.Duration, error) {
	running := j.Running()
	if running >= j.cfg.MinJobsPerProcess {
		return j.cfg.PollInterval, nil
	}
	free := j.cfg.MaxJobsPerProcess - running

	ctx, span := tracer.Start(ctx, "jobs.poll")
	defer span.End()

	now := dbop.Timestamp(j.clock.Now())
	skip := j.heldJobs()
	claimed, err := j.store.Claim(ctx, j.owner, now, free, skip)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	for _, c := range claimed {
		j.dispatch(c)
	}
	if len(claimed) == free {
		return 0, nil
	}

	next, ok, err := j.store.NextExecuteAt(ctx, skip)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if !ok {
		return j.cfg.PollInterval, nil
	}
	wait := next.Sub(now)
	if wait <= 0 {
		return busyRetryWait, nil
	}
	return min(wait, j.cfg.PollInterval), nil
}

// dispatch hands a claimed execution to the jobs pool. Executions are
// submitted without the poll context so shutdown cannot drop one that was
// already counted.
func (j *Jobs) dispatch(c ClaimedJob) {
	j.running.Add(1)
	j.inflight.Add(1)
	j.hold(c)

	err := j.pool.Submit(context.Background(), func(context.Context) {
		j.execute(c)
	})
	if err != nil {
		j.log.Error("Submit job execution failed",
			zap.Stringer("job_id", c.Job.ID),
			zap.String("job_type", string(c.Job.Type)),
			zap.Error(err),
		)
		j.finished(c.Job.ID)
	}
}

// finished releases the slot of an execution and wakes the poller.
func (j *Jobs) finished(id uuid.UUID) {
	j.unhold(id)
	j.running.Add(-1)
	j.inflight.Done()
	j.Notify()
}

func (j *Jobs) keepAliveLoop(ctx context.Context) error {
	ticker := j.clock.Ticker(j.cfg.JobLostInterval / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		claims := j.heldClaims()
		if len(claims) == 0 {
			continue
		}
		if _, err := j.store.KeepAlive(ctx, claims, dbop.Timestamp(j.clock.Now())); err != nil && ctx.Err() == nil {
			j.log.Warn("Job keep-alive failed", zap.Int("held", len(claims)), zap.Error(err))
		}
	}
}

func (j *Jobs) sweepLoop(ctx context.Context) error {
	ticker := j.clock.Ticker(j.cfg.JobLostInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		j.recoverLost(ctx)
	}
}

func (j *Jobs) recoverLost(ctx context.Context) {
	now := dbop.Timestamp(j.clock.Now())
	n, err := j.store.RecoverLost(ctx, now.Add(-j.cfg.JobLostInterval), now)
	if err != nil {
		if ctx.Err() == nil {
			j.log.Warn("Lost job sweep failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		j.log.Warn("Recovered lost job executions", zap.Int64("count", n))
		j.Notify()
	}
}
