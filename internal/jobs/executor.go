package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"corebank.io/platform/internal/dbop"
	apperrors "corebank.io/platform/internal/pkg/errors"
)

// execute runs one claimed execution and records its outcome.
func (j *Jobs) execute(c ClaimedJob) {
	defer j.finished(c.Job.ID)

	job := c.Job
	log := j.log.With(
		zap.Stringer("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.Int("attempt", c.Attempt),
	)
	ctx, span := tracer.Start(j.runCtx, "jobs.execute", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.type", string(job.Type)),
		attribute.Int("job.attempt", c.Attempt),
	))
	defer span.End()

	reg, ok := j.registry.lookup(job.Type)
	if !ok {
		err := apperrors.Wrap(apperrors.ErrUnknownJobType, apperrors.CodeJobTypeUnknown,
			fmt.Sprintf("no initializer registered for job type %q", job.Type), http.StatusInternalServerError)
		j.fail(ctx, log, c, err)
		return
	}
	retry := reg.retry
	if retry.Exhausted(c.Attempt) {
		err := apperrors.New(apperrors.CodeJobRetryExhausted,
			fmt.Sprintf("attempt %d exceeds max attempts %d", c.Attempt, retry.MaxAttempts), http.StatusInternalServerError)
		j.fail(ctx, log, c, err)
		return
	}

	runner, err := reg.init.Init(job)
	if err != nil {
		j.fail(ctx, log, c, apperrors.Wrap(err, apperrors.CodeJobConfigInvalid, "init job runner", http.StatusInternalServerError))
		return
	}

	current := &CurrentJob{
		id:       job.ID,
		jobType:  job.Type,
		attempt:  c.Attempt,
		claim:    c.ClaimID,
		db:       j.db,
		store:    j.store,
		clock:    j.clock,
		shutdown: j.shutdown,
		state:    c.ExecutionState,
	}

	log.Debug("Job started")
	completion, err := runSafely(ctx, runner, current)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if op := completion.Op(); op != nil {
			_ = op.Rollback(context.WithoutCancel(ctx))
		}
		if j.runCtx.Err() != nil && errors.Is(err, context.Canceled) {
			log.Info("Job interrupted by shutdown")
			return
		}
		j.retryOrFail(ctx, log, c, retry, err)
		return
	}
	j.complete(ctx, log, c, completion)
}

func runSafely(ctx context.Context, runner Runner, current *CurrentJob) (c Completion, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return runner.Run(ctx, current)
}

// complete records a successful attempt, in the runner's op when it handed
// one over.
func (j *Jobs) complete(ctx context.Context, log *zap.Logger, c ClaimedJob, completion Completion) {
	ctx = context.WithoutCancel(ctx)
	op := completion.Op()
	if op == nil {
		var err error
		if op, err = j.db.Begin(ctx); err != nil {
			log.Error("Begin job completion failed", zap.Error(err))
			return
		}
	}
	defer func() { _ = op.Rollback(ctx) }()

	res := AttemptResult{Attempt: c.Attempt}
	var err error
	if completion.IsComplete() {
		err = j.store.Complete(ctx, op, c.Job.ID, c.ClaimID, res)
	} else {
		err = j.store.Reschedule(ctx, op, c.Job.ID, c.ClaimID, completion.executeAt(op.Now()), res)
	}
	if err == nil {
		err = op.Commit(ctx)
	}
	switch {
	case errors.Is(err, apperrors.ErrJobLost):
		log.Warn("Job lease lost, result discarded", zap.Stringer("completion", completion))
	case err != nil:
		log.Error("Record job completion failed", zap.Stringer("completion", completion), zap.Error(err))
	case completion.IsComplete():
		log.Info("Job completed")
	default:
		log.Debug("Job rescheduled", zap.Stringer("completion", completion))
	}
}

// retryOrFail records a failed attempt.
func (j *Jobs) retryOrFail(ctx context.Context, log *zap.Logger, c ClaimedJob, retry RetrySettings, cause error) {
	if IsFatal(cause) || !retry.ShouldRetry(c.Attempt) {
		j.fail(ctx, log, c, cause)
		return
	}

	ctx = context.WithoutCancel(ctx)
	res := AttemptResult{Attempt: c.Attempt, Err: cause}
	at := j.clock.Now()
	err := dbop.Run(ctx, j.db, func(op dbop.Op) error {
		at = retry.NextAttemptAt(op.Now(), c.Attempt)
		return j.store.Reschedule(ctx, op, c.Job.ID, c.ClaimID, at, res)
	})
	if err != nil {
		j.logWriteError(log, "Record job retry failed", err)
		return
	}

	fields := []zap.Field{zap.Error(cause), zap.Time("retry_at", at), zap.Int("max_attempts", retry.MaxAttempts)}
	if retry.WarnOnly(c.Attempt) {
		log.Warn("Job attempt failed, retrying", fields...)
	} else {
		log.Error("Job attempt failed, retrying", fields...)
	}
}

// fail marks the job errored and runs fatal hooks in the same op.
func (j *Jobs) fail(ctx context.Context, log *zap.Logger, c ClaimedJob, cause error) {
	ctx = context.WithoutCancel(ctx)
	res := AttemptResult{Attempt: c.Attempt, Err: cause}

	j.hooksMu.RLock()
	hooks := append([]FatalHook(nil), j.fatalHooks...)
	j.hooksMu.RUnlock()

	err := dbop.Run(ctx, j.db, func(op dbop.Op) error {
		if err := j.store.Fail(ctx, op, c.Job.ID, c.ClaimID, res); err != nil {
			return err
		}
		failed := cloneJob(c.Job)
		failed.State = StateErrored
		failed.Attempt = c.Attempt
		failed.LastError = res.errorText()
		for _, h := range hooks {
			if err := h(ctx, op, failed, cause); err != nil {
				return fmt.Errorf("fatal hook: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		j.logWriteError(log, "Record job failure failed", err)
		return
	}
	log.Error("Job failed permanently", zap.Error(cause))
}

func (j *Jobs) logWriteError(log *zap.Logger, msg string, err error) {
	if errors.Is(err, apperrors.ErrJobLost) {
		log.Warn("Job lease lost, result discarded", zap.Error(err))
		return
	}
	log.Error(msg, zap.Error(err))
}
