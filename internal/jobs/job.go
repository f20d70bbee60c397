// Package jobs is the job orchestrator.
//
// A job is a unit of work with a write-once config and a mutable execution
// state. Jobs are created, optionally inside a domain op, claimed by exactly
// one worker at a time under a heartbeat lease, and driven to completion,
// rescheduled, retried with backoff, or marked fatal. Execution state
// checkpoints are written in the same op as the work they describe, so a
// crash never loses or double-commits progress.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobType tags a job's config shape and runner.
type JobType string

// State is the lifecycle state of a job.
type State string

const (
	// StateActive jobs have a live execution (pending or running).
	StateActive State = "active"
	// StateCompleted jobs returned a Complete result.
	StateCompleted State = "completed"
	// StateErrored jobs failed fatally or exhausted their attempts.
	StateErrored State = "errored"
)

// ParseState validates a state filter.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateActive, StateCompleted, StateErrored:
		return State(s), nil
	default:
		return "", fmt.Errorf("unknown job state %q", s)
	}
}

// JobConfig is implemented by the config struct of every job type. Configs
// are value types: JobType is called on the zero value.
type JobConfig interface {
	JobType() JobType
}

// Job is the persisted job entity.
type Job struct {
	ID        uuid.UUID
	Type      JobType
	UniqueKey string
	State     State
	// Attempt is the last attempt that finished, successfully or not.
	Attempt     int
	LastError   string
	CreatedAt   time.Time
	CompletedAt *time.Time

	config json.RawMessage
}

// Config decodes the job's config into v.
func (j *Job) Config(v any) error {
	if err := json.Unmarshal(j.config, v); err != nil {
		return fmt.Errorf("decode config of job %s: %w", j.ID, err)
	}
	return nil
}

// RawConfig returns the encoded config.
func (j *Job) RawConfig() json.RawMessage { return j.config }

func newJob(id uuid.UUID, cfg JobConfig, uniqueKey string, now time.Time) (*Job, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config of %s job: %w", cfg.JobType(), err)
	}
	return &Job{
		ID:        id,
		Type:      cfg.JobType(),
		UniqueKey: uniqueKey,
		State:     StateActive,
		CreatedAt: now,
		config:    data,
	}, nil
}

// ClaimedJob is a job whose execution this process holds the lease for.
type ClaimedJob struct {
	Job *Job
	// ClaimID identifies this claim. Fenced writes must present it.
	ClaimID uuid.UUID
	// Attempt is the 1-based attempt about to run.
	Attempt        int
	ExecutionState json.RawMessage
}

// CreateOption customizes job creation.
type CreateOption func(*createOptions)

type createOptions struct {
	uniqueKey    string
	scheduleAt   time.Time
	scheduleIn   time.Duration
	initialState any
}

// WithUniqueKey makes creation a no-op when a job of the same type with the
// same key already exists.
func WithUniqueKey(key string) CreateOption {
	return func(o *createOptions) { o.uniqueKey = key }
}

// WithScheduleAt delays the first attempt until t.
func WithScheduleAt(t time.Time) CreateOption {
	return func(o *createOptions) { o.scheduleAt = t }
}

// WithScheduleIn delays the first attempt by d from the op's time.
func WithScheduleIn(d time.Duration) CreateOption {
	return func(o *createOptions) { o.scheduleIn = d }
}

// WithInitialState seeds the execution state.
func WithInitialState(v any) CreateOption {
	return func(o *createOptions) { o.initialState = v }
}
