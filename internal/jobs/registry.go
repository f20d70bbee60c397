package jobs

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Runner executes one attempt of a job.
type Runner interface {
	Run(ctx context.Context, current *CurrentJob) (Completion, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, current *CurrentJob) (Completion, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, current *CurrentJob) (Completion, error) {
	return f(ctx, current)
}

// Initializer builds the runner for every claimed job of its type.
type Initializer interface {
	JobType() JobType
	Init(job *Job) (Runner, error)
}

// RetrySettingsProvider is implemented by initializers that override the
// orchestrator's default retry settings.
type RetrySettingsProvider interface {
	RetrySettings() RetrySettings
}

// TypedInitializer decodes the job config into C before calling New.
type TypedInitializer[C JobConfig] struct {
	New func(job *Job, cfg C) (Runner, error)
}

// JobType implements Initializer.
func (t TypedInitializer[C]) JobType() JobType {
	var cfg C
	return cfg.JobType()
}

// Init implements Initializer.
func (t TypedInitializer[C]) Init(job *Job) (Runner, error) {
	var cfg C
	if err := job.Config(&cfg); err != nil {
		return nil, err
	}
	return t.New(job, cfg)
}

type withRetry struct {
	Initializer
	settings RetrySettings
}

func (w withRetry) RetrySettings() RetrySettings { return w.settings }

// WithRetry overrides the retry settings of init.
func WithRetry(init Initializer, settings RetrySettings) Initializer {
	return withRetry{Initializer: init, settings: settings}
}

type registration struct {
	init  Initializer
	retry RetrySettings
}

// Registry maps job types to initializers.
type Registry struct {
	mu           sync.RWMutex
	entries      map[JobType]registration
	defaultRetry RetrySettings
}

// NewRegistry creates an empty registry. Initializers without their own
// settings use defaultRetry.
func NewRegistry(defaultRetry RetrySettings) *Registry {
	return &Registry{entries: make(map[JobType]registration), defaultRetry: defaultRetry}
}

// Register adds init. Registering a job type twice is an error.
func (r *Registry) Register(init Initializer) error {
	t := init.JobType()
	if t == "" {
		return fmt.Errorf("register %T: empty job type", init)
	}

	retry := r.defaultRetry
	if p, ok := init.(RetrySettingsProvider); ok {
		retry = p.RetrySettings()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[t]; dup {
		return fmt.Errorf("job type %q already registered", t)
	}
	r.entries[t] = registration{init: init, retry: retry}
	return nil
}

func (r *Registry) lookup(t JobType) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[t]
	return reg, ok
}

// RetrySettingsFor returns the retry settings used for t.
func (r *Registry) RetrySettingsFor(t JobType) RetrySettings {
	if reg, ok := r.lookup(t); ok {
		return reg.retry
	}
	return r.defaultRetry
}

// Types lists registered job types in sorted order.
func (r *Registry) Types() []JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]JobType, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
