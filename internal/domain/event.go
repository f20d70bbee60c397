// Package domain holds the cross-module event union carried by the outbox
// and the in-process dispatcher that routes it to module handlers.
package domain

import (
	"time"

	"github.com/google/uuid"

	"corebank.io/platform/internal/outbox"
	"corebank.io/platform/internal/pkg/tagged"
)

// Event tags of the platform events.
const (
	EventJobErrored              = "JOB_ERRORED"
	EventRetentionSweepCompleted = "JOB_RETENTION_SWEEP_COMPLETED"
)

// Event is implemented by every variant of the cross-module event union.
// Modules add variants here and to NewCodec.
type Event interface {
	outbox.Event
	isPlatformEvent()
}

// JobErrored is published in the op that marks a job errored, for operator
// attention.
type JobErrored struct {
	JobID    uuid.UUID `json:"job_id"`
	JobType  string    `json:"job_type"`
	Attempt  int       `json:"attempt"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// RetentionSweepCompleted reports a run of the job retention cleanup.
type RetentionSweepCompleted struct {
	Deleted int64     `json:"deleted"`
	Cutoff  time.Time `json:"cutoff"`
}

func (*JobErrored) EventType() string              { return EventJobErrored }
func (*RetentionSweepCompleted) EventType() string { return EventRetentionSweepCompleted }

func (*JobErrored) isPlatformEvent()              {}
func (*RetentionSweepCompleted) isPlatformEvent() {}

// NewCodec returns the codec of the event union.
func NewCodec() *tagged.Codec[Event] {
	return tagged.NewCodec[Event](
		(*JobErrored)(nil),
		(*RetentionSweepCompleted)(nil),
	)
}
