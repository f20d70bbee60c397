package jobs

import (
	"time"

	"corebank.io/platform/internal/dbop"
)

type completionKind int

const (
	completeKind completionKind = iota
	rescheduleNowKind
	rescheduleInKind
	rescheduleAtKind
)

// Completion is a runner's successful result.
//
// Variants carrying an op hand it to the orchestrator, which records the
// completion in that op and commits it. The runner must not commit it.
type Completion struct {
	kind  completionKind
	op    dbop.Op
	delay time.Duration
	at    time.Time
}

// Complete finishes the job.
func Complete() Completion { return Completion{kind: completeKind} }

// CompleteWithOp finishes the job in op.
func CompleteWithOp(op dbop.Op) Completion { return Completion{kind: completeKind, op: op} }

// RescheduleNow runs the job again as soon as a worker is free.
func RescheduleNow() Completion { return Completion{kind: rescheduleNowKind} }

// RescheduleNowWithOp is RescheduleNow recorded in op.
func RescheduleNowWithOp(op dbop.Op) Completion {
	return Completion{kind: rescheduleNowKind, op: op}
}

// RescheduleIn runs the job again after d.
func RescheduleIn(d time.Duration) Completion {
	return Completion{kind: rescheduleInKind, delay: d}
}

// RescheduleInWithOp is RescheduleIn recorded in op.
func RescheduleInWithOp(op dbop.Op, d time.Duration) Completion {
	return Completion{kind: rescheduleInKind, op: op, delay: d}
}

// RescheduleAt runs the job again at t.
func RescheduleAt(t time.Time) Completion {
	return Completion{kind: rescheduleAtKind, at: t}
}

// RescheduleAtWithOp is RescheduleAt recorded in op.
func RescheduleAtWithOp(op dbop.Op, t time.Time) Completion {
	return Completion{kind: rescheduleAtKind, op: op, at: t}
}

// IsComplete reports whether the job finishes.
func (c Completion) IsComplete() bool { return c.kind == completeKind }

// Op returns the op the completion is recorded in, if any.
func (c Completion) Op() dbop.Op { return c.op }

// executeAt resolves the next run time of a reschedule against now.
func (c Completion) executeAt(now time.Time) time.Time {
	switch c.kind {
	case rescheduleInKind:
		return now.Add(c.delay)
	case rescheduleAtKind:
		return c.at
	default:
		return now
	}
}

func (c Completion) String() string {
	name := map[completionKind]string{
		completeKind:      "Complete",
		rescheduleNowKind: "RescheduleNow",
		rescheduleInKind:  "RescheduleIn",
		rescheduleAtKind:  "RescheduleAt",
	}[c.kind]
	if c.op != nil {
		name += "WithOp"
	}
	return name
}
