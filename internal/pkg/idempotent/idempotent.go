// Package idempotent holds the result type of state-changing commands that
// may have been applied before.
package idempotent

// Result is either Executed(value) or AlreadyApplied. AlreadyApplied is a
// successful outcome, not an error: the requested change is already part of
// the aggregate's history and nothing was appended.
type Result[T any] struct {
	value    T
	executed bool
}

// Executed wraps the value produced by a command that changed state.
func Executed[T any](value T) Result[T] {
	return Result[T]{value: value, executed: true}
}

// AlreadyApplied reports that the command was a no-op.
func AlreadyApplied[T any]() Result[T] {
	return Result[T]{}
}

// WasExecuted reports whether the command changed state.
func (r Result[T]) WasExecuted() bool { return r.executed }

// WasAlreadyApplied reports whether the command was a no-op.
func (r Result[T]) WasAlreadyApplied() bool { return !r.executed }

// Value returns the executed value and true, or the zero value and false.
func (r Result[T]) Value() (T, bool) {
	return r.value, r.executed
}

// Unwrap returns the executed value. It panics on AlreadyApplied; use it only
// where the command cannot be a no-op.
func (r Result[T]) Unwrap() T {
	if !r.executed {
		panic("idempotent: Unwrap called on AlreadyApplied")
	}
	return r.value
}

// Map transforms an executed value and passes AlreadyApplied through.
func Map[T, U any](r Result[T], fn func(T) U) Result[U] {
	if !r.executed {
		return AlreadyApplied[U]()
	}
	return Executed(fn(r.value))
}
