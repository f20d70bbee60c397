package es

import (
	"fmt"

	apperrors "corebank.io/platform/internal/pkg/errors"
	"corebank.io/platform/internal/pkg/tagged"
)

// Entity is an aggregate root rebuilt from its events.
type Entity[E Event] interface {
	Events() *EntityEvents[E]
}

// Definition describes one aggregate type.
type Definition[T Entity[E], E Event] struct {
	// AggregateType is stored with every event and must never change.
	AggregateType string
	// Codec knows every event variant of the aggregate.
	Codec *tagged.Codec[E]
	// Build folds a history into the entity. It must be pure: no clock, no
	// randomness, nothing outside the events. Invalid histories return an
	// error wrapping ErrBuild (see BuildErrorf).
	Build func(events EntityEvents[E]) (T, error)
}

// BuildErrorf returns an error wrapping ErrBuild.
func BuildErrorf(format string, args ...any) error {
	return apperrors.Build(fmt.Sprintf(format, args...))
}
