// Package modules contains the dependency modules wired by the composition
// root. Each module owns its job types and the outbox handlers it needs.
package modules

import (
	"context"

	"corebank.io/platform/internal/jobs"
)

// Module represents a domain-specific dependency unit in the composition root.
type Module interface {
	// Name returns a stable module identifier for logging/debugging.
	Name() string

	// RegisterJobs registers the module's job types. Called before the
	// orchestrator starts.
	RegisterJobs(*jobs.Jobs) error

	// Start creates the module's singleton jobs. Called after the
	// orchestrator starts.
	Start(context.Context) error

	// Shutdown performs module-local graceful cleanup.
	Shutdown(context.Context) error
}
