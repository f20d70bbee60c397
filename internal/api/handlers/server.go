// Package handlers implements the operator HTTP surface: health probes, job
// inspection and runtime log level.
package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"corebank.io/platform/internal/jobs"
	"corebank.io/platform/internal/pkg/worker"
)

// JobReader is the read side of the job orchestrator.
type JobReader interface {
	Find(ctx context.Context, id uuid.UUID) (*jobs.Job, error)
	List(ctx context.Context, state jobs.State, limit int) ([]*jobs.Job, error)
}

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// ServerDeps holds all dependencies for creating a Server.
type ServerDeps struct {
	Jobs JobReader
	// Checks are run by the readiness probe, keyed by dependency name.
	Checks map[string]Check
	// Pools reports worker pool utilisation. Optional.
	Pools func() map[string]worker.PoolStats
}

// Server implements the operator API handlers.
type Server struct {
	jobs   JobReader
	checks map[string]Check
	pools  func() map[string]worker.PoolStats
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		jobs:   deps.Jobs,
		checks: deps.Checks,
		pools:  deps.Pools,
	}
}

// Register mounts every route on r.
func (s *Server) Register(r gin.IRouter) {
	health := r.Group("/health")
	health.GET("/live", s.GetLiveness)
	health.GET("/ready", s.GetReadiness)

	ops := r.Group("/ops")
	ops.GET("/jobs", s.ListJobs)
	ops.GET("/jobs/:id", s.GetJob)
	ops.GET("/log/level", s.GetLogLevel)
	ops.PUT("/log/level", s.PutLogLevel)
}
