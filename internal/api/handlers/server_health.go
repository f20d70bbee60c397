package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"corebank.io/platform/internal/pkg/worker"
)

const (
	healthOK       = "ok"
	healthDegraded = "degraded"
	healthError    = "error"
)

// HealthResponse is the body of both probes.
type HealthResponse struct {
	Status string                      `json:"status"`
	Checks map[string]string           `json:"checks,omitempty"`
	Pools  map[string]worker.PoolStats `json:"pools,omitempty"`
}

// GetLiveness handles GET /health/live, the Kubernetes liveness probe.
func (s *Server) GetLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: healthOK})
}

// GetReadiness handles GET /health/ready, the Kubernetes readiness probe.
func (s *Server) GetReadiness(c *gin.Context) {
	checks := make(map[string]string, len(s.checks))
	allHealthy := true

	for name, check := range s.checks {
		if err := check(c.Request.Context()); err != nil {
			checks[name] = healthError
			allHealthy = false
			continue
		}
		checks[name] = healthOK
	}

	resp := HealthResponse{Status: healthOK, Checks: checks}
	if s.pools != nil {
		resp.Pools = s.pools()
	}
	httpStatus := http.StatusOK
	if !allHealthy {
		resp.Status = healthDegraded
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, resp)
}
