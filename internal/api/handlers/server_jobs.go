package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"corebank.io/platform/internal/jobs"
	apperrors "corebank.io/platform/internal/pkg/errors"
)

const (
	defaultJobListLimit = 50
	maxJobListLimit     = 500
)

// JobView is the operator representation of a job.
type JobView struct {
	ID          uuid.UUID       `json:"id"`
	Type        string          `json:"type"`
	UniqueKey   string          `json:"unique_key,omitempty"`
	State       string          `json:"state"`
	Attempt     int             `json:"attempt"`
	LastError   string          `json:"last_error,omitempty"`
	Config      json.RawMessage `json:"config"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// JobList is the body of GET /ops/jobs.
type JobList struct {
	State string    `json:"state"`
	Items []JobView `json:"items"`
}

func toJobView(j *jobs.Job) JobView {
	return JobView{
		ID:          j.ID,
		Type:        string(j.Type),
		UniqueKey:   j.UniqueKey,
		State:       string(j.State),
		Attempt:     j.Attempt,
		LastError:   j.LastError,
		Config:      j.RawConfig(),
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
	}
}

// GetJob handles GET /ops/jobs/:id.
func (s *Server) GetJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequest, "job id must be a UUID"))
		return
	}

	job, err := s.jobs.Find(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toJobView(job))
}

// ListJobs handles GET /ops/jobs?state=errored&limit=50. The state defaults
// to errored so fatal jobs surface first.
func (s *Server) ListJobs(c *gin.Context) {
	state, err := jobs.ParseState(c.DefaultQuery("state", string(jobs.StateErrored)))
	if err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeJobStateInvalid, err.Error()))
		return
	}

	limit := defaultJobListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxJobListLimit {
			_ = c.Error(apperrors.BadRequest(apperrors.CodeInvalidRequest,
				fmt.Sprintf("limit must be between 1 and %d", maxJobListLimit)))
			return
		}
		limit = n
	}

	list, err := s.jobs.List(c.Request.Context(), state, limit)
	if err != nil {
		_ = c.Error(err)
		return
	}

	items := make([]JobView, 0, len(list))
	for _, j := range list {
		items = append(items, toJobView(j))
	}
	c.JSON(http.StatusOK, JobList{State: string(state), Items: items})
}
