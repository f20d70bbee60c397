package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/facebookgo/clock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corebank.io/platform/internal/api/middleware"
	"corebank.io/platform/internal/jobs"
	"corebank.io/platform/internal/memdb"
	apperrors "corebank.io/platform/internal/pkg/errors"
	"corebank.io/platform/internal/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
	_ = logger.Init("error", "json")
}

type settlementConfig struct {
	Batch string `json:"batch"`
}

func (settlementConfig) JobType() jobs.JobType { return "settlement" }

type failingReader struct{ err error }

func (f failingReader) Find(context.Context, uuid.UUID) (*jobs.Job, error) { return nil, f.err }
func (f failingReader) List(context.Context, jobs.State, int) ([]*jobs.Job, error) {
	return nil, f.err
}

func newRouter(deps ServerDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.ErrorHandler())
	NewServer(deps).Register(r)
	return r
}

func do(t *testing.T, r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func newJobs(t *testing.T) *jobs.Jobs {
	t.Helper()
	db := memdb.New(clock.NewMock())
	return jobs.New(db, jobs.NewMemoryStore(db), nil, jobs.Config{})
}

func TestHealth(t *testing.T) {
	healthy := newRouter(ServerDeps{Checks: map[string]Check{
		"database": func(context.Context) error { return nil },
	}})
	w, body := do(t, healthy, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	w, body = do(t, healthy, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"database": "ok"}, body["checks"])

	degraded := newRouter(ServerDeps{Checks: map[string]Check{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}})
	w, body = do(t, degraded, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"database": "ok", "redis": "error"}, body["checks"])
}

func TestGetJob(t *testing.T) {
	j := newJobs(t)
	id := uuid.New()
	_, _, err := j.Create(context.Background(), id, settlementConfig{Batch: "2026-10-18"})
	require.NoError(t, err)
	r := newRouter(ServerDeps{Jobs: j})

	w, body := do(t, r, http.MethodGet, "/ops/jobs/"+id.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id.String(), body["id"])
	assert.Equal(t, "settlement", body["type"])
	assert.Equal(t, "active", body["state"])
	assert.Equal(t, map[string]any{"batch": "2026-10-18"}, body["config"])

	w, body = do(t, r, http.MethodGet, "/ops/jobs/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperrors.CodeJobNotFound, body["code"])

	w, body = do(t, r, http.MethodGet, "/ops/jobs/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperrors.CodeInvalidRequest, body["code"])
}

func TestListJobs(t *testing.T) {
	j := newJobs(t)
	for range 3 {
		_, _, err := j.Create(context.Background(), uuid.New(), settlementConfig{})
		require.NoError(t, err)
	}
	r := newRouter(ServerDeps{Jobs: j})

	w, body := do(t, r, http.MethodGet, "/ops/jobs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "errored", body["state"])
	assert.Empty(t, body["items"])

	w, body = do(t, r, http.MethodGet, "/ops/jobs?state=active&limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["items"], 2)

	tests := []struct {
		name  string
		query string
		code  string
	}{
		{"unknown state", "?state=paused", apperrors.CodeJobStateInvalid},
		{"zero limit", "?limit=0", apperrors.CodeInvalidRequest},
		{"limit too large", "?limit=501", apperrors.CodeInvalidRequest},
		{"limit not a number", "?limit=ten", apperrors.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := do(t, r, http.MethodGet, "/ops/jobs"+tt.query, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestListJobs_StoreError(t *testing.T) {
	r := newRouter(ServerDeps{Jobs: failingReader{err: errors.New("pool closed")}})
	w, body := do(t, r, http.MethodGet, "/ops/jobs", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, apperrors.CodeInternalError, body["code"])
}

func TestLogLevel(t *testing.T) {
	r := newRouter(ServerDeps{})
	t.Cleanup(func() { _ = logger.SetLevel("error") })

	w, body := do(t, r, http.MethodGet, "/ops/log/level", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "error", body["level"])

	w, body = do(t, r, http.MethodPut, "/ops/log/level", `{"level":"debug"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "debug", body["level"])
	assert.Equal(t, "debug", logger.GetLevel().String())

	w, body = do(t, r, http.MethodPut, "/ops/log/level", `{"level":"loud"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperrors.CodeInvalidLogLevel, body["code"])

	w, _ = do(t, r, http.MethodPut, "/ops/log/level", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
