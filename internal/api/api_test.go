package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/gauntlet/internal/config"
	"github.com/joescharf/gauntlet/internal/coordinator"
	"github.com/joescharf/gauntlet/internal/logger"
	"github.com/joescharf/gauntlet/internal/metrics"
	"github.com/joescharf/gauntlet/internal/models"
	"github.com/joescharf/gauntlet/internal/pipeline"
	"github.com/joescharf/gauntlet/internal/stage"
	"github.com/joescharf/gauntlet/internal/store"
)

type testEnv struct {
	router http.Handler
	coord  *coordinator.Coordinator
	gate   chan struct{}
}

func setupTestServer(t *testing.T, cfg config.Server) *testEnv {
	t.Helper()
	dir := t.TempDir()

	s, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	gate := make(chan struct{})
	tools := stage.Toolbox{
		"score": stage.ToolFunc(func(context.Context, stage.Input, map[string]string) (stage.Output, error) {
			v := 91.0
			return stage.Output{SubScore: &v}, nil
		}),
		"gate": stage.ToolFunc(func(ctx context.Context, _ stage.Input, _ map[string]string) (stage.Output, error) {
			select {
			case <-gate:
				v := 91.0
				return stage.Output{SubScore: &v}, nil
			case <-ctx.Done():
				return stage.Output{}, ctx.Err()
			}
		}),
	}
	th := models.Thresholds{AutoApprove: 85, HardReject: 40}
	reg, err := pipeline.New(tools,
		models.StagePlan{JobType: models.JobTypeReview, Thresholds: th, EscalationTarget: "human-review",
			Stages: []models.StageSpec{{Name: "lint", Tool: "score", Required: true, Weight: 1, Timeout: time.Second, Retry: models.RetryPolicy{MaxAttempts: 1}}}},
		models.StagePlan{JobType: models.JobTypeAnalysis, Thresholds: th, EscalationTarget: "human-review",
			Stages: []models.StageSpec{{Name: "checks", Tool: "gate", Required: true, Weight: 1, Timeout: 5 * time.Second, Retry: models.RetryPolicy{MaxAttempts: 1}}}},
	)
	require.NoError(t, err)

	coord := coordinator.New(s, reg, stage.NewExecutor(tools, logger.Discard()),
		config.Coordinator{ParallelPool: 2}, logger.Discard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})

	srv := NewServer(coord, reg, cfg, logger.Discard(), WithMetrics(metrics.New()))
	return &testEnv{router: srv.Router(), coord: coord, gate: gate}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func submit(t *testing.T, env *testEnv, body string) submitResponse {
	t.Helper()
	w := do(t, env.router, "POST", "/api/v1/jobs", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)
	return resp
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t, config.Server{})
	w := do(t, env.router, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "uptime")
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestJobLifecycle_API(t *testing.T) {
	env := setupTestServer(t, config.Server{})
	resp := submit(t, env, `{"job_type":"review","payload":{"ref":"pr-1","content":"diff"}}`)
	assert.Equal(t, models.JobStatusPending, resp.Status)

	_, err := env.coord.Wait(context.Background(), resp.JobID)
	require.NoError(t, err)

	// Get
	w := do(t, env.router, "GET", "/api/v1/jobs/"+resp.JobID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	// Status
	w = do(t, env.router, "GET", "/api/v1/jobs/"+resp.JobID+"/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st coordinator.StatusView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	require.Len(t, st.Stages, 1)
	assert.Equal(t, "success", st.Stages[0].State)

	// Results are byte-identical across calls
	w1 := do(t, env.router, "GET", "/api/v1/jobs/"+resp.JobID+"/results", "")
	w2 := do(t, env.router, "GET", "/api/v1/jobs/"+resp.JobID+"/results", "")
	require.Equal(t, http.StatusOK, w1.Code)
	assert.Equal(t, w1.Body.Bytes(), w2.Body.Bytes())
	var doc coordinator.ResultsDoc
	require.NoError(t, json.Unmarshal(w1.Body.Bytes(), &doc))
	assert.Equal(t, models.VerdictApprove, doc.Decision.Verdict)

	// Reopen and lineage
	child := submit(t, env, `{"job_id":"`+resp.JobID+`","job_type":"review","payload":{"ref":"pr-1"}}`)
	assert.Equal(t, resp.JobID, child.ParentID)
	_, err = env.coord.Wait(context.Background(), child.JobID)
	require.NoError(t, err)

	w = do(t, env.router, "GET", "/api/v1/jobs/"+child.JobID+"/lineage", "")
	require.Equal(t, http.StatusOK, w.Code)
	var chain []models.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chain))
	require.Len(t, chain, 2)
	assert.Equal(t, resp.JobID, chain[0].ID)

	// List with filter
	w = do(t, env.router, "GET", "/api/v1/jobs?status=completed", "")
	require.Equal(t, http.StatusOK, w.Code)
	var jobs []models.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 2)

	w = do(t, env.router, "GET", "/api/v1/jobs?status=failed", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestSubmit_ErrorMapping(t *testing.T) {
	env := setupTestServer(t, config.Server{})

	tests := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", `{"job_type":`, http.StatusBadRequest},
		{"unknown job type", `{"job_type":"poetry","payload":{"ref":"x"}}`, http.StatusBadRequest},
		{"empty payload", `{"job_type":"review","payload":{}}`, http.StatusBadRequest},
		{"bad priority", `{"job_type":"review","payload":{"ref":"x"},"priority":"asap"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, env.router, "POST", "/api/v1/jobs", tt.body)
			assert.Equal(t, tt.code, w.Code)
			assert.Contains(t, w.Body.String(), "error")
		})
	}
}

func TestNotFoundAndConflicts(t *testing.T) {
	env := setupTestServer(t, config.Server{})

	assert.Equal(t, http.StatusNotFound, do(t, env.router, "GET", "/api/v1/jobs/nope", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, env.router, "GET", "/api/v1/jobs/nope/results", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, env.router, "POST", "/api/v1/jobs/nope/cancel", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, env.router, "GET", "/api/v1/jobs?status=bogus", "").Code)

	resp := submit(t, env, `{"job_id":"an-1","job_type":"analysis","payload":{"ref":"dataset.csv"}}`)

	w := do(t, env.router, "GET", "/api/v1/jobs/"+resp.JobID+"/results", "")
	assert.Equal(t, http.StatusConflict, w.Code, "results not ready")

	w = do(t, env.router, "POST", "/api/v1/jobs", `{"job_id":"an-1","job_type":"analysis","payload":{"ref":"dataset.csv"}}`)
	assert.Equal(t, http.StatusConflict, w.Code, "already active")

	w = do(t, env.router, "POST", "/api/v1/jobs/"+resp.JobID+"/cancel", "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	job, err := env.coord.Wait(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonCancelled, job.StatusReason)

	w = do(t, env.router, "POST", "/api/v1/jobs/"+resp.JobID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code, "not running")
}

func TestPlansAndAnalytics(t *testing.T) {
	env := setupTestServer(t, config.Server{})

	w := do(t, env.router, "GET", "/api/v1/plans", "")
	require.Equal(t, http.StatusOK, w.Code)
	var plans []models.StagePlan
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &plans))
	require.Len(t, plans, 2)

	resp := submit(t, env, `{"job_type":"review","payload":{"ref":"pr"}}`)
	_, err := env.coord.Wait(context.Background(), resp.JobID)
	require.NoError(t, err)

	w = do(t, env.router, "GET", "/api/v1/analytics", "")
	require.Equal(t, http.StatusOK, w.Code)
	var a coordinator.Analytics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &a))
	assert.Equal(t, 1, a.Total)
	assert.Equal(t, 1, a.ByStatus[models.JobStatusCompleted])

	w = do(t, env.router, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gauntlet_http_requests_total")
}

func TestCORS(t *testing.T) {
	env := setupTestServer(t, config.Server{AllowedOrigins: []string{"http://localhost:3000"}})

	req := httptest.NewRequest("OPTIONS", "/api/v1/jobs", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(t, env.router, "GET", "/api/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Methods"), "CORS headers on error responses")
}

func TestRateLimit(t *testing.T) {
	env := setupTestServer(t, config.Server{RateLimit: 0.001, RateBurst: 2})

	assert.Equal(t, http.StatusOK, do(t, env.router, "GET", "/api/v1/plans", "").Code)
	assert.Equal(t, http.StatusOK, do(t, env.router, "GET", "/api/v1/plans", "").Code)
	w := do(t, env.router, "GET", "/api/v1/plans", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do(t, env.router, "GET", "/health", "").Code, "health is not limited")
}

func TestAllowOrigin(t *testing.T) {
	assert.Equal(t, "*", allowOrigin(nil, "http://a"))
	assert.Equal(t, "http://a", allowOrigin([]string{"http://a", "http://b"}, "http://a"))
	assert.Equal(t, "http://a", allowOrigin([]string{"http://a"}, "http://evil"))
	assert.Equal(t, "http://x", allowOrigin([]string{"*"}, "http://x"))
}
