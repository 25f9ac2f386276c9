package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/gauntlet/internal/api"
	"github.com/joescharf/gauntlet/internal/config"
	"github.com/joescharf/gauntlet/internal/coordinator"
	"github.com/joescharf/gauntlet/internal/logger"
	"github.com/joescharf/gauntlet/internal/models"
	"github.com/joescharf/gauntlet/internal/pipeline"
	"github.com/joescharf/gauntlet/internal/stage"
	"github.com/joescharf/gauntlet/internal/store"
)

func newTestClient(t *testing.T) (*Client, chan struct{}) {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	gate := make(chan struct{})
	tools := stage.Toolbox{
		"score": stage.ToolFunc(func(context.Context, stage.Input, map[string]string) (stage.Output, error) {
			v := 90.0
			return stage.Output{SubScore: &v}, nil
		}),
		"gate": stage.ToolFunc(func(ctx context.Context, _ stage.Input, _ map[string]string) (stage.Output, error) {
			select {
			case <-gate:
				v := 90.0
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

	ts := httptest.NewServer(api.NewServer(coord, reg, config.Server{}, logger.Discard()).Router())
	t.Cleanup(ts.Close)
	return New(ts.URL + "/"), gate
}

func TestSubmitWaitResults(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	sub, err := c.Submit(ctx, coordinator.Submission{
		JobType: models.JobTypeReview,
		Payload: models.Payload{Ref: "pr-7", Content: "diff"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, sub.JobID)

	v, err := c.Wait(ctx, sub.JobID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, v.Status)
	assert.Equal(t, models.VerdictApprove, v.Verdict)

	doc1, err := c.Results(ctx, sub.JobID)
	require.NoError(t, err)
	doc2, err := c.Results(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, doc1, doc2)

	job, err := c.Job(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, "pr-7", job.Payload.Ref)

	jobs, err := c.List(ctx, []string{"completed"}, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	chain, err := c.Lineage(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Len(t, chain, 1)

	plans, err := c.Plans(ctx)
	require.NoError(t, err)
	assert.Len(t, plans, 2)

	a, err := c.Analytics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Total)
}

func TestErrorsMapToSentinels(t *testing.T) {
	c, gate := newTestClient(t)
	ctx := context.Background()

	_, err := c.Submit(ctx, coordinator.Submission{JobType: "poetry", Payload: models.Payload{Ref: "x"}})
	assert.ErrorIs(t, err, coordinator.ErrInvalidJobType)

	_, err = c.Status(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrJobNotFound)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	sub, err := c.Submit(ctx, coordinator.Submission{JobType: models.JobTypeAnalysis, Payload: models.Payload{Ref: "q1"}})
	require.NoError(t, err)

	_, err = c.Results(ctx, sub.JobID)
	assert.ErrorIs(t, err, coordinator.ErrResultsNotReady)

	_, err = c.Submit(ctx, coordinator.Submission{JobID: sub.JobID, JobType: models.JobTypeAnalysis, Payload: models.Payload{Ref: "q1"}})
	assert.ErrorIs(t, err, coordinator.ErrJobAlreadyActive)

	close(gate)
	_, err = c.Wait(ctx, sub.JobID, 10*time.Millisecond)
	require.NoError(t, err)

	err = c.Cancel(ctx, sub.JobID)
	assert.ErrorIs(t, err, coordinator.ErrNotRunning)
}

func TestCancel(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	sub, err := c.Submit(ctx, coordinator.Submission{JobType: models.JobTypeAnalysis, Payload: models.Payload{Ref: "q2"}})
	require.NoError(t, err)
	require.NoError(t, c.Cancel(ctx, sub.JobID))

	v, err := c.Wait(ctx, sub.JobID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, v.Status)
	assert.Equal(t, models.ReasonCancelled, v.Reason)
}

func TestWait_ContextDeadline(t *testing.T) {
	c, _ := newTestClient(t)
	sub, err := c.Submit(context.Background(), coordinator.Submission{JobType: models.JobTypeAnalysis, Payload: models.Payload{Ref: "q3"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Wait(ctx, sub.JobID, 10*time.Millisecond)
	assert.Error(t, err)
}
