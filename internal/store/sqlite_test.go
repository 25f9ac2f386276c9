package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/gauntlet/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func newTestJob(t *testing.T, s *SQLiteStore) *models.Job {
	t.Helper()
	job := &models.Job{
		Type:       models.JobTypeReview,
		Payload:    models.Payload{Ref: "pr-42", Content: "diff --git a/x b/x"},
		Thresholds: models.Thresholds{AutoApprove: 85, HardReject: 40},
		Plan: models.StagePlan{
			JobType: models.JobTypeReview,
			Stages:  []models.StageSpec{{Name: "security", Tool: "rules", Required: true, Weight: 1}},
		},
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func ptr(f float64) *float64 { return &f }

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Running migrate again should be a no-op
	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

// --- Jobs ---

func TestJobCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	deadline := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	job := &models.Job{
		Type:     models.JobTypeDocument,
		Priority: models.PriorityHigh,
		Payload: models.Payload{
			Ref:      "docs/README.md",
			Metadata: map[string]string{"lang": "en"},
		},
		Thresholds: models.Thresholds{AutoApprove: 90, HardReject: 50},
		Deadline:   &deadline,
	}
	require.NoError(t, s.CreateJob(ctx, job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.False(t, job.CreatedAt.IsZero())

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobTypeDocument, got.Type)
	assert.Equal(t, models.PriorityHigh, got.Priority)
	assert.Equal(t, "docs/README.md", got.Payload.Ref)
	assert.Equal(t, "en", got.Payload.Metadata["lang"])
	assert.Equal(t, 90.0, got.Thresholds.AutoApprove)
	require.NotNil(t, got.Deadline)
	assert.True(t, deadline.Equal(*got.Deadline))
	assert.Nil(t, got.Decision)
	assert.Nil(t, got.CompletedAt)
	assert.Empty(t, got.Results)
}

func TestGetJob_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestSetStatus_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s)

	require.NoError(t, s.SetStatus(ctx, job.ID, models.JobStatusRunning, ""))
	require.NoError(t, s.SetStatus(ctx, job.ID, models.JobStatusCompleted, ""))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	// Terminal jobs never move again.
	err = s.SetStatus(ctx, job.ID, models.JobStatusRunning, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	err = s.SetStatus(ctx, job.ID, models.JobStatusFailed, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSetStatus_RejectsSkippedEdge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s)

	err := s.SetStatus(ctx, job.ID, models.JobStatusCompleted, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = s.SetStatus(ctx, "missing", models.JobStatusRunning, "")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestSetStatus_Reason(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s)

	require.NoError(t, s.SetStatus(ctx, job.ID, models.JobStatusRunning, ""))
	require.NoError(t, s.SetStatus(ctx, job.ID, models.JobStatusFailed, models.ReasonCancelled))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, models.ReasonCancelled, got.StatusReason)
}

func TestListJobsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTestJob(t, s)
	b := newTestJob(t, s)
	newTestJob(t, s)
	require.NoError(t, s.SetStatus(ctx, a.ID, models.JobStatusRunning, ""))
	require.NoError(t, s.SetStatus(ctx, b.ID, models.JobStatusRunning, ""))
	require.NoError(t, s.SetStatus(ctx, b.ID, models.JobStatusEscalated, ""))

	running, err := s.ListJobsByStatus(ctx, []models.JobStatus{models.JobStatusRunning}, 0)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, a.ID, running[0].ID)

	open, err := s.ListJobsByStatus(ctx, []models.JobStatus{models.JobStatusPending, models.JobStatusRunning}, 0)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	all, err := s.ListJobsByStatus(ctx, nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := s.ListJobsByStatus(ctx, nil, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStatusCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newTestJob(t, s)
	newTestJob(t, s)
	require.NoError(t, s.SetStatus(ctx, a.ID, models.JobStatusRunning, ""))

	counts, err := s.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.JobStatusPending])
	assert.Equal(t, 1, counts[models.JobStatusRunning])
	assert.Equal(t, 0, counts[models.JobStatusCompleted])
}

// --- Stage results ---

func TestAppendStageResult_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s)
	require.NoError(t, s.SetStatus(ctx, job.ID, models.JobStatusRunning, ""))

	started := time.Now().UTC()
	security := &models.StageResult{
		Stage:    "security",
		Outcome:  models.OutcomeSuccess,
		SubScore: ptr(72.5),
		Findings: models.GroupFindings([]models.Finding{
			{Kind: "security", Severity: models.SeverityError, Category: "secrets", Description: "hardcoded token"},
		}),
		Triggers:   []string{"sensitive-path"},
		Attempts:   2,
		Duration:   1500 * time.Millisecond,
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
	}
	require.NoError(t, s.AppendStageResult(ctx, job.ID, security))

	docs := &models.StageResult{
		Stage:      "docs",
		Outcome:    models.OutcomeFailure,
		Attempts:   3,
		Error:      &models.StageError{Kind: models.FailureTimeout, Message: "deadline exceeded"},
		StartedAt:  started,
		FinishedAt: started,
	}
	require.NoError(t, s.AppendStageResult(ctx, job.ID, docs))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got.Results, 2)

	first := got.Results[0]
	assert.Equal(t, "security", first.Stage)
	require.NotNil(t, first.SubScore)
	assert.Equal(t, 72.5, *first.SubScore)
	assert.Equal(t, 2, first.Attempts)
	assert.Equal(t, 1500*time.Millisecond, first.Duration)
	assert.Equal(t, []string{"sensitive-path"}, first.Triggers)
	require.Len(t, first.Findings["security"], 1)
	assert.Equal(t, "hardcoded token", first.Findings["security"][0].Description)
	assert.Nil(t, first.Error)

	second := got.Results[1]
	assert.Equal(t, "docs", second.Stage)
	assert.Nil(t, second.SubScore)
	assert.Nil(t, second.Triggers)
	require.NotNil(t, second.Error)
	assert.Equal(t, models.FailureTimeout, second.Error.Kind)
}

func TestAppendStageResult_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s)

	r := &models.StageResult{Stage: "security", Outcome: models.OutcomeSuccess, SubScore: ptr(90)}
	require.NoError(t, s.AppendStageResult(ctx, job.ID, r))

	err := s.AppendStageResult(ctx, job.ID, r)
	assert.ErrorIs(t, err, ErrDuplicateStageResult)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, got.Results, 1)
}

func TestAppendStageResult_ConcurrentWriters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s)

	stages := []string{"lint", "tests", "docs", "license", "deps"}
	var wg sync.WaitGroup
	for _, name := range stages {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			assert.NoError(t, s.AppendStageResult(ctx, job.ID, &models.StageResult{
				Stage: name, Outcome: models.OutcomeSuccess, SubScore: ptr(80),
			}))
		}(name)
	}
	wg.Wait()

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, got.Results, len(stages))
}

func TestAppendStageResult_ClosedJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s)
	require.NoError(t, s.SetStatus(ctx, job.ID, models.JobStatusRunning, ""))
	require.NoError(t, s.SetStatus(ctx, job.ID, models.JobStatusCompleted, ""))

	err := s.AppendStageResult(ctx, job.ID, &models.StageResult{Stage: "late", Outcome: models.OutcomeSuccess})
	assert.ErrorIs(t, err, ErrJobClosed)

	err = s.AppendStageResult(ctx, "missing", &models.StageResult{Stage: "x", Outcome: models.OutcomeSuccess})
	assert.ErrorIs(t, err, ErrJobNotFound)
}

// --- Decision & escalations ---

func TestSetDecision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s)

	d := &models.Decision{
		Score:      ptr(70),
		Verdict:    models.VerdictEscalate,
		Reasons:    []string{"score 70.00 below auto-approve 85.00"},
		ComputedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SetDecision(ctx, job.ID, d))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Decision)
	assert.Equal(t, models.VerdictEscalate, got.Decision.Verdict)
	require.NotNil(t, got.Decision.Score)
	assert.Equal(t, 70.0, *got.Decision.Score)
	assert.Equal(t, d.Reasons, got.Decision.Reasons)
}

func TestAppendEscalation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := newTestJob(t, s)

	e := &models.EscalationEvent{
		JobID:         job.ID,
		Reason:        models.EscalationCritical,
		Stage:         "security",
		Detail:        "critical finding: hardcoded token",
		TargetHandler: "security-team",
	}
	require.NoError(t, s.AppendEscalation(ctx, e))
	assert.NotEmpty(t, e.ID)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got.Escalations, 1)
	assert.Equal(t, models.EscalationCritical, got.Escalations[0].Reason)
	assert.Equal(t, "security-team", got.Escalations[0].TargetHandler)
}

// --- Lineage ---

func TestLineage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	root := newTestJob(t, s)
	child := &models.Job{ParentID: root.ID, Type: models.JobTypeReview}
	require.NoError(t, s.CreateJob(ctx, child))
	grandchild := &models.Job{ParentID: child.ID, Type: models.JobTypeReview}
	require.NoError(t, s.CreateJob(ctx, grandchild))

	for _, id := range []string{root.ID, child.ID, grandchild.ID} {
		chain, err := s.Lineage(ctx, id)
		require.NoError(t, err)
		require.Len(t, chain, 3)
		assert.Equal(t, root.ID, chain[0].ID)
		assert.Equal(t, child.ID, chain[1].ID)
		assert.Equal(t, grandchild.ID, chain[2].ID)
	}

	_, err := s.Lineage(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
