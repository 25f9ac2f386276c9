package store

import (
	"context"
	"errors"

	"github.com/joescharf/gauntlet/internal/models"
)

var (
	// ErrJobNotFound is returned when no job exists for an ID.
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateStageResult is returned on a second write for the same (job, stage).
	ErrDuplicateStageResult = errors.New("duplicate stage result")
	// ErrInvalidTransition is returned when a status change breaks the lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrJobClosed is returned when writing to a job that reached a terminal status.
	ErrJobClosed = errors.New("job is closed")
)

// Store defines the persistence interface for jobs.
// Records are append-only apart from the status fields and the cached decision.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobsByStatus(ctx context.Context, statuses []models.JobStatus, limit int) ([]*models.Job, error)
	SetStatus(ctx context.Context, id string, to models.JobStatus, reason string) error
	SetDecision(ctx context.Context, id string, d *models.Decision) error
	Lineage(ctx context.Context, id string) ([]*models.Job, error)
	StatusCounts(ctx context.Context) (map[models.JobStatus]int, error)

	// Stage results
	AppendStageResult(ctx context.Context, jobID string, result *models.StageResult) error

	// Escalations
	AppendEscalation(ctx context.Context, event *models.EscalationEvent) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
