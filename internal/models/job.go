package models

import "time"

// JobType selects the stage plan a job runs through.
type JobType string

const (
	JobTypeReview         JobType = "review"
	JobTypeSupportSession JobType = "support-session"
	JobTypeContentProject JobType = "content-project"
	JobTypeDocument       JobType = "document"
	JobTypeAnalysis       JobType = "analysis"
)

// JobTypes lists every job type in display order.
var JobTypes = []JobType{
	JobTypeReview,
	JobTypeSupportSession,
	JobTypeContentProject,
	JobTypeDocument,
	JobTypeAnalysis,
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusEscalated JobStatus = "escalated"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusEscalated, JobStatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from one status to another.
// The only edges are pending -> running -> {completed, escalated, failed}.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusRunning
	case JobStatusRunning:
		return to.Terminal()
	}
	return false
}

// Priority is a scheduling hint for waiting jobs.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities; higher runs first. Unknown values rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// Status reasons recorded alongside terminal statuses.
const (
	ReasonCancelled     = "cancelled"
	ReasonInternalError = "internal-error"
	ReasonStageFailed   = "required-stage-failed"
	ReasonEscalated     = "escalated"
)

// Payload references the unit of work under review. Content is optional inline
// text; tools that need files resolve Ref themselves.
type Payload struct {
	Ref      string            `json:"ref"`
	Content  string            `json:"content,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Thresholds drive score-based verdicts. Scores at or above AutoApprove are
// approved; scores below HardReject are rejected; anything between escalates.
type Thresholds struct {
	AutoApprove float64 `json:"auto_approve" yaml:"auto_approve"`
	HardReject  float64 `json:"hard_reject" yaml:"hard_reject"`
}

// Job is one submitted unit of work moving through its stage plan.
type Job struct {
	ID           string             `json:"id"`
	ParentID     string             `json:"parent_id,omitempty"`
	Type         JobType            `json:"type"`
	Status       JobStatus          `json:"status"`
	StatusReason string             `json:"status_reason,omitempty"`
	Priority     Priority           `json:"priority"`
	Payload      Payload            `json:"payload"`
	Thresholds   Thresholds         `json:"thresholds"`
	Plan         StagePlan          `json:"plan"`
	Deadline     *time.Time         `json:"deadline,omitempty"`
	Results      []*StageResult     `json:"results"`
	Decision     *Decision          `json:"decision,omitempty"`
	Escalations  []*EscalationEvent `json:"escalations"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
}

// Result returns the recorded result for the named stage, or nil.
func (j *Job) Result(stage string) *StageResult {
	for _, r := range j.Results {
		if r.Stage == stage {
			return r
		}
	}
	return nil
}
