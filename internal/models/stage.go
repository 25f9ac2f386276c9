package models

import "time"

// StageOutcome is the terminal result of one stage.
type StageOutcome string

const (
	OutcomeSuccess StageOutcome = "success"
	OutcomeFailure StageOutcome = "failure"
	OutcomeSkipped StageOutcome = "skipped"
)

// FailureKind classifies why a stage failed.
type FailureKind string

const (
	FailureTimeout       FailureKind = "timeout"
	FailureTransient     FailureKind = "transient-tool-error"
	FailureTool          FailureKind = "tool-error"
	FailureValidation    FailureKind = "validation"
	FailureMalformed     FailureKind = "malformed-input"
	FailureCancelled     FailureKind = "cancelled"
	FailureInternal      FailureKind = "internal"
	FailureShortCircuit  FailureKind = "short-circuit"
	FailureMissingResult FailureKind = "missing-result"
)

// Transient reports whether a failure of this kind may succeed on retry.
func (k FailureKind) Transient() bool {
	return k == FailureTimeout || k == FailureTransient
}

// RetryPolicy bounds how often a stage is attempted.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Backoff     time.Duration `json:"backoff" yaml:"backoff"`
	MaxBackoff  time.Duration `json:"max_backoff,omitempty" yaml:"max_backoff,omitempty"`
}

// StageSpec declares one stage of a plan. Stages sharing a non-empty Group that
// appear next to each other run concurrently as a parallel group.
type StageSpec struct {
	Name              string            `json:"name" yaml:"name"`
	Tool              string            `json:"tool" yaml:"tool"`
	Group             string            `json:"group,omitempty" yaml:"group,omitempty"`
	Timeout           time.Duration     `json:"timeout" yaml:"timeout"`
	Retry             RetryPolicy       `json:"retry" yaml:"retry"`
	Required          bool              `json:"required" yaml:"required"`
	Weight            float64           `json:"weight" yaml:"weight"`
	EscalateOnFailure bool              `json:"escalate_on_failure,omitempty" yaml:"escalate_on_failure,omitempty"`
	Immediate         bool              `json:"immediate,omitempty" yaml:"immediate,omitempty"`
	EscalationTarget  string            `json:"escalation_target,omitempty" yaml:"escalation_target,omitempty"`
	DependsOn         []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Config            map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
}

// Parallel reports whether the stage belongs to a parallel group.
func (s StageSpec) Parallel() bool { return s.Group != "" }

// StagePlan is the ordered stage structure for one job type.
type StagePlan struct {
	JobType          JobType     `json:"job_type" yaml:"job_type"`
	Description      string      `json:"description,omitempty" yaml:"description,omitempty"`
	Stages           []StageSpec `json:"stages" yaml:"stages"`
	Thresholds       Thresholds  `json:"thresholds" yaml:"thresholds"`
	EscalationTarget string      `json:"escalation_target" yaml:"escalation_target"`
}

// Stage returns the spec for the named stage.
func (p *StagePlan) Stage(name string) (StageSpec, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageSpec{}, false
}

// Steps splits the plan into execution steps: a single sequential stage, or a
// run of adjacent stages sharing one group.
func (p *StagePlan) Steps() [][]StageSpec {
	var steps [][]StageSpec
	for i := 0; i < len(p.Stages); {
		s := p.Stages[i]
		if !s.Parallel() {
			steps = append(steps, []StageSpec{s})
			i++
			continue
		}
		j := i
		for j < len(p.Stages) && p.Stages[j].Group == s.Group {
			j++
		}
		steps = append(steps, p.Stages[i:j])
		i = j
	}
	return steps
}

// StageError describes a failed stage.
type StageError struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// StageResult is the terminal record of one stage for one job.
type StageResult struct {
	Stage      string               `json:"stage"`
	Outcome    StageOutcome         `json:"outcome"`
	SubScore   *float64             `json:"sub_score"`
	Findings   map[string][]Finding `json:"findings,omitempty"`
	Triggers   []string             `json:"triggers,omitempty"`
	Attempts   int                  `json:"attempts"`
	Duration   time.Duration        `json:"duration"`
	Error      *StageError          `json:"error,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
}

// Failed reports whether the stage ended in failure.
func (r *StageResult) Failed() bool { return r.Outcome == OutcomeFailure }

// AllFindings flattens findings in kind order.
func (r *StageResult) AllFindings() []Finding {
	var out []Finding
	for _, kind := range sortedKeys(r.Findings) {
		out = append(out, r.Findings[kind]...)
	}
	return out
}

// Skipped builds a skipped result for a stage that never ran.
func Skipped(stage string, reason FailureKind, msg string) *StageResult {
	now := time.Now().UTC()
	return &StageResult{
		Stage:      stage,
		Outcome:    OutcomeSkipped,
		Error:      &StageError{Kind: reason, Message: msg},
		StartedAt:  now,
		FinishedAt: now,
	}
}
