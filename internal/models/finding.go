package models

import (
	"sort"
	"time"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Finding is one observation recorded by a stage.
type Finding struct {
	Kind        string   `json:"kind"`
	Severity    Severity `json:"severity"`
	Category    string   `json:"category"`
	Location    string   `json:"location,omitempty"`
	Description string   `json:"description"`
	Remediation string   `json:"remediation,omitempty"`
}

// GroupFindings indexes findings by kind. Findings without a kind land under "general".
func GroupFindings(findings []Finding) map[string][]Finding {
	if len(findings) == 0 {
		return nil
	}
	out := make(map[string][]Finding)
	for _, f := range findings {
		if f.Kind == "" {
			f.Kind = "general"
		}
		out[f.Kind] = append(out[f.Kind], f)
	}
	return out
}

func sortedKeys(m map[string][]Finding) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Verdict is the aggregated outcome of a job.
type Verdict string

const (
	VerdictApprove   Verdict = "approve"
	VerdictEscalate  Verdict = "escalate"
	VerdictReject    Verdict = "reject"
	VerdictNeedsInfo Verdict = "needs-info"
)

// Decision is the verdict and score derived from a job's stage results.
type Decision struct {
	Score      *float64  `json:"score"`
	Verdict    Verdict   `json:"verdict"`
	Reasons    []string  `json:"reasons"`
	ComputedAt time.Time `json:"computed_at"`
}

// EscalationReason names the trigger that recorded an escalation.
type EscalationReason string

const (
	EscalationThreshold     EscalationReason = "threshold-breach"
	EscalationCritical      EscalationReason = "critical-finding"
	EscalationStageFailure  EscalationReason = "required-stage-failure"
	EscalationPolicyTrigger EscalationReason = "policy-trigger"
)

// EscalationEvent routes a job to a higher-tier handler.
type EscalationEvent struct {
	ID            string           `json:"id"`
	JobID         string           `json:"job_id"`
	Reason        EscalationReason `json:"reason"`
	Stage         string           `json:"stage,omitempty"`
	Detail        string           `json:"detail"`
	TargetHandler string           `json:"target_handler"`
	CreatedAt     time.Time        `json:"created_at"`
}
