// Package decision aggregates stage results into a score, finds escalation
// triggers and picks the verdict and terminal status for a job.
package decision

import (
	"fmt"
	"strings"
	"time"

	"github.com/joescharf/gauntlet/internal/models"
)

// Input is everything the policy looks at.
type Input struct {
	Plan       *models.StagePlan
	Results    []*models.StageResult
	Thresholds models.Thresholds
	// Cancelled marks a job stopped by the caller before its plan finished.
	Cancelled bool
}

// Evaluation is the outcome of the policy for one job.
type Evaluation struct {
	Decision models.Decision
	Events   []*models.EscalationEvent
	// Failed is set when a required stage failed without escalate-on-failure,
	// or the job was cancelled.
	Failed       bool
	FailedReason string
	// Cause is the status reason recorded with a failed status.
	Cause string
}

// Key identifies an escalation trigger; each is recorded once per job.
type Key struct {
	Reason models.EscalationReason
	Stage  string
}

// KeyOf returns the dedupe key of an event.
func KeyOf(e *models.EscalationEvent) Key { return Key{Reason: e.Reason, Stage: e.Stage} }

// Aggregate returns the weighted mean of the non-null sub-scores, or nil when
// no required stage produced a score.
func Aggregate(plan *models.StagePlan, results []*models.StageResult) *float64 {
	var sum, weights float64
	requiredScored := false
	for _, r := range results {
		if r.SubScore == nil || r.Outcome != models.OutcomeSuccess {
			continue
		}
		spec, ok := plan.Stage(r.Stage)
		if !ok {
			continue
		}
		if spec.Required {
			requiredScored = true
		}
		sum += spec.Weight * *r.SubScore
		weights += spec.Weight
	}
	if !requiredScored || weights == 0 {
		return nil
	}
	s := sum / weights
	return &s
}

// StageEvents returns the triggers one stage result raises: a critical
// finding, a required failure with escalate-on-failure, and tool policy
// triggers. They can be checked as soon as the stage finishes.
func StageEvents(plan *models.StagePlan, spec models.StageSpec, r *models.StageResult) []*models.EscalationEvent {
	target := spec.EscalationTarget
	if target == "" {
		target = plan.EscalationTarget
	}
	event := func(reason models.EscalationReason, detail string) *models.EscalationEvent {
		return &models.EscalationEvent{Reason: reason, Stage: spec.Name, Detail: detail, TargetHandler: target}
	}

	var events []*models.EscalationEvent
	for _, f := range r.AllFindings() {
		if f.Severity == models.SeverityCritical {
			events = append(events, event(models.EscalationCritical, "critical finding: "+f.Description))
			break
		}
	}
	if r.Failed() && spec.Required && spec.EscalateOnFailure && !cancelled(r) {
		detail := "required stage failed"
		if r.Error != nil {
			detail = fmt.Sprintf("required stage failed (%s): %s", r.Error.Kind, r.Error.Message)
		}
		events = append(events, event(models.EscalationStageFailure, detail))
	}
	if len(r.Triggers) > 0 {
		events = append(events, event(models.EscalationPolicyTrigger, "policy trigger: "+strings.Join(r.Triggers, ", ")))
	}
	return events
}

// Evaluate applies the aggregation and escalation policy.
func Evaluate(in Input) Evaluation {
	var ev Evaluation
	seen := make(map[Key]bool)
	add := func(e *models.EscalationEvent) {
		if seen[KeyOf(e)] {
			return
		}
		seen[KeyOf(e)] = true
		ev.Events = append(ev.Events, e)
	}

	if in.Cancelled {
		ev.Failed = true
		ev.Cause = models.ReasonCancelled
		ev.FailedReason = "job cancelled"
	}

	for _, r := range in.Results {
		spec, ok := in.Plan.Stage(r.Stage)
		if !ok {
			continue
		}
		for _, e := range StageEvents(in.Plan, spec, r) {
			add(e)
		}
		if r.Failed() && spec.Required && !spec.EscalateOnFailure && !ev.Failed {
			ev.Failed = true
			ev.Cause = models.ReasonStageFailed
			ev.FailedReason = fmt.Sprintf("required stage %s failed", r.Stage)
			if r.Error != nil {
				ev.FailedReason += fmt.Sprintf(" (%s)", r.Error.Kind)
			}
		}
	}

	th := in.Thresholds
	score := Aggregate(in.Plan, in.Results)
	if score != nil && *score >= th.HardReject && *score < th.AutoApprove {
		add(&models.EscalationEvent{
			Reason:        models.EscalationThreshold,
			Detail:        fmt.Sprintf("score %.2f is below auto-approve %.2f", *score, th.AutoApprove),
			TargetHandler: in.Plan.EscalationTarget,
		})
	}

	d := models.Decision{Score: score, ComputedAt: time.Now().UTC()}
	switch {
	case len(ev.Events) > 0:
		d.Verdict = models.VerdictEscalate
		for _, e := range ev.Events {
			d.Reasons = append(d.Reasons, reasonFor(e))
		}
	case score == nil:
		d.Verdict = models.VerdictNeedsInfo
		d.Reasons = []string{"no required stage produced a score"}
	case *score < th.HardReject:
		d.Verdict = models.VerdictReject
		d.Reasons = []string{fmt.Sprintf("score %.2f is below hard-reject %.2f", *score, th.HardReject)}
	default:
		d.Verdict = models.VerdictApprove
		d.Reasons = []string{fmt.Sprintf("score %.2f meets auto-approve %.2f", *score, th.AutoApprove)}
	}

	// A failed job never gets a clean approve or reject.
	if ev.Failed {
		if d.Verdict == models.VerdictApprove || d.Verdict == models.VerdictReject {
			d.Verdict = models.VerdictNeedsInfo
		}
		d.Reasons = append(d.Reasons, ev.FailedReason)
	}

	ev.Decision = d
	return ev
}

// Status picks the terminal status. Failure wins over escalation.
func Status(ev Evaluation, escalated bool) (models.JobStatus, string) {
	switch {
	case ev.Failed:
		return models.JobStatusFailed, ev.Cause
	case escalated || len(ev.Events) > 0:
		return models.JobStatusEscalated, models.ReasonEscalated
	default:
		return models.JobStatusCompleted, ""
	}
}

// AnyCancelled reports whether cancellation cut any stage short.
func AnyCancelled(results []*models.StageResult) bool {
	for _, r := range results {
		if cancelled(r) {
			return true
		}
	}
	return false
}

func cancelled(r *models.StageResult) bool {
	return r.Error != nil && r.Error.Kind == models.FailureCancelled
}

func reasonFor(e *models.EscalationEvent) string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("%s in %s: %s", e.Reason, e.Stage, e.Detail)
}
