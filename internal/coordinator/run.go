package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joescharf/gauntlet/internal/decision"
	"github.com/joescharf/gauntlet/internal/models"
	"github.com/joescharf/gauntlet/internal/notify"
	"github.com/joescharf/gauntlet/internal/stage"
)

// execute drives one job from pending to a terminal status. A panic fails
// only this job.
func (c *Coordinator) execute(r *run) {
	defer c.release(r)

	job := r.job
	log := c.logger.With("job_id", job.ID, "job_type", job.Type)

	// Store writes must land even after the run context is cancelled.
	ctx := context.WithoutCancel(r.ctx)

	if job.Status == models.JobStatusPending {
		if err := c.store.SetStatus(ctx, job.ID, models.JobStatusRunning, ""); err != nil {
			log.Error("start job", "error", err)
			return
		}
		job.Status = models.JobStatusRunning
		c.notify(job, notify.KindRunning, "")
	}
	if c.recorder != nil {
		c.recorder.JobStarted()
	}
	log.Info("job running", "stages", len(job.Plan.Stages), "recorded", len(job.Results))

	defer func() {
		if p := recover(); p != nil {
			log.Error("job run panicked", "panic", p, "stack", string(debug.Stack()))
			c.failInternal(ctx, r, fmt.Sprintf("panic: %v", p))
		}
	}()

	c.runPlan(r, log)
	c.finalize(ctx, r, log)
}

// runPlan executes the plan step by step. A failed required stage skips every
// later stage; cancellation skips every stage not yet started.
func (c *Coordinator) runPlan(r *run, log *slog.Logger) {
	job := r.job
	var stopped string

	for _, step := range job.Plan.Steps() {
		var todo []models.StageSpec
		for _, spec := range step {
			if job.Result(spec.Name) == nil {
				todo = append(todo, spec)
			}
		}
		if len(todo) == 0 {
			stopped = firstRequiredFailure(job, step, stopped)
			continue
		}

		switch {
		case r.ctx.Err() != nil:
			for _, spec := range todo {
				c.record(r, spec, models.Skipped(spec.Name, models.FailureCancelled, "job cancelled"), log)
			}
			continue
		case stopped != "":
			for _, spec := range todo {
				c.record(r, spec, models.Skipped(spec.Name, models.FailureShortCircuit,
					fmt.Sprintf("required stage %s failed", stopped)), log)
			}
			continue
		}

		if len(todo) == 1 && !todo[0].Parallel() {
			spec := todo[0]
			c.record(r, spec, c.runStage(r, spec, c.priorResults(r)), log)
		} else {
			c.runGroup(r, todo, log)
		}
		stopped = firstRequiredFailure(job, step, stopped)
	}
}

// runGroup runs the members of a parallel group on the bounded pool and
// records their results in declared order once every member is terminal.
func (c *Coordinator) runGroup(r *run, specs []models.StageSpec, log *slog.Logger) {
	prior := c.priorResults(r)
	results := make([]*models.StageResult, len(specs))

	var g errgroup.Group
	g.SetLimit(c.cfg.ParallelPool)
	for i, spec := range specs {
		g.Go(func() error {
			results[i] = c.runStage(r, spec, prior)
			c.checkImmediate(r, spec, results[i], log)
			return nil
		})
	}
	_ = g.Wait()

	for i, spec := range specs {
		c.append(r, spec, results[i], log)
	}
}

// runStage executes one stage, or records a missing-result failure when a
// dependency did not succeed.
func (c *Coordinator) runStage(r *run, spec models.StageSpec, prior map[string]*models.StageResult) *models.StageResult {
	for _, dep := range spec.DependsOn {
		if res, ok := prior[dep]; !ok || res.Outcome != models.OutcomeSuccess {
			now := time.Now().UTC()
			return &models.StageResult{
				Stage:      spec.Name,
				Outcome:    models.OutcomeFailure,
				Error:      &models.StageError{Kind: models.FailureMissingResult, Message: fmt.Sprintf("dependency %s has no successful result", dep)},
				StartedAt:  now,
				FinishedAt: now,
			}
		}
	}
	return c.exec.Execute(r.ctx, spec, stage.Input{
		JobID:   r.job.ID,
		JobType: r.job.Type,
		Payload: r.job.Payload,
		Prior:   prior,
	})
}

// record stores a sequential stage's result and applies immediate triggers.
func (c *Coordinator) record(r *run, spec models.StageSpec, res *models.StageResult, log *slog.Logger) {
	c.checkImmediate(r, spec, res, log)
	c.append(r, spec, res, log)
}

func (c *Coordinator) append(r *run, spec models.StageSpec, res *models.StageResult, log *slog.Logger) {
	if err := c.store.AppendStageResult(context.WithoutCancel(r.ctx), r.job.ID, res); err != nil {
		log.Error("record stage result", "stage", spec.Name, "error", err)
	}
	r.mu.Lock()
	r.job.Results = append(r.job.Results, res)
	r.mu.Unlock()
}

// checkImmediate records the escalation triggers of an immediate-escalation
// stage as soon as it finishes and publishes an interim event.
func (c *Coordinator) checkImmediate(r *run, spec models.StageSpec, res *models.StageResult, log *slog.Logger) {
	if !spec.Immediate {
		return
	}
	for _, e := range decision.StageEvents(&r.job.Plan, spec, res) {
		c.escalate(r, e, true, log)
	}
}

// escalate persists e unless an event with the same (reason, stage) exists.
// Interim events are also published as they happen.
func (c *Coordinator) escalate(r *run, e *models.EscalationEvent, interim bool, log *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := decision.KeyOf(e)
	if r.seen[key] {
		return
	}
	r.seen[key] = true

	e.JobID = r.job.ID
	if err := c.store.AppendEscalation(context.WithoutCancel(r.ctx), e); err != nil {
		log.Error("record escalation", "reason", e.Reason, "stage", e.Stage, "error", err)
		return
	}
	r.job.Escalations = append(r.job.Escalations, e)
	if c.recorder != nil {
		c.recorder.Escalation(e.Reason)
	}
	log.Info("job escalation", "reason", e.Reason, "stage", e.Stage, "target", e.TargetHandler)
	if interim {
		c.notify(r.job, notify.KindEscalation, e.Detail)
	}
}

// finalize evaluates the decision and writes the terminal status.
func (c *Coordinator) finalize(ctx context.Context, r *run, log *slog.Logger) {
	job := r.job
	ev := decision.Evaluate(decision.Input{
		Plan:       &job.Plan,
		Results:    job.Results,
		Thresholds: job.Thresholds,
		Cancelled:  r.cancelled.Load() && decision.AnyCancelled(job.Results),
	})
	for _, e := range ev.Events {
		c.escalate(r, e, false, log)
	}

	status, reason := decision.Status(ev, len(job.Escalations) > 0)
	if err := c.store.SetDecision(ctx, job.ID, &ev.Decision); err != nil {
		log.Error("record decision", "error", err)
	}
	if err := c.store.SetStatus(ctx, job.ID, status, reason); err != nil {
		log.Error("finish job", "status", status, "error", err)
		return
	}
	job.Decision = &ev.Decision
	job.Status = status
	job.StatusReason = reason

	c.finished(job)
	log.Info("job finished", "status", status, "reason", reason, "verdict", ev.Decision.Verdict, "score", scoreAttr(ev.Decision.Score))
}

// failInternal fails a job whose run broke down outside any stage.
func (c *Coordinator) failInternal(ctx context.Context, r *run, msg string) {
	job := r.job
	d := &models.Decision{
		Verdict:    models.VerdictNeedsInfo,
		Reasons:    []string{"internal error: " + msg},
		ComputedAt: time.Now().UTC(),
	}
	if err := c.store.SetDecision(ctx, job.ID, d); err != nil {
		c.logger.Error("record decision", "job_id", job.ID, "error", err)
	}
	if err := c.store.SetStatus(ctx, job.ID, models.JobStatusFailed, models.ReasonInternalError); err != nil {
		c.logger.Error("fail job", "job_id", job.ID, "error", err)
		return
	}
	job.Decision = d
	job.Status = models.JobStatusFailed
	job.StatusReason = models.ReasonInternalError
	c.finished(job)
}

func (c *Coordinator) finished(job *models.Job) {
	if c.recorder != nil {
		c.recorder.JobFinished(job.Type, job.Status)
	}
	c.notify(job, notify.TerminalKind(job.Status), "")
}

// priorResults snapshots the results recorded so far.
func (c *Coordinator) priorResults(r *run) map[string]*models.StageResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	prior := make(map[string]*models.StageResult, len(r.job.Results))
	for _, res := range r.job.Results {
		prior[res.Stage] = res
	}
	return prior
}

// firstRequiredFailure returns stopped, or the first required stage of step
// that failed.
func firstRequiredFailure(job *models.Job, step []models.StageSpec, stopped string) string {
	if stopped != "" {
		return stopped
	}
	for _, spec := range step {
		if res := job.Result(spec.Name); res != nil && spec.Required && res.Failed() {
			return spec.Name
		}
	}
	return ""
}

func scoreAttr(s *float64) any {
	if s == nil {
		return nil
	}
	return *s
}
