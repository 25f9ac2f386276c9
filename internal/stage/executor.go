package stage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/joescharf/gauntlet/internal/models"
)

// TriggerSlowResponse is recorded on a stage that took longer than the
// configured maximum response time.
const TriggerSlowResponse = "slow-response"

// Observer receives one call per finished stage.
type Observer interface {
	ObserveStage(stage string, outcome models.StageOutcome, kind models.FailureKind, attempts int, d time.Duration)
}

// Executor runs stages against a toolbox. Execute never panics and never
// returns an error: every failure becomes a StageResult.
type Executor struct {
	tools           Toolbox
	logger          *slog.Logger
	observer        Observer
	maxResponseTime time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithObserver reports finished stages to o.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithMaxResponseTime records TriggerSlowResponse on stages slower than d.
func WithMaxResponseTime(d time.Duration) Option {
	return func(e *Executor) { e.maxResponseTime = d }
}

// NewExecutor creates an Executor.
func NewExecutor(tools Toolbox, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{tools: tools, logger: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Tools returns the executor's toolbox.
func (e *Executor) Tools() Toolbox { return e.tools }

// Execute runs one stage to a terminal result.
func (e *Executor) Execute(ctx context.Context, spec models.StageSpec, in Input) *models.StageResult {
	started := time.Now().UTC()
	res := &models.StageResult{Stage: spec.Name, StartedAt: started}

	log := e.logger.With("job_id", in.JobID, "stage", spec.Name, "tool", spec.Tool)

	tool, ok := e.tools[spec.Tool]
	if !ok {
		e.fail(res, models.FailureInternal, fmt.Sprintf("no tool registered as %q", spec.Tool))
		return e.finish(res, spec, log)
	}

	var (
		out      Output
		lastErr  error
		lastTime time.Duration
	)
	op := func() (struct{}, error) {
		res.Attempts++
		t0 := time.Now()
		o, err := e.attempt(ctx, tool, spec, in)
		lastTime = time.Since(t0)
		lastErr = err
		if err == nil {
			out = o
			return struct{}{}, nil
		}
		kind := Classify(err)
		log.Debug("stage attempt failed", "attempt", res.Attempts, "kind", kind, "error", err)
		if !kind.Transient() || ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	maxTries := spec.Retry.MaxAttempts
	if maxTries < 1 {
		maxTries = 1
	}
	_, _ = backoff.Retry(ctx, op,
		backoff.WithBackOff(newBackOff(spec.Retry)),
		backoff.WithMaxTries(uint(maxTries)),
	)
	res.Duration = lastTime

	switch {
	case ctx.Err() != nil && (lastErr != nil || res.Attempts == 0):
		e.fail(res, models.FailureCancelled, context.Cause(ctx).Error())
	case lastErr != nil:
		e.fail(res, Classify(lastErr), lastErr.Error())
	default:
		if err := validateOutput(out); err != nil {
			e.fail(res, models.FailureValidation, err.Error())
			break
		}
		res.Outcome = models.OutcomeSuccess
		res.SubScore = out.SubScore
		res.Findings = models.GroupFindings(out.Findings)
		res.Triggers = append(res.Triggers, out.Triggers...)
	}

	return e.finish(res, spec, log)
}

// attempt runs the tool once under the stage timeout. A result that arrives
// after the deadline is discarded.
func (e *Executor) attempt(ctx context.Context, tool Tool, spec models.StageSpec, in Input) (Output, error) {
	actx, cancel := ctx, context.CancelFunc(func() {})
	if spec.Timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, spec.Timeout)
	}
	defer cancel()

	type result struct {
		out Output
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: &Error{Kind: models.FailureInternal, Err: fmt.Errorf("tool panicked: %v", r)}}
			}
		}()
		o, err := tool.Run(actx, in, spec.Config)
		ch <- result{out: o, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && ctx.Err() != nil {
			return Output{}, &Error{Kind: models.FailureCancelled, Err: ctx.Err()}
		}
		return r.out, r.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return Output{}, &Error{Kind: models.FailureCancelled, Err: ctx.Err()}
		}
		return Output{}, &Error{Kind: models.FailureTimeout, Err: fmt.Errorf("no result within %s", spec.Timeout)}
	}
}

func (e *Executor) fail(res *models.StageResult, kind models.FailureKind, msg string) {
	res.Outcome = models.OutcomeFailure
	res.SubScore = nil
	res.Error = &models.StageError{Kind: kind, Message: msg}
}

func (e *Executor) finish(res *models.StageResult, spec models.StageSpec, log *slog.Logger) *models.StageResult {
	res.FinishedAt = time.Now().UTC()
	if e.maxResponseTime > 0 && res.FinishedAt.Sub(res.StartedAt) > e.maxResponseTime {
		res.Triggers = append(res.Triggers, TriggerSlowResponse)
	}

	var kind models.FailureKind
	if res.Error != nil {
		kind = res.Error.Kind
		log.Warn("stage failed", "kind", kind, "attempts", res.Attempts, "error", res.Error.Message)
	} else {
		log.Debug("stage finished", "attempts", res.Attempts, "duration", res.Duration)
	}
	if e.observer != nil {
		e.observer.ObserveStage(spec.Name, res.Outcome, kind, res.Attempts, res.Duration)
	}
	return res
}

func newBackOff(p models.RetryPolicy) backoff.BackOff {
	if p.Backoff <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Backoff
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	return b
}

func validateOutput(out Output) error {
	if out.SubScore != nil && (*out.SubScore < 0 || *out.SubScore > 100) {
		return fmt.Errorf("sub-score %.2f outside [0, 100]", *out.SubScore)
	}
	for i, f := range out.Findings {
		switch f.Severity {
		case models.SeverityInfo, models.SeverityWarning, models.SeverityError, models.SeverityCritical:
		default:
			return fmt.Errorf("finding %d: unknown severity %q", i, f.Severity)
		}
	}
	return nil
}
