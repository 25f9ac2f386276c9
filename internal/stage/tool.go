// Package stage runs a single stage of a job's plan: it binds the stage to its
// tool, enforces the per-attempt timeout and retries transient failures.
package stage

import (
	"context"
	"errors"
	"sort"

	"github.com/joescharf/gauntlet/internal/models"
)

// Input is what a tool sees of the job.
type Input struct {
	JobID   string
	JobType models.JobType
	Payload models.Payload
	// Prior holds the results recorded before this stage started, by stage name.
	Prior map[string]*models.StageResult
}

// Output is a tool's raw contribution. A nil SubScore means the tool does
// not score.
type Output struct {
	Findings []models.Finding
	SubScore *float64
	Triggers []string
}

// Tool is a capability-tagged stage implementation.
type Tool interface {
	Run(ctx context.Context, in Input, cfg map[string]string) (Output, error)
}

// ToolFunc adapts a function to the Tool interface.
type ToolFunc func(ctx context.Context, in Input, cfg map[string]string) (Output, error)

// Run calls f.
func (f ToolFunc) Run(ctx context.Context, in Input, cfg map[string]string) (Output, error) {
	return f(ctx, in, cfg)
}

// Toolbox maps tool names to implementations.
type Toolbox map[string]Tool

// Has reports whether a tool is registered under name.
func (t Toolbox) Has(name string) bool {
	_, ok := t[name]
	return ok
}

// Names returns the registered tool names, sorted.
func (t Toolbox) Names() []string {
	names := make([]string, 0, len(t))
	for n := range t {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Error is a classified tool failure.
type Error struct {
	Kind models.FailureKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as worth retrying.
func Transient(err error) error { return &Error{Kind: models.FailureTransient, Err: err} }

// Invalid marks err as a validation failure of the tool's output.
func Invalid(err error) error { return &Error{Kind: models.FailureValidation, Err: err} }

// Malformed marks err as a problem with the job payload.
func Malformed(err error) error { return &Error{Kind: models.FailureMalformed, Err: err} }

// Classify maps an error returned by a tool to a failure kind. Unclassified
// errors are permanent tool errors.
func Classify(err error) models.FailureKind {
	var se *Error
	switch {
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return models.FailureTimeout
	case errors.Is(err, context.Canceled):
		return models.FailureCancelled
	default:
		return models.FailureTool
	}
}
