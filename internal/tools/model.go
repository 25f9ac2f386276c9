package tools

import (
	"context"
	"errors"

	"github.com/joescharf/gauntlet/internal/llm"
	"github.com/joescharf/gauntlet/internal/models"
	"github.com/joescharf/gauntlet/internal/stage"
)

// Reviewer is the model client used by the llm tool.
type Reviewer interface {
	Review(ctx context.Context, req llm.ReviewRequest) (*llm.ReviewResult, error)
}

// Model asks a language model to score the payload.
type Model struct {
	reviewer Reviewer
}

// NewModel returns the llm tool. A nil reviewer makes every run fail.
func NewModel(r Reviewer) *Model { return &Model{reviewer: r} }

var errNoReviewer = errors.New("anthropic.api_key is not configured")

// Run implements stage.Tool. cfg["focus"] narrows the review.
func (m *Model) Run(ctx context.Context, in stage.Input, cfg map[string]string) (stage.Output, error) {
	if m.reviewer == nil {
		return stage.Output{}, errNoReviewer
	}
	text, err := payloadText(ctx, in)
	if err != nil {
		return stage.Output{}, err
	}

	res, err := m.reviewer.Review(ctx, llm.ReviewRequest{
		JobType:  string(in.JobType),
		Focus:    cfg["focus"],
		Ref:      in.Payload.Ref,
		Content:  text,
		Metadata: in.Payload.Metadata,
	})
	if err != nil {
		if llm.IsTransient(err) {
			return stage.Output{}, stage.Transient(err)
		}
		if ctx.Err() != nil {
			return stage.Output{}, ctx.Err()
		}
		return stage.Output{}, err
	}

	out := stage.Output{SubScore: score(res.Score)}
	for _, f := range res.Findings {
		out.Findings = append(out.Findings, models.Finding{
			Kind:        orDefault(f.Kind, "model"),
			Severity:    normalizeSeverity(f.Severity),
			Category:    f.Category,
			Location:    f.Location,
			Description: f.Description,
			Remediation: f.Remediation,
		})
	}
	if res.Summary != "" {
		out.Findings = append(out.Findings, models.Finding{
			Kind: "model", Severity: models.SeverityInfo, Category: "summary", Description: res.Summary,
		})
	}
	if res.Escalate {
		out.Triggers = append(out.Triggers, TriggerModelEscalate)
	}
	return out, nil
}

func normalizeSeverity(s string) models.Severity {
	switch models.Severity(s) {
	case models.SeverityInfo, models.SeverityWarning, models.SeverityError, models.SeverityCritical:
		return models.Severity(s)
	}
	return models.SeverityWarning
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
