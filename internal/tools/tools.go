// Package tools holds the built-in stage tools: a rule engine, support triage,
// knowledge-base lookup, a response quality heuristic, external commands and a
// model-backed reviewer.
package tools

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/joescharf/gauntlet/internal/config"
	"github.com/joescharf/gauntlet/internal/git"
	"github.com/joescharf/gauntlet/internal/llm"
	"github.com/joescharf/gauntlet/internal/stage"
)

// Tool names used in stage plans.
const (
	NameRules     = "rules"
	NameTriage    = "triage"
	NameKnowledge = "knowledge"
	NameQuality   = "quality"
	NameCommand   = "command"
	NameLLM       = "llm"
)

// Triggers emitted by the built-in tools.
const (
	TriggerUrgent        = "urgent-request"
	TriggerComplex       = "complex-request"
	TriggerKeywordPrefix = "keyword:"
	TriggerModelEscalate = "model-escalation"
)

// repo reads diffs for payloads that reference a git repository.
var repo git.Client = git.NewClient()

// NewToolbox wires every built-in tool from cfg. The llm tool is always
// registered so plan files may reference it; without an API key it fails
// with a tool error.
func NewToolbox(cfg config.Config, logger *slog.Logger) stage.Toolbox {
	var reviewer Reviewer
	if cfg.Anthropic.APIKey != "" {
		reviewer = llm.NewClient(cfg.Anthropic.APIKey, cfg.Anthropic.Model)
	}
	return stage.Toolbox{
		NameRules:     NewRules(cfg.Escalation.Keywords),
		NameTriage:    NewTriage(),
		NameKnowledge: NewKnowledge(DefaultArticles),
		NameQuality:   NewQuality(),
		NameCommand:   NewCommand(cfg.Commands, logger),
		NameLLM:       NewModel(reviewer),
	}
}

var errNoContent = errors.New("payload has no content and ref is neither a readable file nor a git repository")

// payloadText returns the inline content, the file named by Ref, or the diff
// of the git repository at Ref. Metadata "base" and "head" select the diff
// range; both empty means uncommitted changes against HEAD.
func payloadText(ctx context.Context, in stage.Input) (string, error) {
	if in.Payload.Content != "" {
		return in.Payload.Content, nil
	}
	ref := in.Payload.Ref
	if ref == "" {
		return "", stage.Malformed(errNoContent)
	}
	fi, err := os.Stat(ref)
	if err != nil {
		return "", stage.Malformed(errNoContent)
	}
	if fi.Mode().IsRegular() {
		data, err := os.ReadFile(ref) //nolint:gosec // ref names the work under review
		if err != nil {
			return "", stage.Transient(err)
		}
		return string(data), nil
	}
	if fi.IsDir() && git.IsRepo(ctx, ref) {
		diff, err := repo.Diff(ctx, ref, in.Payload.Metadata["base"], in.Payload.Metadata["head"])
		if err != nil {
			return "", stage.Invalid(err)
		}
		return diff, nil
	}
	return "", stage.Malformed(errNoContent)
}

func score(v float64) *float64 { return &v }
