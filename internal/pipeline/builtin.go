package pipeline

import (
	"github.com/joescharf/gauntlet/internal/config"
	"github.com/joescharf/gauntlet/internal/models"
	"github.com/joescharf/gauntlet/internal/tools"
)

// Builtin returns the default plan for every job type, built from cfg.
// The model-backed stages are only included when an Anthropic key is configured.
func Builtin(cfg config.Config) []models.StagePlan {
	b := builder{cfg: cfg}
	withModel := cfg.Anthropic.APIKey != ""

	lint := b.stage("lint", tools.NameRules, true, 1, map[string]string{"ruleset": "lint"})
	checks := b.group("checks",
		b.escalating(b.stage("security", tools.NameRules, true, 2, map[string]string{"ruleset": "security"})),
		b.slow(b.stage("tests", tools.NameCommand, false, 1, nil)),
		b.stage("docs", tools.NameRules, false, 0.5, map[string]string{"ruleset": "docs"}),
	)
	review := b.plan(models.JobTypeReview, "Code review: lint gate, parallel checks, optional model review",
		append([]models.StageSpec{lint}, checks...)...)
	if withModel {
		review.Stages = append(review.Stages, b.stage("model-review", tools.NameLLM, false, 1, map[string]string{"focus": "correctness"}))
	}

	support := b.plan(models.JobTypeSupportSession, "Support conversation: triage, escalation policy, knowledge lookup, quality",
		b.immediate(b.manager(b.stage("triage", tools.NameTriage, true, 0, nil))),
		b.immediate(b.stage("escalation-policy", tools.NameRules, true, 0, map[string]string{"ruleset": "escalation"})),
		b.stage("knowledge", tools.NameKnowledge, true, 2, nil),
		b.stage("quality", tools.NameQuality, false, 1, nil),
	)

	content := b.plan(models.JobTypeContentProject, "Content project: parallel style, docs and security passes",
		b.group("review",
			b.stage("style", tools.NameRules, true, 1, map[string]string{"ruleset": "lint"}),
			b.stage("docs", tools.NameRules, true, 1, map[string]string{"ruleset": "docs"}),
			b.escalating(b.stage("security", tools.NameRules, true, 1, map[string]string{"ruleset": "security"})),
		)...,
	)
	if withModel {
		content.Stages = append(content.Stages, b.stage("editorial", tools.NameLLM, false, 1, map[string]string{"focus": "clarity"}))
	}

	document := b.plan(models.JobTypeDocument, "Document: documentation rules, security scan, quality",
		b.stage("docs", tools.NameRules, true, 2, map[string]string{"ruleset": "docs"}),
		b.escalating(b.stage("security", tools.NameRules, true, 1, map[string]string{"ruleset": "security"})),
		b.stage("quality", tools.NameQuality, false, 1, nil),
	)

	analysis := b.plan(models.JobTypeAnalysis, "Analysis: external checks then security scan",
		b.slow(b.stage("checks", tools.NameCommand, true, 2, nil)),
		b.escalating(b.stage("security", tools.NameRules, true, 1, map[string]string{"ruleset": "security"})),
	)
	if withModel {
		analysis.Stages = append(analysis.Stages, b.stage("summary", tools.NameLLM, false, 1, map[string]string{"focus": "findings"}))
	}

	return []models.StagePlan{review, support, content, document, analysis}
}

type builder struct {
	cfg config.Config
}

func (b builder) plan(jt models.JobType, desc string, stages ...models.StageSpec) models.StagePlan {
	return models.StagePlan{
		JobType:          jt,
		Description:      desc,
		Stages:           stages,
		Thresholds:       b.cfg.ThresholdsFor(jt),
		EscalationTarget: b.cfg.Escalation.Target,
	}
}

func (b builder) stage(name, tool string, required bool, weight float64, cfg map[string]string) models.StageSpec {
	return models.StageSpec{
		Name:     name,
		Tool:     tool,
		Timeout:  b.cfg.Coordinator.StageTimeout,
		Required: required,
		Weight:   weight,
		Retry: models.RetryPolicy{
			MaxAttempts: b.cfg.Coordinator.MaxAttempts,
			Backoff:     b.cfg.Coordinator.Backoff,
			MaxBackoff:  b.cfg.Coordinator.MaxBackoff,
		},
		EscalationTarget: b.cfg.Escalation.Target,
		Config:           cfg,
	}
}

func (b builder) group(name string, stages ...models.StageSpec) []models.StageSpec {
	for i := range stages {
		stages[i].Group = name
	}
	return stages
}

func (b builder) escalating(s models.StageSpec) models.StageSpec {
	s.EscalateOnFailure = true
	s.Immediate = true
	return s
}

func (b builder) immediate(s models.StageSpec) models.StageSpec {
	s.Immediate = true
	return s
}

func (b builder) manager(s models.StageSpec) models.StageSpec {
	s.EscalationTarget = b.cfg.Escalation.ManagerTarget
	return s
}

// slow gives external command stages a longer budget and no retries.
func (b builder) slow(s models.StageSpec) models.StageSpec {
	s.Timeout = 4 * b.cfg.Coordinator.StageTimeout
	s.Retry.MaxAttempts = 1
	return s
}
