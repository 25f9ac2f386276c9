package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/joescharf/gauntlet/internal/config"
	"github.com/joescharf/gauntlet/internal/models"
)

// planFile is the on-disk layout of a plan override file.
type planFile struct {
	Plans []models.StagePlan `yaml:"plans"`
}

// LoadFile reads stage plans from a YAML file. Unset thresholds, timeouts,
// retry policies and escalation targets are filled in from cfg.
func LoadFile(path string, cfg config.Config) ([]models.StagePlan, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("read plan file %s: %w", path, err)
	}

	var f planFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse plan file %s: %w", path, err)
	}

	for i := range f.Plans {
		applyDefaults(&f.Plans[i], cfg)
	}
	return f.Plans, nil
}

// Merge replaces base plans with overrides of the same job type and appends
// the rest.
func Merge(base, overrides []models.StagePlan) []models.StagePlan {
	out := make([]models.StagePlan, 0, len(base)+len(overrides))
	replaced := make(map[models.JobType]bool, len(overrides))
	for _, o := range overrides {
		replaced[o.JobType] = true
	}
	for _, p := range base {
		if !replaced[p.JobType] {
			out = append(out, p)
		}
	}
	return append(out, overrides...)
}

// Load builds the plan set for cfg: the built-in plans, overridden by the
// configured plan file if any.
func Load(cfg config.Config) ([]models.StagePlan, error) {
	plans := Builtin(cfg)
	if cfg.PlanFile == "" {
		return plans, nil
	}
	overrides, err := LoadFile(cfg.PlanFile, cfg)
	if err != nil {
		return nil, err
	}
	return Merge(plans, overrides), nil
}

func applyDefaults(p *models.StagePlan, cfg config.Config) {
	if p.Thresholds == (models.Thresholds{}) {
		p.Thresholds = cfg.ThresholdsFor(p.JobType)
	}
	if p.EscalationTarget == "" {
		p.EscalationTarget = cfg.Escalation.Target
	}
	for i := range p.Stages {
		s := &p.Stages[i]
		if s.Timeout == 0 {
			s.Timeout = cfg.Coordinator.StageTimeout
		}
		if s.Retry.MaxAttempts == 0 {
			s.Retry = models.RetryPolicy{
				MaxAttempts: cfg.Coordinator.MaxAttempts,
				Backoff:     cfg.Coordinator.Backoff,
				MaxBackoff:  cfg.Coordinator.MaxBackoff,
			}
		}
		if s.EscalationTarget == "" {
			s.EscalationTarget = p.EscalationTarget
		}
	}
}
