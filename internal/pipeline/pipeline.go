// Package pipeline holds the stage plans for every job type. Plans are
// validated once when the registry is built and are read-only afterwards.
package pipeline

import (
	"errors"
	"fmt"
	"sort"

	"github.com/joescharf/gauntlet/internal/models"
)

var (
	ErrUnknownJobType    = errors.New("unknown job type")
	ErrNoStages          = errors.New("plan must have at least one stage")
	ErrStageMissingName  = errors.New("stage name is required")
	ErrDuplicateStage    = errors.New("duplicate stage name")
	ErrUnknownTool       = errors.New("unknown tool")
	ErrNegativeWeight    = errors.New("stage weight must not be negative")
	ErrSplitGroup        = errors.New("parallel group members must be adjacent")
	ErrGroupDependency   = errors.New("parallel group members may not depend on each other")
	ErrInvalidDependency = errors.New("stage may only depend on earlier stages")
	ErrInvalidThresholds = errors.New("invalid thresholds")
	ErrDuplicatePlan     = errors.New("duplicate plan for job type")
)

// ToolSet reports which tool names can be bound to stages.
type ToolSet interface {
	Has(name string) bool
}

// Registry maps job types to their stage plans.
type Registry struct {
	plans map[models.JobType]*models.StagePlan
}

// New validates plans and builds a registry. A job type may appear once.
func New(tools ToolSet, plans ...models.StagePlan) (*Registry, error) {
	r := &Registry{plans: make(map[models.JobType]*models.StagePlan, len(plans))}
	for i := range plans {
		p := clonePlan(&plans[i])
		if err := Validate(p, tools); err != nil {
			return nil, fmt.Errorf("plan %s: %w", p.JobType, err)
		}
		if _, dup := r.plans[p.JobType]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePlan, p.JobType)
		}
		r.plans[p.JobType] = p
	}
	return r, nil
}

// PlanFor returns a copy of the plan for jobType.
func (r *Registry) PlanFor(jobType models.JobType) (*models.StagePlan, error) {
	p, ok := r.plans[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	return clonePlan(p), nil
}

// Plans returns copies of every plan ordered by job type.
func (r *Registry) Plans() []models.StagePlan {
	out := make([]models.StagePlan, 0, len(r.plans))
	for _, p := range r.plans {
		out = append(out, *clonePlan(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobType < out[j].JobType })
	return out
}

// Validate checks a plan for structural correctness.
func Validate(p *models.StagePlan, tools ToolSet) error {
	if !knownJobType(p.JobType) {
		return fmt.Errorf("%w: %q", ErrUnknownJobType, p.JobType)
	}
	if len(p.Stages) == 0 {
		return ErrNoStages
	}
	t := p.Thresholds
	if t.HardReject < 0 || t.AutoApprove > 100 || t.HardReject > t.AutoApprove {
		return fmt.Errorf("%w: hard_reject %.2f, auto_approve %.2f", ErrInvalidThresholds, t.HardReject, t.AutoApprove)
	}

	index := make(map[string]int, len(p.Stages))
	closedGroups := make(map[string]bool)
	for i, s := range p.Stages {
		if s.Name == "" {
			return fmt.Errorf("stage %d: %w", i, ErrStageMissingName)
		}
		if _, dup := index[s.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateStage, s.Name)
		}
		if tools != nil && !tools.Has(s.Tool) {
			return fmt.Errorf("stage %s: %w: %q", s.Name, ErrUnknownTool, s.Tool)
		}
		if s.Weight < 0 {
			return fmt.Errorf("stage %s: %w", s.Name, ErrNegativeWeight)
		}

		if s.Group != "" {
			if closedGroups[s.Group] {
				return fmt.Errorf("stage %s: %w: %s", s.Name, ErrSplitGroup, s.Group)
			}
			if i+1 >= len(p.Stages) || p.Stages[i+1].Group != s.Group {
				closedGroups[s.Group] = true
			}
		}

		for _, dep := range s.DependsOn {
			j, ok := index[dep]
			if !ok {
				return fmt.Errorf("stage %s depends on %q: %w", s.Name, dep, ErrInvalidDependency)
			}
			if s.Group != "" && p.Stages[j].Group == s.Group {
				return fmt.Errorf("stage %s depends on %q: %w", s.Name, dep, ErrGroupDependency)
			}
		}
		index[s.Name] = i
	}
	return nil
}

func knownJobType(jt models.JobType) bool {
	for _, t := range models.JobTypes {
		if t == jt {
			return true
		}
	}
	return false
}

func clonePlan(p *models.StagePlan) *models.StagePlan {
	c := *p
	c.Stages = make([]models.StageSpec, len(p.Stages))
	for i, s := range p.Stages {
		if s.DependsOn != nil {
			s.DependsOn = append([]string(nil), s.DependsOn...)
		}
		if s.Config != nil {
			cfg := make(map[string]string, len(s.Config))
			for k, v := range s.Config {
				cfg[k] = v
			}
			s.Config = cfg
		}
		c.Stages[i] = s
	}
	return &c
}
