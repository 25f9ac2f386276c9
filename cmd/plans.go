package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/gauntlet/internal/logger"
	"github.com/joescharf/gauntlet/internal/models"
	"github.com/joescharf/gauntlet/internal/output"
	"github.com/joescharf/gauntlet/internal/pipeline"
	"github.com/joescharf/gauntlet/internal/tools"
)

var plansCmd = &cobra.Command{
	Use:   "plans [job-type]",
	Short: "Show the stage plan for each job type",
	Long: `Show the stage plans built from the current configuration, including any
overrides from plan_file. Stages sharing a group run in parallel.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := ""
		if len(args) == 1 {
			filter = args[0]
		}
		return plansRun(filter)
	},
}

func init() {
	rootCmd.AddCommand(plansCmd)
}

func plansRun(filter string) error {
	cfg := loadConfig()
	plans, err := pipeline.Load(cfg)
	if err != nil {
		return err
	}
	reg, err := pipeline.New(tools.NewToolbox(cfg, logger.Discard()), plans...)
	if err != nil {
		return err
	}

	if filter != "" {
		p, err := reg.PlanFor(models.JobType(filter))
		if err != nil {
			return err
		}
		printPlan(*p)
		return nil
	}

	for i, p := range reg.Plans() {
		if i > 0 {
			fmt.Fprintln(ui.Out)
		}
		printPlan(p)
	}
	return nil
}

func printPlan(p models.StagePlan) {
	fmt.Fprintf(ui.Out, "%s  approve >= %g, reject < %g, escalate to %s\n",
		output.Cyan(string(p.JobType)), p.Thresholds.AutoApprove, p.Thresholds.HardReject, p.EscalationTarget)
	if p.Description != "" {
		fmt.Fprintf(ui.Out, "  %s\n", p.Description)
	}

	table := ui.Table([]string{"Stage", "Tool", "Group", "Required", "Weight", "Timeout", "Attempts", "Flags"})
	for _, s := range p.Stages {
		var flags []string
		if s.EscalateOnFailure {
			flags = append(flags, "escalate-on-failure")
		}
		if s.Immediate {
			flags = append(flags, "immediate")
		}
		if len(s.DependsOn) > 0 {
			flags = append(flags, "after "+strings.Join(s.DependsOn, ","))
		}
		_ = table.Append([]string{
			s.Name, s.Tool, s.Group, fmt.Sprint(s.Required), fmt.Sprintf("%g", s.Weight),
			s.Timeout.String(), fmt.Sprint(s.Retry.MaxAttempts), strings.Join(flags, " "),
		})
	}
	_ = table.Render()
}
