package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/joescharf/gauntlet/internal/coordinator"
	"github.com/joescharf/gauntlet/internal/models"
	"github.com/joescharf/gauntlet/internal/output"
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show job status or a server overview",
	Long: `Show detailed status for one job, or an overview of all jobs.

Without arguments, shows job counts per status, escalation rate and active
runs. With a job ID, shows the job's stages and decision so far.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return statusJobRun(cmd.Context(), args[0])
		}
		return statusOverviewRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusJobRun(ctx context.Context, id string) error {
	ctx = orBackground(ctx)
	v, err := apiClient().Status(ctx, id)
	if err != nil {
		return err
	}
	printStatus(v)
	return nil
}

func printStatus(v *coordinator.StatusView) {
	fmt.Fprintf(ui.Out, "%s  %s  %s", output.Cyan(v.JobID), v.JobType, output.StatusColor(string(v.Status)))
	if v.Reason != "" {
		fmt.Fprintf(ui.Out, " (%s)", v.Reason)
	}
	if v.Queued {
		fmt.Fprint(ui.Out, "  queued")
	}
	fmt.Fprintln(ui.Out)
	if v.ParentID != "" {
		fmt.Fprintf(ui.Out, "  reopened from %s\n", v.ParentID)
	}
	if v.Score != nil || v.Verdict != "" {
		fmt.Fprintf(ui.Out, "  score %s  verdict %s\n", output.Score(v.Score, "-"), output.VerdictColor(string(v.Verdict)))
	}
	fmt.Fprintln(ui.Out)

	table := ui.Table([]string{"Stage", "Group", "Required", "State", "Attempts", "Score", "Error"})
	for _, s := range v.Stages {
		errText := s.Error
		if s.Kind != "" {
			errText = fmt.Sprintf("%s: %s", s.Kind, s.Error)
		}
		attempts := ""
		if s.Attempts > 0 {
			attempts = fmt.Sprint(s.Attempts)
		}
		_ = table.Append([]string{s.Name, s.Group, fmt.Sprint(s.Required), output.OutcomeColor(s.State), attempts, output.Score(s.SubScore, ""), errText})
	}
	_ = table.Render()
}

func statusOverviewRun(ctx context.Context) error {
	ctx = orBackground(ctx)
	a, err := apiClient().Analytics(ctx)
	if err != nil {
		return err
	}

	if a.Total == 0 {
		ui.Info("No jobs yet. Use 'gauntlet submit <job-type>' to get started.")
		return nil
	}

	statuses := make([]string, 0, len(a.ByStatus))
	for st := range a.ByStatus {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)

	table := ui.Table([]string{"Status", "Jobs"})
	for _, st := range statuses {
		_ = table.Append([]string{output.StatusColor(st), fmt.Sprint(a.ByStatus[models.JobStatus(st)])})
	}
	_ = table.Render()

	fmt.Fprintln(ui.Out)
	fmt.Fprintf(ui.Out, "Total: %d  Escalation rate: %.1f%%  Active: %d  Queued: %d\n",
		a.Total, a.EscalationRate*100, a.ActiveRuns, a.Queued)
	return nil
}
