package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/gauntlet/internal/coordinator"
	"github.com/joescharf/gauntlet/internal/models"
	"github.com/joescharf/gauntlet/internal/output"
)

var (
	jobsStatus []string
	jobsLimit  int

	resultsRaw bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs",
	Long: `List jobs, newest first.

Filter with --status (repeatable or comma separated):
pending, running, completed, escalated, failed.`,
	Aliases: []string{"ls"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobsListRun(cmd.Context())
	},
}

var resultsCmd = &cobra.Command{
	Use:   "results <job-id>",
	Short: "Show the decision and stage results of a finished job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resultsRun(cmd.Context(), args[0])
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cancelRun(cmd.Context(), args[0])
	},
}

var lineageCmd = &cobra.Command{
	Use:   "lineage <job-id>",
	Short: "Show a job and every reopened job in its chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return lineageRun(cmd.Context(), args[0])
	},
}

func init() {
	jobsCmd.Flags().StringSliceVar(&jobsStatus, "status", nil, "Filter by status")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Maximum jobs to list (0 = all)")
	resultsCmd.Flags().BoolVar(&resultsRaw, "json", false, "Print the raw results document")

	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(resultsCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(lineageCmd)
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func jobsListRun(ctx context.Context) error {
	jobs, err := apiClient().List(orBackground(ctx), jobsStatus, jobsLimit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		ui.Info("No jobs found.")
		return nil
	}
	printJobTable(jobs)
	return nil
}

func printJobTable(jobs []*models.Job) {
	table := ui.Table([]string{"ID", "Type", "Status", "Priority", "Verdict", "Score", "Created"})
	for _, j := range jobs {
		verdict, score := "", ""
		if j.Decision != nil {
			verdict = output.VerdictColor(string(j.Decision.Verdict))
			if j.Decision.Score != nil {
				score = output.ScoreColor(*j.Decision.Score, j.Thresholds.AutoApprove, j.Thresholds.HardReject)
			}
		}
		_ = table.Append([]string{
			j.ID,
			string(j.Type),
			output.StatusColor(string(j.Status)),
			string(j.Priority),
			verdict,
			score,
			j.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	_ = table.Render()
}

func resultsRun(ctx context.Context, id string) error {
	doc, err := apiClient().Results(orBackground(ctx), id)
	if err != nil {
		return err
	}

	if resultsRaw {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, doc, "", "  "); err != nil {
			return fmt.Errorf("format results: %w", err)
		}
		fmt.Fprintln(ui.Out, pretty.String())
		return nil
	}

	var res coordinator.ResultsDoc
	if err := json.Unmarshal(doc, &res); err != nil {
		return fmt.Errorf("parse results: %w", err)
	}
	printResults(&res)
	return nil
}

func printResults(res *coordinator.ResultsDoc) {
	fmt.Fprintf(ui.Out, "%s  %s  %s", output.Cyan(res.JobID), res.JobType, output.StatusColor(string(res.Status)))
	if res.Reason != "" {
		fmt.Fprintf(ui.Out, " (%s)", res.Reason)
	}
	fmt.Fprintln(ui.Out)

	if d := res.Decision; d != nil {
		fmt.Fprintf(ui.Out, "  verdict %s  score %s\n", output.VerdictColor(string(d.Verdict)), output.Score(d.Score, "-"))
		for _, r := range d.Reasons {
			fmt.Fprintf(ui.Out, "    - %s\n", r)
		}
	}
	fmt.Fprintln(ui.Out)

	table := ui.Table([]string{"Stage", "Outcome", "Score", "Attempts", "Findings", "Duration"})
	var findings []models.Finding
	for _, r := range res.Stages {
		for _, f := range r.AllFindings() {
			if f.Severity != models.SeverityInfo {
				findings = append(findings, f)
			}
		}
		_ = table.Append([]string{
			r.Stage,
			output.OutcomeColor(string(r.Outcome)),
			output.Score(r.SubScore, ""),
			fmt.Sprint(r.Attempts),
			fmt.Sprint(len(r.AllFindings())),
			r.Duration.String(),
		})
	}
	_ = table.Render()

	if len(findings) > 0 {
		fmt.Fprintln(ui.Out)
		for _, f := range findings {
			loc := f.Location
			if loc == "" {
				loc = f.Category
			}
			fmt.Fprintf(ui.Out, "  %s  %s  %s\n", output.SeverityColor(string(f.Severity)), loc, f.Description)
		}
	}

	if len(res.Escalations) > 0 {
		fmt.Fprintln(ui.Out)
		ui.Warning("Escalations:")
		for _, e := range res.Escalations {
			parts := []string{string(e.Reason)}
			if e.Stage != "" {
				parts = append(parts, "stage "+e.Stage)
			}
			parts = append(parts, "to "+e.TargetHandler)
			fmt.Fprintf(ui.Out, "  %s: %s\n", strings.Join(parts, ", "), e.Detail)
		}
	}
}

func cancelRun(ctx context.Context, id string) error {
	if err := apiClient().Cancel(orBackground(ctx), id); err != nil {
		return err
	}
	ui.Success("Cancellation requested for %s", id)
	return nil
}

func lineageRun(ctx context.Context, id string) error {
	chain, err := apiClient().Lineage(orBackground(ctx), id)
	if err != nil {
		return err
	}
	printJobTable(chain)
	return nil
}
