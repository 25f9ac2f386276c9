package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/gauntlet/internal/coordinator"
	"github.com/joescharf/gauntlet/internal/models"
)

var (
	submitRef      string
	submitFile     string
	submitContent  string
	submitPriority string
	submitJobID    string
	submitDeadline time.Duration
	submitWait     bool
	submitTimeout  time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit <job-type>",
	Short: "Submit work for review",
	Long: `Submit a unit of work to the running server.

Job types: review, support-session, content-project, document, analysis.
Content comes from --content, or from --file ('-' reads stdin). Reusing
--job-id of a finished job reopens it as a child job.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitRun(cmd.Context(), args[0])
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitRef, "ref", "", "Reference to the work (path, URL or identifier)")
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "Read content from file ('-' for stdin)")
	submitCmd.Flags().StringVar(&submitContent, "content", "", "Inline content")
	submitCmd.Flags().StringVar(&submitPriority, "priority", "normal", "Priority: low, normal, high, urgent")
	submitCmd.Flags().StringVar(&submitJobID, "job-id", "", "Job ID (reuse a finished job's ID to reopen it)")
	submitCmd.Flags().DurationVar(&submitDeadline, "deadline", 0, "Deadline relative to now, used to order waiting jobs")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "Wait for the job to finish and show the decision")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 10*time.Minute, "Maximum time to wait with --wait")
	rootCmd.AddCommand(submitCmd)
}

func buildSubmission(jobType string, stdin io.Reader) (coordinator.Submission, error) {
	sub := coordinator.Submission{
		JobID:    submitJobID,
		JobType:  models.JobType(jobType),
		Priority: models.Priority(submitPriority),
		Payload:  models.Payload{Ref: submitRef, Content: submitContent},
	}

	switch submitFile {
	case "":
	case "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return sub, fmt.Errorf("read stdin: %w", err)
		}
		sub.Payload.Content = string(data)
	default:
		data, err := os.ReadFile(submitFile) //nolint:gosec // user-supplied input file
		if err != nil {
			return sub, fmt.Errorf("read %s: %w", submitFile, err)
		}
		sub.Payload.Content = string(data)
		if sub.Payload.Ref == "" {
			sub.Payload.Ref = submitFile
		}
	}

	if submitDeadline > 0 {
		d := time.Now().Add(submitDeadline).UTC()
		sub.Deadline = &d
	}
	return sub, nil
}

func submitRun(ctx context.Context, jobType string) error {
	ctx = orBackground(ctx)
	sub, err := buildSubmission(jobType, os.Stdin)
	if err != nil {
		return err
	}

	c := apiClient()
	resp, err := c.Submit(ctx, sub)
	if err != nil {
		return err
	}
	if resp.ParentID != "" {
		ui.Success("Reopened %s as job %s (%s)", resp.ParentID, resp.JobID, resp.Status)
	} else {
		ui.Success("Submitted job %s (%s)", resp.JobID, resp.Status)
	}

	if !submitWait {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	ui.VerboseLog("Waiting for %s", resp.JobID)
	v, err := c.Wait(waitCtx, resp.JobID, 500*time.Millisecond)
	if err != nil {
		return fmt.Errorf("wait for %s: %w", resp.JobID, err)
	}
	printStatus(v)
	return nil
}
