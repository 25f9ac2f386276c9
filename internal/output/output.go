package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

// UI provides colored output and respects verbose mode.
type UI struct {
	Verbose bool
	Out     io.Writer
	ErrOut  io.Writer
}

// New creates a UI with default stdout/stderr writers.
func New() *UI {
	return &UI{
		Out:    os.Stdout,
		ErrOut: os.Stderr,
	}
}

var (
	infoPrefix    = color.New(color.FgHiBlue).Sprint("i")
	successPrefix = color.New(color.FgHiGreen).Sprint("\u2713")
	warningPrefix = color.New(color.FgHiYellow).Sprint("\u26a0")
	errorPrefix   = color.New(color.FgHiRed).Sprint("\u2717")
	verbosePrefix = color.New(color.FgHiBlue).Sprint("  \u2192")
	cyan          = color.New(color.FgHiCyan).SprintFunc()
	green         = color.New(color.FgHiGreen).SprintFunc()
	yellow        = color.New(color.FgHiYellow).SprintFunc()
	red           = color.New(color.FgHiRed).SprintFunc()
)

// Cyan returns a cyan-colored string.
func Cyan(s string) string { return cyan(s) }

// StatusColor returns the string colored by job status.
func StatusColor(status string) string {
	switch strings.ToLower(status) {
	case "pending":
		return status
	case "running":
		return cyan(status)
	case "completed":
		return green(status)
	case "escalated":
		return yellow(status)
	case "failed":
		return red(status)
	default:
		return status
	}
}

// VerdictColor returns the string colored by decision verdict.
func VerdictColor(verdict string) string {
	switch strings.ToLower(verdict) {
	case "approve":
		return green(verdict)
	case "escalate", "needs-info":
		return yellow(verdict)
	case "reject":
		return red(verdict)
	default:
		return verdict
	}
}

// OutcomeColor colors a stage outcome or pending-stage state.
func OutcomeColor(outcome string) string {
	switch outcome {
	case "success":
		return green(outcome)
	case "failure":
		return red(outcome)
	case "skipped":
		return yellow(outcome)
	default:
		return outcome
	}
}

// SeverityColor colors a finding severity.
func SeverityColor(severity string) string {
	switch severity {
	case "critical", "error":
		return red(severity)
	case "warning":
		return yellow(severity)
	default:
		return severity
	}
}

// ScoreColor formats score and colors it against the approve/reject band.
func ScoreColor(score, autoApprove, hardReject float64) string {
	s := fmt.Sprintf("%.1f", score)
	switch {
	case score >= autoApprove:
		return green(s)
	case score >= hardReject:
		return yellow(s)
	default:
		return red(s)
	}
}

// Score formats an optional score, returning empty when it is undefined.
func Score(score *float64, empty string) string {
	if score == nil {
		return empty
	}
	return fmt.Sprintf("%.1f", *score)
}

func (u *UI) Info(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", infoPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Success(format string, a ...any) {
	fmt.Fprintf(u.Out, "%s %s\n", successPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Warning(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", warningPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) Error(format string, a ...any) {
	fmt.Fprintf(u.ErrOut, "%s %s\n", errorPrefix, fmt.Sprintf(format, a...))
}

func (u *UI) VerboseLog(format string, a ...any) {
	if u.Verbose {
		fmt.Fprintf(u.Out, "%s %s\n", verbosePrefix, fmt.Sprintf(format, a...))
	}
}

// Table creates a new tablewriter configured with consistent styling.
func (u *UI) Table(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(u.Out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}
