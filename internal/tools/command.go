package tools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/joescharf/gauntlet/internal/models"
	"github.com/joescharf/gauntlet/internal/stage"
)

// maxOutputFindings caps the findings recorded per failing command.
const maxOutputFindings = 20

// Command runs the configured external checks for the payload's language in
// the directory named by the payload ref.
type Command struct {
	commands map[string][]string
	logger   *slog.Logger
}

// NewCommand returns a Command tool. commands maps a language to the command
// lines run for it.
func NewCommand(commands map[string][]string, logger *slog.Logger) *Command {
	return &Command{commands: commands, logger: logger}
}

// DetectLanguage guesses the primary language of a directory from its
// manifest files.
func DetectLanguage(dir string) string {
	markers := []struct {
		file, lang string
	}{
		{"go.mod", "go"},
		{"package.json", "javascript"},
		{"Cargo.toml", "rust"},
		{"pyproject.toml", "python"},
		{"requirements.txt", "python"},
	}
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(dir, m.file)); err == nil {
			return m.lang
		}
	}
	return ""
}

// Run implements stage.Tool. The language comes from cfg["language"], then
// payload metadata, then detection.
func (c *Command) Run(ctx context.Context, in stage.Input, cfg map[string]string) (stage.Output, error) {
	dir := in.Payload.Ref
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return stage.Output{}, stage.Malformed(fmt.Errorf("ref %q is not a directory", dir))
	}

	lang := cfg["language"]
	if lang == "" {
		lang = in.Payload.Metadata["language"]
	}
	if lang == "" {
		lang = DetectLanguage(dir)
	}

	cmds := c.commands[lang]
	if len(cmds) == 0 {
		return stage.Output{Findings: []models.Finding{{
			Kind: "command", Severity: models.SeverityInfo, Category: "skipped",
			Description: fmt.Sprintf("no commands configured for language %q", lang),
		}}}, nil
	}

	var findings []models.Finding
	failed := 0
	for _, line := range cmds {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stage.Output{}, ctxErr
		}

		var exitErr *exec.ExitError
		switch {
		case err == nil:
			c.logger.Debug("command passed", "job_id", in.JobID, "command", line)
		case errors.As(err, &exitErr):
			failed++
			findings = append(findings, outputFindings(line, exitErr.ExitCode(), out)...)
		default:
			return stage.Output{}, fmt.Errorf("run %q: %w", line, err)
		}
	}

	s := 100 - 25*float64(failed)
	if s < 0 {
		s = 0
	}
	return stage.Output{Findings: findings, SubScore: score(s)}, nil
}

func outputFindings(command string, code int, out []byte) []models.Finding {
	var findings []models.Finding
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() && len(findings) < maxOutputFindings {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		findings = append(findings, models.Finding{
			Kind: "command", Severity: models.SeverityError, Category: command, Description: text,
		})
	}
	if len(findings) == 0 {
		findings = append(findings, models.Finding{
			Kind: "command", Severity: models.SeverityError, Category: command,
			Description: fmt.Sprintf("exited with status %d", code),
		})
	}
	return findings
}
