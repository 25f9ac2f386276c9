// Package git reads review material out of local repositories by shelling out
// to the git binary.
package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Client defines the git operations used to turn a repository ref into
// reviewable text. All methods take the repository path.
type Client interface {
	RepoRoot(ctx context.Context, path string) (string, error)
	CurrentBranch(ctx context.Context, path string) (string, error)
	LastCommitHash(ctx context.Context, path string) (string, error)
	Diff(ctx context.Context, path, base, head string) (string, error)
	DiffStat(ctx context.Context, path, base, head string) (string, error)
	DiffNameOnly(ctx context.Context, path, base, head string) ([]string, error)
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(ctx context.Context, path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.CommandContext(ctx, "git", fullArgs...).Output() //nolint:gosec // fixed binary, args from plan config
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// IsRepo reports whether path is inside a git work tree.
func IsRepo(ctx context.Context, path string) bool {
	out, err := gitCmd(ctx, path, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

func (c *RealClient) RepoRoot(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--show-toplevel")
}

func (c *RealClient) CurrentBranch(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
}

func (c *RealClient) LastCommitHash(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--short", "HEAD")
}

// rangeArgs builds the revision arguments for a diff. An empty head diffs
// base against the working tree; an empty base means HEAD.
func rangeArgs(base, head string) []string {
	if base == "" {
		base = "HEAD"
	}
	if head == "" {
		return []string{base}
	}
	return []string{base + "..." + head}
}

// Diff returns the unified diff between base and head.
func (c *RealClient) Diff(ctx context.Context, path, base, head string) (string, error) {
	return gitCmd(ctx, path, append([]string{"diff", "--no-color"}, rangeArgs(base, head)...)...)
}

// DiffStat returns the --stat summary between base and head.
func (c *RealClient) DiffStat(ctx context.Context, path, base, head string) (string, error) {
	return gitCmd(ctx, path, append([]string{"diff", "--stat"}, rangeArgs(base, head)...)...)
}

// DiffNameOnly returns the paths changed between base and head.
func (c *RealClient) DiffNameOnly(ctx context.Context, path, base, head string) ([]string, error) {
	out, err := gitCmd(ctx, path, append([]string{"diff", "--name-only"}, rangeArgs(base, head)...)...)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}
