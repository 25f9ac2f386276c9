package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initTestRepo creates a git repo in dir with a user config so commits work on CI.
func initTestRepo(t *testing.T, dir string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	cmds := [][]string{
		{"git", "-C", dir, "init", "-b", "main"},
		{"git", "-C", dir, "config", "user.email", "test@test.com"},
		{"git", "-C", dir, "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		require.NoError(t, exec.Command(args[0], args[1:]...).Run())
	}
}

func commitAll(t *testing.T, dir, msg string) {
	t.Helper()
	require.NoError(t, exec.Command("git", "-C", dir, "add", ".").Run())
	require.NoError(t, exec.Command("git", "-C", dir, "commit", "-m", msg).Run())
}

func TestRangeArgs(t *testing.T) {
	assert.Equal(t, []string{"HEAD"}, rangeArgs("", ""))
	assert.Equal(t, []string{"main"}, rangeArgs("main", ""))
	assert.Equal(t, []string{"main...feature"}, rangeArgs("main", "feature"))
}

func TestIsRepo(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	initTestRepo(t, dir)
	assert.True(t, IsRepo(ctx, dir))
	assert.False(t, IsRepo(ctx, t.TempDir()))
}

func TestRealClient_Diff(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	initTestRepo(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "file1.txt"), []byte("hello\n"), 0o644))
	commitAll(t, dir, "initial")

	require.NoError(t, exec.Command("git", "-C", dir, "checkout", "-b", "feature").Run())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file1.txt"), []byte("hello world\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file2.txt"), []byte("new file\n"), 0o644))
	commitAll(t, dir, "feature changes")

	c := NewClient()

	t.Run("Diff returns diff content", func(t *testing.T) {
		diff, err := c.Diff(ctx, dir, "main", "feature")
		require.NoError(t, err)
		assert.Contains(t, diff, "hello world")
		assert.Contains(t, diff, "file2.txt")
	})

	t.Run("DiffStat returns stat summary", func(t *testing.T) {
		stat, err := c.DiffStat(ctx, dir, "main", "feature")
		require.NoError(t, err)
		assert.Contains(t, stat, "changed")
	})

	t.Run("DiffNameOnly returns changed file names", func(t *testing.T) {
		names, err := c.DiffNameOnly(ctx, dir, "main", "feature")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"file1.txt", "file2.txt"}, names)
	})

	t.Run("working tree changes against HEAD", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "file2.txt"), []byte("edited\n"), 0o644))
		diff, err := c.Diff(ctx, dir, "", "")
		require.NoError(t, err)
		assert.Contains(t, diff, "+edited")
	})

	t.Run("unknown base is an error", func(t *testing.T) {
		_, err := c.Diff(ctx, dir, "no-such-branch", "feature")
		assert.Error(t, err)
	})

	branch, err := c.CurrentBranch(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, "feature", branch)

	hash, err := c.LastCommitHash(ctx, dir)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	root, err := c.RepoRoot(ctx, dir)
	require.NoError(t, err)
	assert.NotEmpty(t, root)
}
