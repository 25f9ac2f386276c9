package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/gauntlet/internal/daemon"
)

func TestPidFile_Path(t *testing.T) {
	dir, _ := testEnv(t)

	pf := pidFile()
	assert.Equal(t, filepath.Join(dir, "gauntlet-serve.pid"), pf.Path)
}

func TestServeLogPath(t *testing.T) {
	dir, _ := testEnv(t)

	assert.Equal(t, filepath.Join(dir, "gauntlet-serve.log"), serveLogPath())
}

func TestServeStatusRun_NotRunning(t *testing.T) {
	_, out := testEnv(t)

	// No PID file exists, so status should show "not running" without error.
	require.NoError(t, serveStatusRun())
	assert.Contains(t, out.String(), "not running")
}

func TestServeStopRun_NotRunning(t *testing.T) {
	testEnv(t)

	err := serveStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestServeStartRun_AlreadyRunning(t *testing.T) {
	dir, _ := testEnv(t)

	// Write a PID file for the current process (which is alive).
	pf := daemon.NewPIDFile(filepath.Join(dir, "gauntlet-serve.pid"))
	require.NoError(t, pf.Write())
	t.Cleanup(func() { _ = os.Remove(pf.Path) })

	err := serveStartRun()
	require.ErrorIs(t, err, daemon.ErrAlreadyRunning)
}

func TestServeRun_RefusesSecondServer(t *testing.T) {
	dir, _ := testEnv(t)

	// A live process other than this one owns the PID file.
	pf := daemon.NewPIDFile(filepath.Join(dir, "gauntlet-serve.pid"))
	require.NoError(t, pf.WritePID(os.Getppid()))

	err := serveRun()
	require.ErrorIs(t, err, daemon.ErrAlreadyRunning)
}
