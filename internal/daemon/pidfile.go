// Package daemon tracks the background server process through a PID file in
// the state directory.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrAlreadyRunning is returned by Acquire when another live process owns the file.
	ErrAlreadyRunning = errors.New("server already running")
	// ErrNotRunning is returned by Stop when no live process owns the file.
	ErrNotRunning = errors.New("server is not running")
)

// PIDFile manages a PID file for daemon process tracking.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write writes the current process's PID to the file.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID writes the given PID to the file.
func (p *PIDFile) WritePID(pid int) error {
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read reads the PID from the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}

// Acquire records pid as the owner unless a different live process already
// holds the file. Stale files are overwritten.
func (p *PIDFile) Acquire(pid int) error {
	if owner, running := p.IsRunning(); running && owner != pid {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, owner)
	}
	return p.WritePID(pid)
}

// Release removes the file if pid still owns it.
func (p *PIDFile) Release(pid int) {
	if owner, err := p.Read(); err == nil && owner == pid {
		_ = p.Remove()
	}
}

// IsRunning returns the recorded PID and whether that process is alive.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	return pid, alive(pid)
}

// Signal sends sig to the recorded process.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	return signalPID(pid, sig)
}

// Stop asks the recorded process to exit and waits up to grace for it,
// killing it afterwards. The file is removed in every case. It reports the
// PID and whether the process had to be killed.
func (p *PIDFile) Stop(grace, poll time.Duration) (pid int, killed bool, err error) {
	pid, running := p.IsRunning()
	if !running {
		_ = p.Remove()
		return pid, false, ErrNotRunning
	}
	defer func() { _ = p.Remove() }()

	if err := signalPID(pid, stopSignal); err != nil {
		return pid, false, fmt.Errorf("signal pid %d: %w", pid, err)
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return pid, false, nil
		}
		time.Sleep(poll)
	}
	if err := signalPID(pid, killSignal); err != nil {
		return pid, true, fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return pid, true, nil
}
