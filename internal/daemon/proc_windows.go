//go:build windows

package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

// Windows has no graceful process signal; stop and kill both terminate.
const (
	stopSignal = syscall.SIGKILL
	killSignal = syscall.SIGKILL
)

// alive reports whether pid can be signalled. FindProcess itself always
// succeeds on Windows.
func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func signalPID(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

// Detach is a no-op on Windows.
func Detach(_ *exec.Cmd) {}

// ShutdownSignals are the signals a foreground server drains on.
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
