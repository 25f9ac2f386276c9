//go:build !windows

package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

const (
	stopSignal = syscall.SIGTERM
	killSignal = syscall.SIGKILL
)

// alive probes pid with signal 0.
func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func signalPID(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// Detach starts cmd in its own session so it outlives the launching shell.
func Detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// ShutdownSignals are the signals a foreground server drains on.
func ShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}
