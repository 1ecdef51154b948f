//go:build unix

package infra

import (
	"errors"
	"os/exec"
	"syscall"
)

// GracefulSignals reports whether the platform can ask a process to exit.
const GracefulSignals = true

// PrepareGroup puts the child in its own process group so that signals reach
// the whole subtree (a shell wrapper and the interpreter it starts).
func PrepareGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// TerminateGroup sends SIGTERM to the process group led by pid.
func TerminateGroup(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

// KillGroup sends SIGKILL to the process group led by pid.
func KillGroup(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		// Group already gone; fall back to the leader alone.
		err = syscall.Kill(pid, sig)
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
	}
	return err
}
