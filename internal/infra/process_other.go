//go:build !unix

package infra

import (
	"os"
	"os/exec"
)

// GracefulSignals reports whether the platform can ask a process to exit.
const GracefulSignals = false

// PrepareGroup is a no-op without process groups.
func PrepareGroup(cmd *exec.Cmd) {}

// TerminateGroup kills immediately; there is no graceful signal here.
func TerminateGroup(pid int) error {
	return KillGroup(pid)
}

// KillGroup kills the process.
func KillGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}
