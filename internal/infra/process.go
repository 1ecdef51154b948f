// Package infra implements infrastructure concerns (process, filesystem, transport, ledger).
package infra

import (
	"fmt"
	"os"
	"regexp"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/focusd/buddy/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{}
}

// FindByCmdline returns PIDs whose full command line matches pattern.
// The calling process is never included.
func (pm *ProcessManagerImpl) FindByCmdline(pattern string) ([]int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep pattern %q: %w", pattern, err)
	}

	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	self := os.Getpid()
	var found []int
	for _, p := range procs {
		if int(p.Pid) == self {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue // Process may have exited
		}
		if re.MatchString(cmdline) {
			found = append(found, int(p.Pid))
		}
	}

	return found, nil
}

// Cmdline returns the command line of a running process.
func (pm *ProcessManagerImpl) Cmdline(pid int) (string, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", err
	}
	return p.Cmdline()
}

// CreateTime returns the process start time in milliseconds since the epoch.
// Together with the PID it identifies one process across PID reuse.
func (pm *ProcessManagerImpl) CreateTime(pid int) (int64, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	return p.CreateTime()
}

// Kill terminates a process by PID using SIGKILL.
func (pm *ProcessManagerImpl) Kill(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	return p.Kill()
}

// IsRunning checks if a PID exists and is running.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	if err != nil || !running {
		return false
	}
	// Zombies still have a PID but will never run again.
	status, err := p.Status()
	if err == nil {
		for _, s := range status {
			if s == process.Zombie {
				return false
			}
		}
	}
	return true
}

// GetCurrentPID returns the current process PID.
func (pm *ProcessManagerImpl) GetCurrentPID() int {
	return os.Getpid()
}

// Ensure ProcessManagerImpl implements domain.ProcessManager.
var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)
