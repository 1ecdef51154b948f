// Package daemon supervises child processes and relays their output.
package daemon

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/buddy/internal/domain"
	"github.com/eliteGoblin/focusd/buddy/internal/infra"
	"github.com/eliteGoblin/focusd/buddy/internal/usecase"
)

// ChildTransport is a transport the supervisor can attach to a child's
// standard streams before start.
type ChildTransport interface {
	domain.Transport

	// Connect opens the named pipe once the child is reading it. A no-op
	// for anonymous pipes.
	Connect(timeout time.Duration) error

	// ChildStdin is nil when records go through a named pipe.
	ChildStdin() *os.File
	ChildStdout() *os.File

	// CloseChildEnds releases the parent's copies of the child's ends.
	CloseChildEnds()
}

var _ ChildTransport = (*infra.StreamTransport)(nil)

// ChildProcess is one supervised child and the transport it owns.
type ChildProcess struct {
	Role      domain.Role
	Spec      domain.ChildSpec
	Transport ChildTransport

	cmd         *exec.Cmd
	done        chan struct{}
	reassembler *usecase.Reassembler

	mu      sync.Mutex
	pid     int
	state   domain.ChildState
	exitErr error
	pending [][]byte // records read past the readiness marker
}

func newChildProcess(spec domain.ChildSpec, tr ChildTransport) *ChildProcess {
	return &ChildProcess{
		Role:        spec.Role,
		Spec:        spec,
		Transport:   tr,
		done:        make(chan struct{}),
		reassembler: usecase.NewReassembler(),
		state:       domain.StateSpawning,
	}
}

// PID returns the process id, or 0 once the child is terminated.
func (c *ChildProcess) PID() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

// State returns the lifecycle state.
func (c *ChildProcess) State() domain.ChildState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the OS process has exited and been reaped.
func (c *ChildProcess) Done() <-chan struct{} {
	return c.done
}

// ExitErr returns the wait error after Done is closed.
func (c *ChildProcess) ExitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

func (c *ChildProcess) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *ChildProcess) setRunning() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == domain.StateSpawning {
		c.state = domain.StateRunning
	}
}

// beginTerminate moves the child to Terminating. It returns false when
// another caller already did.
func (c *ChildProcess) beginTerminate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pid == 0 || c.state == domain.StateTerminating || c.state == domain.StateTerminated {
		return false
	}
	c.state = domain.StateTerminating
	return true
}

func (c *ChildProcess) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = domain.StateTerminated
	c.pid = 0
}

func (c *ChildProcess) wait() {
	err := c.cmd.Wait()
	c.mu.Lock()
	c.exitErr = err
	c.mu.Unlock()
	close(c.done)
}

// takePending hands over records buffered during the readiness handshake.
func (c *ChildProcess) takePending() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

func (c *ChildProcess) started(pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pid = pid
}
