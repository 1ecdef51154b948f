package daemon

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
)

// ShutdownState is the coordinator's lifecycle state.
type ShutdownState int32

const (
	StateRunning ShutdownState = iota
	StateShuttingDown
	StateExited
)

func (s ShutdownState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateExited:
		return "exited"
	}
	return "unknown"
}

// Coordinator moves the program from Running to Exited exactly once. The
// first trigger wins; later triggers are ignored.
type Coordinator struct {
	cleanup func()
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state  atomic.Int32
	code   atomic.Int32
	reason atomic.Value
	done   chan struct{}
}

// NewCoordinator creates a coordinator that runs cleanup on the first trigger.
func NewCoordinator(parent context.Context, cleanup func(), logger *zap.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	return &Coordinator{
		cleanup: cleanup,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Context is canceled when shutdown begins.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// State returns the current state.
func (c *Coordinator) State() ShutdownState {
	return ShutdownState(c.state.Load())
}

// ShuttingDown reports whether a trigger has fired.
func (c *Coordinator) ShuttingDown() bool {
	return c.State() != StateRunning
}

// Reason returns the reason given by the winning trigger.
func (c *Coordinator) Reason() string {
	r, _ := c.reason.Load().(string)
	return r
}

// Trigger starts shutdown with the given exit code. Cleanup runs on its own
// goroutine. Returns false if shutdown had already started.
func (c *Coordinator) Trigger(reason string, code int) bool {
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown)) {
		c.logger.Debug("shutdown already in progress", zap.String("reason", reason))
		return false
	}
	c.reason.Store(reason)
	c.code.Store(int32(code))
	c.logger.Info("shutting down", zap.String("reason", reason))
	c.cancel()

	go func() {
		defer close(c.done)
		if c.cleanup != nil {
			c.cleanup()
		}
		c.state.Store(int32(StateExited))
		c.logger.Info("shutdown complete", zap.Int("exit_code", code))
	}()
	return true
}

// Done is closed once cleanup has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until shutdown completes and returns the exit code.
func (c *Coordinator) Wait() int {
	<-c.done
	return int(c.code.Load())
}

// WatchSignals triggers a graceful shutdown on SIGINT, SIGTERM or SIGHUP.
// The handler only notifies; it stops listening when ctx is done.
func (c *Coordinator) WatchSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case sig := <-sigCh:
				c.Trigger("signal: "+sig.String(), 0)
			case <-ctx.Done():
				return
			}
		}
	}()
}
