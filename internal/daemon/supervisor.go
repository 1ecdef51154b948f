package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/buddy/internal/domain"
	"github.com/eliteGoblin/focusd/buddy/internal/infra"
	"github.com/eliteGoblin/focusd/buddy/internal/usecase"
)

// AudioPipeEnv names the environment variable carrying the named pipe path
// to a child using the fifo transport.
const AudioPipeEnv = "BUDDY_AUDIO_PIPE"

const defaultReadyTimeout = 30 * time.Second

// SupervisorConfig holds termination bounds and cleanup policy.
type SupervisorConfig struct {
	GracePeriod   time.Duration // wait after the graceful signal
	KillTimeout   time.Duration // wait after the forceful signal
	CleanupOrder  []domain.Role
	SweepPatterns []string
	RunID         string
}

// DefaultSupervisorConfig returns default supervisor configuration.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		GracePeriod:  3 * time.Second,
		KillTimeout:  2 * time.Second,
		CleanupOrder: []domain.Role{domain.RoleAudio, domain.RoleFrontend, domain.RoleBackend},
	}
}

// Supervisor spawns, terminates and cleans up children.
type Supervisor struct {
	config         SupervisorConfig
	registry       *ProcessRegistry
	processManager domain.ProcessManager
	fsManager      domain.FileSystemManager
	ledger         domain.Ledger
	logger         *zap.Logger

	cleanupMu sync.Mutex
	closing   atomic.Bool

	ownerOnce    sync.Once
	ownerPID     int
	ownerStarted int64

	artMu     sync.Mutex
	artifacts []string
}

// NewSupervisor creates a supervisor. ledger may be nil.
func NewSupervisor(
	config SupervisorConfig,
	registry *ProcessRegistry,
	pm domain.ProcessManager,
	fs domain.FileSystemManager,
	ledger domain.Ledger,
	logger *zap.Logger,
) *Supervisor {
	return &Supervisor{
		config:         config,
		registry:       registry,
		processManager: pm,
		fsManager:      fs,
		ledger:         ledger,
		logger:         logger,
	}
}

// Registry returns the process registry.
func (s *Supervisor) Registry() *ProcessRegistry {
	return s.registry
}

// ShuttingDown reports whether CleanupAll has started.
func (s *Supervisor) ShuttingDown() bool {
	return s.closing.Load()
}

// Spawn launches a child. The transport exists before the process starts and
// the parent's copies of the child-side ends are closed right after. Any
// failure is a *domain.SpawnError and leaves nothing running.
func (s *Supervisor) Spawn(ctx context.Context, spec domain.ChildSpec) (*ChildProcess, error) {
	fail := func(stage string, err error) (*ChildProcess, error) {
		s.logger.Error("failed to spawn child",
			zap.String("role", string(spec.Role)),
			zap.String("stage", stage),
			zap.Error(err))
		return nil, &domain.SpawnError{Role: spec.Role, Stage: stage, Err: err}
	}

	if len(spec.Command) == 0 {
		return fail("start", errors.New("empty command"))
	}
	if s.closing.Load() {
		return fail("start", errShuttingDown)
	}
	if s.registry.Occupied(spec.Role) {
		return fail("start", domain.ErrRoleRunning)
	}
	if spec.Dir != "" && !s.fsManager.DirExists(spec.Dir) {
		return fail("workdir", fmt.Errorf("directory %s not found", spec.Dir))
	}
	if err := RunSetup(ctx, spec, s.logger); err != nil {
		return fail("bootstrap", err)
	}

	tr, err := s.newTransport(spec)
	if err != nil {
		return fail("transport", err)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	if tr.Artifact() != "" {
		cmd.Env = append(cmd.Env, AudioPipeEnv+"="+tr.Artifact())
	}
	if in := tr.ChildStdin(); in != nil {
		cmd.Stdin = in
	}
	cmd.Stdout = tr.ChildStdout()
	cmd.Stderr = tr.ChildStdout()
	infra.PrepareGroup(cmd)

	child := newChildProcess(spec, tr)
	child.cmd = cmd

	if err := cmd.Start(); err != nil {
		tr.Close()
		s.forgetArtifact(tr.Artifact())
		return fail("start", err)
	}
	tr.CloseChildEnds()
	child.started(cmd.Process.Pid)
	go child.wait()

	if err := s.registry.Put(child); err != nil {
		s.Terminate(child)
		return fail("start", err)
	}
	if s.closing.Load() {
		// CleanupAll may already have taken its snapshot.
		s.Terminate(child)
		return fail("start", errShuttingDown)
	}
	s.record(child)

	s.logger.Info("child started",
		zap.String("role", string(spec.Role)),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("transport", string(spec.Transport)))

	if err := s.handshake(ctx, child); err != nil {
		s.Terminate(child)
		stage := "ready"
		if errors.Is(err, errConnect) {
			stage = "transport"
		}
		return fail(stage, err)
	}

	child.setRunning()
	return child, nil
}

func (s *Supervisor) newTransport(spec domain.ChildSpec) (ChildTransport, error) {
	switch spec.Transport {
	case domain.TransportFIFO:
		tr, err := infra.NewFIFOTransport(spec.Role, spec.FIFOPath)
		if err != nil {
			return nil, err
		}
		s.artMu.Lock()
		s.artifacts = append(s.artifacts, spec.FIFOPath)
		s.artMu.Unlock()
		return tr, nil
	case domain.TransportPipe, "":
		tr, err := infra.NewPipeTransport(spec.Role)
		if err != nil {
			return nil, err
		}
		return tr, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", spec.Transport)
	}
}

var (
	errConnect      = errors.New("named pipe connect")
	errShuttingDown = errors.New("supervisor is shutting down")
)

// handshake connects a named pipe and waits for the readiness marker,
// concurrently: a child may print its marker before or after opening the pipe.
func (s *Supervisor) handshake(ctx context.Context, c *ChildProcess) error {
	timeout := c.Spec.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}

	g, gctx := errgroup.WithContext(ctx)
	if c.Transport.Artifact() != "" {
		g.Go(func() error {
			if err := c.Transport.Connect(timeout); err != nil {
				return fmt.Errorf("%w: %v", errConnect, err)
			}
			return nil
		})
	}
	if c.Spec.ReadyMarker != "" {
		g.Go(func() error {
			return s.awaitReady(gctx, c, timeout)
		})
	}
	return g.Wait()
}

func (s *Supervisor) awaitReady(ctx context.Context, c *ChildProcess, timeout time.Duration) error {
	result := make(chan error, 1)
	go func() { result <- s.scanForMarker(c) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-result:
		return err
	case <-timer.C:
		return fmt.Errorf("no %q within %s", c.Spec.ReadyMarker, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scanForMarker reads startup output until the ready or fail marker.
// Complete records after the marker are kept for the relay worker.
func (s *Supervisor) scanForMarker(c *ChildProcess) error {
	buf := make([]byte, usecase.DefaultChunkSize)
	for {
		n, err := c.Transport.ReadChunk(buf)
		if n > 0 {
			records := c.reassembler.Feed(buf[:n])
			for i, rec := range records {
				line := string(rec)
				if c.Spec.FailMarker != "" && strings.Contains(line, c.Spec.FailMarker) {
					return fmt.Errorf("child reported %s", c.Spec.FailMarker)
				}
				if strings.Contains(line, c.Spec.ReadyMarker) {
					s.logger.Info("child ready", zap.String("role", string(c.Role)))
					c.mu.Lock()
					c.pending = records[i+1:]
					c.mu.Unlock()
					return nil
				}
				s.logger.Debug("startup output", zap.String("role", string(c.Role)), zap.String("record", line))
			}
		}
		if err != nil || n == 0 {
			return fmt.Errorf("output ended before %q: %v", c.Spec.ReadyMarker, err)
		}
	}
}

// Terminate stops a child: graceful signal to its process group, bounded
// wait, forceful signal, bounded wait. The registry entry is always cleared.
// Nil, never-started and already-terminated children are no-ops.
func (s *Supervisor) Terminate(c *ChildProcess) {
	if c == nil || !c.beginTerminate() {
		return
	}
	pid := c.PID()
	log := s.logger.With(zap.String("role", string(c.Role)), zap.Int("pid", pid))

	if !c.exited() {
		if infra.GracefulSignals {
			if err := infra.TerminateGroup(pid); err != nil {
				log.Warn("graceful signal failed", zap.Error(err))
			}
			if !waitDone(c.done, s.config.GracePeriod) {
				log.Warn("child ignored graceful signal, killing")
			}
		}
		if !c.exited() {
			if err := infra.KillGroup(pid); err != nil {
				log.Warn("kill failed", zap.Error(err))
			}
			if !waitDone(c.done, s.config.KillTimeout) {
				log.Error("child did not exit after kill")
			}
		}
	}

	if err := c.Transport.Close(); err != nil {
		log.Debug("transport close", zap.Error(err))
	}
	c.finish()
	s.registry.Remove(c.Role, c)
	if s.ledger != nil {
		if err := s.ledger.Forget(s.owner(), c.Role); err != nil {
			log.Warn("failed to update ledger", zap.Error(err))
		}
	}
	log.Info("child terminated")
}

func waitDone(done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// CleanupAll terminates every child in the configured order, sweeps strays
// by command line and removes named pipes. Safe to call repeatedly and from
// several goroutines; later calls find nothing left to do.
func (s *Supervisor) CleanupAll() {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	s.closing.Store(true)

	for _, role := range s.config.CleanupOrder {
		if role == domain.RoleFrontend && s.registry.DevMode() {
			continue
		}
		if c, ok := s.registry.Get(role); ok {
			s.Terminate(c)
		}
	}
	for _, c := range s.registry.Snapshot() {
		s.Terminate(c)
	}

	s.sweep()

	s.artMu.Lock()
	paths := s.artifacts
	s.artifacts = nil
	s.artMu.Unlock()
	for _, p := range paths {
		if err := s.fsManager.Remove(p); err != nil {
			s.logger.Warn("failed to remove named pipe", zap.String("path", p), zap.Error(err))
		}
	}
}

// sweep kills processes left behind by children, matched by command line.
func (s *Supervisor) sweep() {
	for _, pattern := range s.config.SweepPatterns {
		pids, err := s.processManager.FindByCmdline(pattern)
		if err != nil {
			s.logger.Warn("sweep failed", zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		for _, pid := range pids {
			if err := s.processManager.Kill(pid); err != nil {
				s.logger.Debug("sweep kill failed", zap.Int("pid", pid), zap.Error(err))
				continue
			}
			s.logger.Info("killed stray process", zap.String("pattern", pattern), zap.Int("pid", pid))
		}
	}
}

// Sweep runs the stray-process sweep on its own.
func (s *Supervisor) Sweep() {
	s.sweep()
}

// ReapStale kills children recorded by earlier runs that are still alive
// with the same command line and forgets their entries. Entries owned by a
// buddy process that is still running are left alone.
func (s *Supervisor) ReapStale() ([]domain.LedgerEntry, error) {
	if s.ledger == nil {
		return nil, nil
	}
	entries, err := s.ledger.Entries()
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	self := s.owner()
	var reaped []domain.LedgerEntry
	for _, e := range entries {
		if e.OwnerPID != self && s.ownerAlive(e) {
			s.logger.Info("leaving child of a running instance",
				zap.String("role", string(e.Role)),
				zap.Int("pid", e.PID),
				zap.Int("owner", e.OwnerPID))
			continue
		}
		if s.reap(e) {
			reaped = append(reaped, e)
		}
		if err := s.ledger.Forget(e.OwnerPID, e.Role); err != nil {
			return reaped, fmt.Errorf("forget %s: %w", e.Role, err)
		}
	}
	return reaped, nil
}

func (s *Supervisor) reap(e domain.LedgerEntry) bool {
	if e.PID == s.owner() || !s.processManager.IsRunning(e.PID) {
		return false
	}
	cmdline, err := s.processManager.Cmdline(e.PID)
	if err != nil || cmdline != e.Command {
		return false // PID reused by something else
	}
	if err := infra.KillGroup(e.PID); err != nil {
		s.logger.Warn("failed to reap stale child", zap.Int("pid", e.PID), zap.Error(err))
		return false
	}
	s.logger.Info("reaped stale child",
		zap.String("role", string(e.Role)),
		zap.Int("pid", e.PID),
		zap.String("run_id", e.RunID))
	return true
}

// ownerAlive reports whether the process that recorded e is still the one
// running under its PID.
func (s *Supervisor) ownerAlive(e domain.LedgerEntry) bool {
	if e.OwnerPID <= 0 || !s.processManager.IsRunning(e.OwnerPID) {
		return false
	}
	started, err := s.processManager.CreateTime(e.OwnerPID)
	return err == nil && started == e.OwnerStarted
}

// owner returns this process's PID, caching its start time for ledger entries.
func (s *Supervisor) owner() int {
	s.ownerOnce.Do(func() {
		s.ownerPID = s.processManager.GetCurrentPID()
		if started, err := s.processManager.CreateTime(s.ownerPID); err == nil {
			s.ownerStarted = started
		}
	})
	return s.ownerPID
}

// Writer returns the writable end of a live child.
func (s *Supervisor) Writer(role domain.Role) (domain.RecordWriter, bool) {
	c, ok := s.registry.Get(role)
	if !ok || c.PID() == 0 {
		return nil, false
	}
	return c.Transport, true
}

func (s *Supervisor) record(c *ChildProcess) {
	if s.ledger == nil {
		return
	}
	owner := s.owner()
	err := s.ledger.Record(domain.LedgerEntry{
		RunID:        s.config.RunID,
		Role:         c.Role,
		PID:          c.PID(),
		Command:      strings.Join(c.cmd.Args, " "),
		StartedAt:    time.Now(),
		OwnerPID:     owner,
		OwnerStarted: s.ownerStarted,
	})
	if err != nil {
		s.logger.Warn("failed to record child", zap.String("role", string(c.Role)), zap.Error(err))
	}
}

func (s *Supervisor) forgetArtifact(path string) {
	if path == "" {
		return
	}
	s.artMu.Lock()
	for i, p := range s.artifacts {
		if p == path {
			s.artifacts = append(s.artifacts[:i], s.artifacts[i+1:]...)
			break
		}
	}
	s.artMu.Unlock()
	_ = s.fsManager.Remove(path)
}

// Ensure Supervisor can serve as the router's peer lookup.
var _ usecase.PeerLookup = (*Supervisor)(nil)
