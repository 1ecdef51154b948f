//go:build integration

package integration

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/buddy/internal/daemon"
	"github.com/eliteGoblin/focusd/buddy/internal/domain"
	"github.com/eliteGoblin/focusd/buddy/internal/infra"
	"github.com/eliteGoblin/focusd/buddy/internal/policy"
	"github.com/eliteGoblin/focusd/buddy/internal/ui"
	"github.com/eliteGoblin/focusd/buddy/internal/usecase"
	"github.com/eliteGoblin/focusd/buddy/test/fixtures"
)

// uiRecorder collects records delivered to the UI.
type uiRecorder struct {
	mu      sync.Mutex
	records []string
}

func (u *uiRecorder) add(rec string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.records = append(u.records, rec)
}

func (u *uiRecorder) all() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.records...)
}

var _ = Describe("Relay", func() {
	var (
		tmpDir      string
		children    *fixtures.FakeChildren
		supervisor  *daemon.Supervisor
		coordinator *daemon.Coordinator
		router      *usecase.RouterImpl
		relay       *daemon.Relay
		recorder    *uiRecorder
		queue       *ui.Queue
		ledger      *infra.EncryptedLedger
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "buddy-integration-*")
		Expect(err).NotTo(HaveOccurred())

		children = fixtures.NewFakeChildren(filepath.Join(tmpDir, "app"))
		Expect(children.Create()).To(Succeed())

		ledger, err = infra.OpenLedger(filepath.Join(tmpDir, "data"))
		Expect(err).NotTo(HaveOccurred())

		logger := zap.NewNop()
		cfg := daemon.DefaultSupervisorConfig()
		cfg.GracePeriod = 500 * time.Millisecond
		cfg.KillTimeout = 500 * time.Millisecond
		cfg.RunID = "integration"
		supervisor = daemon.NewSupervisor(cfg, daemon.NewProcessRegistry(true),
			infra.NewProcessManager(), infra.NewFileSystemManager(), ledger, logger)

		coordinator = daemon.NewCoordinator(context.Background(), supervisor.CleanupAll, logger)

		recorder = &uiRecorder{}
		queue = ui.NewQueue(recorder.add)

		sink := infra.NewZapLogSink(logger)
		router = usecase.NewRouter(policy.NewTable(), policy.PrefixClassifier{}, queue, supervisor, sink, logger)
		router.SetQuiet(coordinator.ShuttingDown)

		relay = daemon.NewRelay(router, sink, 1024, logger)
		relay.SetQuiet(coordinator.ShuttingDown)
	})

	AfterEach(func() {
		coordinator.Trigger("test done", 0)
		coordinator.Wait()
		relay.Wait()
		queue.Close()
		ledger.Close()
		os.RemoveAll(tmpDir)
	})

	startAll := func() {
		for _, spec := range []domain.ChildSpec{children.AudioSpec(), children.BackendSpec()} {
			child, err := supervisor.Spawn(coordinator.Context(), spec)
			Expect(err).NotTo(HaveOccurred())
			relay.Start(child)
		}
	}

	Describe("a user message", func() {
		It("reaches the UI as an assistant reply and is spoken by the audio child", func() {
			startAll()

			router.Invoke(`{"type":"user-message","payload":"hello"}`)

			Eventually(recorder.all, 5*time.Second, 20*time.Millisecond).Should(
				ContainElement(`{"type":"assistant-message","payload":"hi there"}`))
			Eventually(children.AudioRequests, 5*time.Second, 20*time.Millisecond).Should(
				ContainSubstring(`{"type":"backend-audio-service","payload":"hi there"}`))
			Eventually(recorder.all, 5*time.Second, 20*time.Millisecond).Should(
				ContainElement(`{"type":"audio-service-response","payload":"spoken"}`))
		})

		It("does not deliver log records to the UI", func() {
			startAll()
			router.Invoke(`{"type":"user-message","payload":"hello"}`)

			Eventually(recorder.all, 5*time.Second).ShouldNot(BeEmpty())
			for _, rec := range recorder.all() {
				Expect(rec).NotTo(ContainSubstring(`"type":"log"`))
			}
		})
	})

	Describe("shutdown", func() {
		It("terminates every child and removes the named pipe", func() {
			startAll()
			pids := []int{}
			for _, c := range supervisor.Registry().Snapshot() {
				pids = append(pids, c.PID())
			}
			Expect(pids).To(HaveLen(2))

			Expect(coordinator.Trigger("signal: terminated", 0)).To(BeTrue())
			Expect(coordinator.Wait()).To(Equal(0))

			Expect(supervisor.Registry().Snapshot()).To(BeEmpty())
			pm := infra.NewProcessManager()
			for _, pid := range pids {
				Expect(pm.IsRunning(pid)).To(BeFalse())
			}
			_, err := os.Stat(children.FIFOPath())
			Expect(os.IsNotExist(err)).To(BeTrue())

			entries, err := ledger.Entries()
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())
		})

		It("is idempotent", func() {
			startAll()
			Expect(coordinator.Trigger("first", 0)).To(BeTrue())
			Expect(coordinator.Trigger("second", 1)).To(BeFalse())
			Expect(coordinator.Wait()).To(Equal(0))

			supervisor.CleanupAll()
			Expect(supervisor.Registry().Snapshot()).To(BeEmpty())
		})

		It("drops writes once a child is gone", func() {
			startAll()
			coordinator.Trigger("closing", 0)
			coordinator.Wait()

			Expect(func() {
				router.Invoke(`{"type":"user-message","payload":"late"}`)
			}).NotTo(Panic())
			Expect(recorder.all()).NotTo(ContainElement(ContainSubstring("late")))
		})
	})

	Describe("spawn failures", func() {
		It("reports a missing working directory", func() {
			spec := children.BackendSpec()
			spec.Dir = filepath.Join(tmpDir, "missing")

			_, err := supervisor.Spawn(coordinator.Context(), spec)
			var spawnErr *domain.SpawnError
			Expect(errors.As(err, &spawnErr)).To(BeTrue())
			Expect(spawnErr.Stage).To(Equal("workdir"))
		})

		It("reports an audio child that never opens its pipe", func() {
			spec := children.AudioSpec()
			spec.Command = []string{"sleep", "30"}
			spec.ReadyTimeout = 200 * time.Millisecond

			_, err := supervisor.Spawn(coordinator.Context(), spec)
			var spawnErr *domain.SpawnError
			Expect(errors.As(err, &spawnErr)).To(BeTrue())
			Expect(spawnErr.Stage).To(Equal("transport"))
			Expect(supervisor.Registry().Occupied(domain.RoleAudio)).To(BeFalse())
		})
	})

	Describe("stale children", func() {
		It("are reaped from the ledger on the next run", func() {
			startAll()
			var backendPID int
			for _, c := range supervisor.Registry().Snapshot() {
				if c.Role == domain.RoleBackend {
					backendPID = c.PID()
				}
			}
			Expect(backendPID).NotTo(BeZero())

			// A later run under the recorded owner PID treats the child as its own leftover.
			next := daemon.NewSupervisor(daemon.DefaultSupervisorConfig(), daemon.NewProcessRegistry(true),
				infra.NewProcessManager(), infra.NewFileSystemManager(), ledger, zap.NewNop())
			reaped, err := next.ReapStale()
			Expect(err).NotTo(HaveOccurred())

			roles := []string{}
			for _, e := range reaped {
				roles = append(roles, string(e.Role))
			}
			Expect(strings.Join(roles, ",")).To(ContainSubstring("backend"))
			Eventually(func() bool {
				return infra.NewProcessManager().IsRunning(backendPID)
			}, 3*time.Second).Should(BeFalse())
		})

		It("are left alone while their owner is still running", func() {
			pm := infra.NewProcessManager()
			owner := exec.Command("sleep", "30")
			child := exec.Command("sleep", "30")
			for _, cmd := range []*exec.Cmd{owner, child} {
				infra.PrepareGroup(cmd)
				Expect(cmd.Start()).To(Succeed())
				DeferCleanup(func(c *exec.Cmd) {
					_ = infra.KillGroup(c.Process.Pid)
					_, _ = c.Process.Wait()
				}, cmd)
			}
			started, err := pm.CreateTime(owner.Process.Pid)
			Expect(err).NotTo(HaveOccurred())
			Expect(ledger.Record(domain.LedgerEntry{
				OwnerPID:     owner.Process.Pid,
				OwnerStarted: started,
				Role:         domain.RoleAudio,
				PID:          child.Process.Pid,
				Command:      "sleep 30",
				StartedAt:    time.Now(),
			})).To(Succeed())

			reaped, err := supervisor.ReapStale()
			Expect(err).NotTo(HaveOccurred())
			Expect(reaped).To(BeEmpty())
			Expect(pm.IsRunning(child.Process.Pid)).To(BeTrue())

			entries, err := ledger.Entries()
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].OwnerPID).To(Equal(owner.Process.Pid))
		})
	})
})
