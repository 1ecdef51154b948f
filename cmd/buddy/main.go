// Package main is the CLI entry point for buddy.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/buddy/internal/config"
	"github.com/eliteGoblin/focusd/buddy/internal/daemon"
	"github.com/eliteGoblin/focusd/buddy/internal/domain"
	"github.com/eliteGoblin/focusd/buddy/internal/infra"
	"github.com/eliteGoblin/focusd/buddy/internal/policy"
	"github.com/eliteGoblin/focusd/buddy/internal/ui"
	"github.com/eliteGoblin/focusd/buddy/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

var (
	configPath string
	jsonOutput bool
	exitCode   int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(exitCode)
}

var rootCmd = &cobra.Command{
	Use:   "buddy",
	Short: "Desktop assistant shell - supervises the backend and audio services",
	Long: `buddy launches the assistant's backend, audio service and (in production)
the static frontend server, relays line-delimited JSON records between them
and the UI, and tears everything down on exit.

Set DEV_MODE=1 to leave the frontend to an external dev server.`,
	Version: Version,
	RunE:    runRun,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the children and the UI (default)",
	RunE:  runRun,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show children recorded by the last run",
	RunE:  runStatus,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Kill children left behind by a crashed run",
	RunE:  runSweep,
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the routing table",
	Run:   runRoutes,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE:  runConfig,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file or directory (default ./buddy.yaml or ~/.buddy/buddy.yaml)")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(routesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// surface is a UI the relay delivers to.
type surface interface {
	domain.Dispatcher
	Run(ctx context.Context) error
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := infra.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	runID := uuid.New().String()
	logger = logger.With(zap.String("run_id", runID))
	logger.Info("buddy starting", zap.String("version", Version), zap.String("mode", cfg.Mode))

	var ledger domain.Ledger
	if l, err := infra.OpenLedger(cfg.DataDir); err != nil {
		logger.Warn("child ledger unavailable", zap.Error(err))
	} else {
		ledger = l
		defer l.Close()
	}

	supCfg := daemon.SupervisorConfig{
		GracePeriod:   cfg.Shutdown.GracePeriod,
		KillTimeout:   cfg.Shutdown.KillTimeout,
		CleanupOrder:  cfg.CleanupRoles(),
		SweepPatterns: cfg.SweepPatterns(),
		RunID:         runID,
	}
	supervisor := daemon.NewSupervisor(supCfg, daemon.NewProcessRegistry(cfg.IsDev()),
		infra.NewProcessManager(), infra.NewFileSystemManager(), ledger, logger)

	if reaped, err := supervisor.ReapStale(); err != nil {
		logger.Warn("failed to reap stale children", zap.Error(err))
	} else if len(reaped) > 0 {
		logger.Info("reaped children from a previous run", zap.Int("count", len(reaped)))
	}

	coordinator := daemon.NewCoordinator(context.Background(), supervisor.CleanupAll, logger)
	coordinator.WatchSignals(context.Background())

	classifier, err := policy.NewClassifier(cfg.Relay.Classifier)
	if err != nil {
		return err
	}

	// Every child must be up before the UI and relay workers are wired.
	var started []*daemon.ChildProcess
	for _, spec := range cfg.ActiveSpecs() {
		child, err := supervisor.Spawn(coordinator.Context(), spec)
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not start %s: %v\n", spec.Role, err)
			coordinator.Trigger("startup failed", 1)
			exitCode = coordinator.Wait()
			return nil
		}
		started = append(started, child)
	}

	var router *usecase.RouterImpl
	invoke := func(rec string) { router.Invoke(rec) }

	var view surface
	switch cfg.UI.Mode {
	case config.UIWebSocket:
		view = ui.NewBridge(cfg.UI.Listen, invoke, logger)
	default:
		view = ui.NewTerminal(cfg.UI.Title, invoke, func() { coordinator.Trigger("window closed", 0) })
	}

	sink := infra.NewZapLogSink(logger)
	router = usecase.NewRouter(policy.NewTable(), classifier, view, supervisor, sink, logger)
	router.SetQuiet(coordinator.ShuttingDown)

	relay := daemon.NewRelay(router, sink, cfg.Relay.ChunkSize, logger)
	relay.SetQuiet(coordinator.ShuttingDown)
	if cfg.Shutdown.OnChildExit {
		relay.OnExit(func(role domain.Role) {
			coordinator.Trigger("child exited: "+string(role), 1)
		})
	}
	for _, child := range started {
		relay.Start(child)
	}

	if err := view.Run(coordinator.Context()); err != nil {
		logger.Error("ui failed", zap.Error(err))
		coordinator.Trigger("ui failed", 1)
	}
	coordinator.Trigger("ui closed", 0)

	exitCode = coordinator.Wait()
	relay.Wait()
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ledger, err := infra.OpenLedger(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer ledger.Close()

	entries, err := ledger.Entries()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No children recorded.")
		return nil
	}

	pm := infra.NewProcessManager()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "OWNER\tROLE\tPID\tSTATE\tSTARTED\tRUN")
	for _, e := range entries {
		state := "gone"
		if pm.IsRunning(e.PID) {
			state = "pid reused"
			if line, err := pm.Cmdline(e.PID); err == nil && line == e.Command {
				state = "running"
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n", e.OwnerPID, e.Role, e.PID, state,
			e.StartedAt.Format("2006-01-02 15:04:05"), shortID(e.RunID))
	}
	return w.Flush()
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := zap.NewNop()

	var ledger domain.Ledger
	if l, err := infra.OpenLedger(cfg.DataDir); err == nil {
		ledger = l
		defer l.Close()
	}

	supCfg := daemon.DefaultSupervisorConfig()
	supCfg.SweepPatterns = cfg.SweepPatterns()
	supervisor := daemon.NewSupervisor(supCfg, daemon.NewProcessRegistry(cfg.IsDev()),
		infra.NewProcessManager(), infra.NewFileSystemManager(), ledger, logger)

	reaped, err := supervisor.ReapStale()
	if err != nil {
		return err
	}
	for _, e := range reaped {
		fmt.Printf("killed %s (pid %d)\n", e.Role, e.PID)
	}
	supervisor.Sweep()

	fs := infra.NewFileSystemManager()
	for _, role := range cfg.RoleNames() {
		if p := cfg.Children[role].FIFOPath; p != "" {
			if err := fs.Remove(p); err != nil {
				fmt.Fprintf(os.Stderr, "could not remove %s: %v\n", p, err)
			}
		}
	}
	fmt.Println("Sweep complete.")
	return nil
}

func runRoutes(cmd *cobra.Command, args []string) {
	table := policy.NewTable()
	for i, r := range table.Routes() {
		fmt.Printf("%d. %s\n", i+1, policy.Describe(r))
	}
	fmt.Printf("-  %s\n", policy.Describe(table.Fallback(domain.RoleUI)))
	fmt.Printf("-  %s\n", policy.Describe(table.Fallback(domain.RoleBackend)))
	for _, tap := range table.Taps() {
		fmt.Printf("tap: %s.%s -> %s as %s\n", tap.Type, tap.Field, tap.Target, tap.RequestType)
	}
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("buddy %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
