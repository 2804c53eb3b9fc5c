// caod is the orchestration daemon: it hosts the Registry, Bus,
// Injector/Reader, Orchestrator, Flow Scheduler and HTTP control plane in
// one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/FC4b/cli-agent-orchestrator/internal/bus"
	"github.com/FC4b/cli-agent-orchestrator/internal/config"
	"github.com/FC4b/cli-agent-orchestrator/internal/flow"
	"github.com/FC4b/cli-agent-orchestrator/internal/httpapi"
	"github.com/FC4b/cli-agent-orchestrator/internal/injector"
	"github.com/FC4b/cli-agent-orchestrator/internal/muxadapter"
	"github.com/FC4b/cli-agent-orchestrator/internal/orchestrator"
	"github.com/FC4b/cli-agent-orchestrator/internal/registry"
)

var configPath string
var jsonLogs bool

var rootCmd = &cobra.Command{
	Use:   "caod",
	Short: "caod runs the CLI agent orchestrator daemon",
	Long: `caod hosts the terminal registry, message bus, injector, orchestrator
and flow scheduler for a fleet of interactive agent terminals, and exposes
them over a loopback HTTP control plane.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "caod.toml", "path to caod's TOML config file")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit structured logs as JSON instead of text")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	var handler slog.Handler
	if jsonLogs {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func serve(ctx context.Context) error {
	setupLogging()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	backend := muxadapter.NewTmuxBackend(muxadapter.NewTmux())
	reg := registry.New()
	inj := injector.New(backend, reg, cfg.InjectorConfig())
	b := bus.New(reg, inj)
	orc := orchestrator.New(backend, reg, b, inj, cfg.OrchestratorConfig())

	store, err := flow.NewStore(cfg.Flows.Dir)
	if err != nil {
		return fmt.Errorf("opening flow store %s: %w", cfg.Flows.Dir, err)
	}
	defer store.Close()

	sched := flow.NewScheduler(store, orc, cfg.FlowTickInterval())
	schedCtx, stopSched := context.WithCancel(ctx)
	go sched.Run(schedCtx)
	defer stopSched()

	server := httpapi.NewServer(reg, orc, store, sched, httpapi.WithAddr(cfg.Server.ListenAddr))

	serverErrCh := make(chan error, 1)
	go func() { serverErrCh <- server.Start() }()

	select {
	case <-ctx.Done():
		slog.Info("caod: shutting down", "reason", ctx.Err())
	case err := <-serverErrCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("caod: http shutdown error", "err", err)
	}
	orc.ShutdownAll()

	return nil
}
