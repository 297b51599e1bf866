package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fleet/internal/app"
	"fleet/internal/config"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const shutdownTimeout = 30 * time.Second

var (
	configFile string
	logLevel   string
	logFormat  string
)

// server is what both roles expose to the run loop
type server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fleet",
		Short: "Run a fleet of backend instances and a round-robin router in front of them",
		// Errors are logged by the commands themselves
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(logLevel, logFormat)
		},
	}
	root.Version = version
	root.SetVersionTemplate("fleet version {{.Version}}\n")

	root.PersistentFlags().StringVar(&configFile, "config", "configs/fleet.yaml", "config file path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	root.AddCommand(
		&cobra.Command{
			Use:   "orchestrator",
			Short: "Run the orchestrator control plane",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), func(b *app.Builder) (server, error) {
					return b.BuildOrchestrator()
				})
			},
		},
		&cobra.Command{
			Use:   "router",
			Short: "Run the round-robin router",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), func(b *app.Builder) (server, error) {
					return b.BuildRouter()
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of fleet",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("fleet version %s\n", version)
			},
		},
	)
	return root
}

func run(parent context.Context, build func(*app.Builder) (server, error)) error {
	if parent == nil {
		parent = context.Background()
	}

	// Load config
	cfg, err := config.NewLoader(configFile).WithAllowMissing(true).Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return err
	}

	srv, err := build(app.NewBuilder(cfg, slog.Default()).WithConfigPath(configFile))
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return err
	}

	// Setup signal handling
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		slog.Error("failed to start server", "error", err)
		return err
	}

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Error("failed to stop server", "error", err)
		return err
	}
	return nil
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func setupLogging(level, format string) {
	lvl, ok := logLevels[strings.ToLower(level)]
	if !ok {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
