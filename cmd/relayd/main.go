// Command relayd runs a relay worker or orchestrator daemon from a YAML
// config file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/relay/config"
	"github.com/GoCodeAlone/relay/engine"
	"github.com/GoCodeAlone/relay/engine/mock"
	"github.com/GoCodeAlone/relay/engine/process"
	"github.com/GoCodeAlone/relay/internal/version"
	"github.com/GoCodeAlone/relay/server"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "relayd",
		Short:         "Relay task lifecycle daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to config file")
	root.AddCommand(workerCmd(), orchestratorCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relayd:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relayd %s (%s, %s)\n", version.Version, version.Commit, version.BuildDate)
		},
	}
}

// loadConfig reads the config and prepares the data directory.
func loadConfig(validate func(*config.Config) error) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	logger := cfg.NewLogger(os.Stdout)
	return cfg, logger, nil
}

func newEngine(cfg config.EngineConfig) engine.Engine {
	if cfg.Kind == "process" {
		dir := cfg.Dir
		if dir != "" {
			if abs, err := filepath.Abs(dir); err == nil {
				dir = abs
			}
		}
		return process.New(process.Config{Command: cfg.Command, Dir: dir, Env: cfg.Env})
	}
	return mock.New()
}

// run serves srv until SIGINT or SIGTERM, then calls shutdown with a bounded
// context.
func run(cfg *config.Config, logger *slog.Logger, srv *server.Server, shutdown func(context.Context) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.D())
		defer cancel()
		return errors.Join(srv.Stop(sctx), shutdown(sctx))
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
