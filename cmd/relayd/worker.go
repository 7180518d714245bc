package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/relay/agent"
	"github.com/GoCodeAlone/relay/config"
	"github.com/GoCodeAlone/relay/internal/version"
	"github.com/GoCodeAlone/relay/question"
	"github.com/GoCodeAlone/relay/server"
	"github.com/GoCodeAlone/relay/server/api"
	"github.com/GoCodeAlone/relay/server/auth"
	"github.com/GoCodeAlone/relay/task"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a worker that executes one task at a time",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig((*config.Config).ValidateWorker)
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg, logger)
		},
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	id := cfg.Worker.ID
	logger = logger.With(slog.String("role", "worker"), slog.String("worker_id", id))

	key, err := auth.DeriveKey([]byte(cfg.Secret), id)
	if err != nil {
		return err
	}

	store, err := task.NewSQLiteStore(cfg.DBPath("worker"))
	if err != nil {
		return err
	}
	defer store.Close()
	qs, err := question.NewSQLiteStore(store.DB())
	if err != nil {
		return err
	}
	questions := question.NewCheckpoint(qs, cfg.Questions.PollInterval.D(), logger)

	notifier := agent.NewHTTPNotifier(cfg.Worker.OrchestratorURL, id, key)
	reg := agent.NewRegistry(id, store, notifier, logger)
	reg.SetPushTimeout(cfg.Worker.PushTimeout.D())
	eng := newEngine(cfg.Engine)
	svc := agent.NewService(reg, agent.NewAdapter(reg, eng, questions, logger), questions, logger)
	svc.Version = version.Version

	n, err := reg.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Warn("failed tasks left running by a previous process", slog.Int("count", n))
	}

	routes := api.NewWorker(svc, logger)
	routes.Streams.Keepalive = cfg.Stream.Keepalive.D()
	srv := server.New(cfg.Server.Addr, routes, auth.StaticKey(key), id, logger)

	logger.Info("starting relay worker",
		slog.String("version", version.Version),
		slog.String("engine", eng.Name()),
		slog.String("orchestrator", cfg.Worker.OrchestratorURL),
	)
	return run(cfg, logger, srv, func(ctx context.Context) error {
		if err := reg.Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
}
