package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/relay/config"
	"github.com/GoCodeAlone/relay/internal/version"
	"github.com/GoCodeAlone/relay/orchestrator"
	"github.com/GoCodeAlone/relay/question"
	"github.com/GoCodeAlone/relay/server"
	"github.com/GoCodeAlone/relay/server/api"
	"github.com/GoCodeAlone/relay/server/auth"
	"github.com/GoCodeAlone/relay/task"
)

func orchestratorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orchestrator",
		Short: "Run the orchestrator that delegates to workers and runs conversations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig((*config.Config).ValidateOrchestrator)
			if err != nil {
				return err
			}
			return runOrchestrator(cfg, logger)
		},
	}
}

func runOrchestrator(cfg *config.Config, logger *slog.Logger) error {
	logger = logger.With(slog.String("role", "orchestrator"))
	secret := []byte(cfg.Secret)

	clients := make([]*orchestrator.WorkerClient, 0, len(cfg.Orchestrator.Workers))
	for _, w := range cfg.Orchestrator.Workers {
		key, err := auth.DeriveKey(secret, w.ID)
		if err != nil {
			return err
		}
		clients = append(clients, orchestrator.NewWorkerClient(w.ID, w.URL, key))
	}

	store, err := task.NewSQLiteStore(cfg.DBPath("orchestrator"))
	if err != nil {
		return err
	}
	defer store.Close()
	qs, err := question.NewSQLiteStore(store.DB())
	if err != nil {
		return err
	}
	convs, err := orchestrator.NewSQLiteConversations(store.DB())
	if err != nil {
		return err
	}

	questions := question.NewCheckpoint(qs, cfg.Questions.PollInterval.D(), logger)
	eng := newEngine(cfg.Engine)
	turns := orchestrator.NewTurnRunner(eng, convs, questions, logger)
	delivery := orchestrator.NewDelivery(store, orchestrator.NewWorkers(clients...), turns, logger)

	routes := api.NewOrchestrator(delivery, turns, logger)
	routes.Version = version.Version
	routes.Streams.Keepalive = cfg.Stream.Keepalive.D()
	srv := server.New(cfg.Server.Addr, routes, auth.WorkerKeys(secret), auth.Orchestrator, logger)

	logger.Info("starting relay orchestrator",
		slog.String("version", version.Version),
		slog.String("engine", eng.Name()),
		slog.Int("workers", len(clients)),
	)
	return run(cfg, logger, srv, func(ctx context.Context) error {
		return turns.Stop(ctx)
	})
}
