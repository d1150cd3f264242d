package main

import (
	"context"
	"os"

	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/rocketship-ai/qapilot/internal/cli"
	"github.com/rocketship-ai/qapilot/internal/config"
	"github.com/rocketship-ai/qapilot/internal/jobs"
)

func main() {
	// Initialize logging
	cli.InitLogging()
	logger := cli.Logger

	cfg, err := config.Load(config.Options{EnvFile: ".env", Secrets: config.NewKeyring()})
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Database.Driver == "memory" {
		logger.Error("workers need a database shared with the submitting CLI, not the memory driver")
		os.Exit(1)
	}

	ctx := context.Background()
	store, err := cli.OpenStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	orch, err := cli.NewRuntime(ctx, cfg, store, logger)
	if err != nil {
		logger.Error("failed to build runtime", "error", err)
		os.Exit(1)
	}

	c, err := cli.DialTemporal(cfg.Temporal, logger)
	if err != nil {
		logger.Error("failed to create temporal client", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	logger.Debug("creating worker for task queue", "queue", cfg.Temporal.TaskQueue)
	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})

	logger.Debug("registering workflow and activities")
	w.RegisterWorkflowWithOptions(jobs.QARunWorkflow, workflow.RegisterOptions{Name: jobs.WorkflowName})
	w.RegisterActivity(&jobs.Activities{Orch: orch})

	logger.Info("starting worker", "queue", cfg.Temporal.TaskQueue, "database", cfg.Database.Driver)
	if err := w.Run(worker.InterruptCh()); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}
}
