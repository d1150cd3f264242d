package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rocketship-ai/qapilot/internal/agentloop"
	"github.com/rocketship-ai/qapilot/internal/analysis"
	"github.com/rocketship-ai/qapilot/internal/artifacts"
	"github.com/rocketship-ai/qapilot/internal/bootstrap"
	"github.com/rocketship-ai/qapilot/internal/config"
	"github.com/rocketship-ai/qapilot/internal/github"
	"github.com/rocketship-ai/qapilot/internal/llm"
	"github.com/rocketship-ai/qapilot/internal/oracle"
	"github.com/rocketship-ai/qapilot/internal/orchestrator"
	"github.com/rocketship-ai/qapilot/internal/persistence"
	"github.com/rocketship-ai/qapilot/internal/sandbox"
	"github.com/rocketship-ai/qapilot/internal/sandbox/local"
)

// LoadConfig resolves configuration from the persistent flags.
func LoadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env-file")
	return config.Load(config.Options{Path: path, EnvFile: envFile, Secrets: secretStore})
}

// OpenStore opens the configured store, migrating SQL databases.
func OpenStore(ctx context.Context, cfg *config.Config) (persistence.Store, error) {
	if cfg.Database.Driver == "memory" {
		return persistence.NewMemoryStore(), nil
	}
	return persistence.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
}

// NewCatalog returns an orchestrator able to create and inspect runs and
// flows but not execute them.
func NewCatalog(ctx context.Context, cfg *config.Config, store persistence.Store, logger *slog.Logger) *orchestrator.Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	deps := orchestrator.Deps{Store: store, Logger: logger}
	if repos, err := newGitHub(ctx, cfg); err != nil {
		logger.Warn("github client unavailable", "error", err)
	} else {
		deps.Repos = repos
	}
	return orchestrator.New(deps, orchestratorConfig(cfg))
}

// NewRuntime wires every collaborator a run needs: the local environment
// provider, bootstrapper, oracle, loop, analyzer and artifact recorder.
func NewRuntime(ctx context.Context, cfg *config.Config, store persistence.Store, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	model, err := llm.NewClient(llm.Config{
		APIKey:    cfg.Oracle.APIKey,
		BaseURL:   cfg.Oracle.BaseURL,
		Model:     cfg.Oracle.Model,
		MaxTokens: cfg.Oracle.MaxTokens,
		Timeout:   cfg.Oracle.Timeout,
		RetryMax:  cfg.Oracle.RetryMax,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}

	env := local.New(local.Config{
		Root:       cfg.Sandbox.Root,
		Headful:    cfg.Sandbox.Headful,
		ChromePath: cfg.Sandbox.ChromePath,
		Width:      cfg.Sandbox.Width,
		Height:     cfg.Sandbox.Height,
	}, logger)

	var appEnv []byte
	if cfg.Bootstrap.AppEnvFile != "" {
		appEnv, err = os.ReadFile(cfg.Bootstrap.AppEnvFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read application env file: %w", err)
		}
	}

	boot := bootstrap.New(env, bootstrap.Config{
		WorkDir:            "app",
		Port:               cfg.Bootstrap.Port,
		ProcessName:        cfg.Bootstrap.ProcessName,
		ExpectedBinary:     cfg.Bootstrap.ExpectedBinary,
		DevScript:          cfg.Bootstrap.DevScript,
		LogLines:           cfg.Bootstrap.LogLines,
		EnvFile:            appEnv,
		EnvFileName:        cfg.Bootstrap.AppEnvFileName,
		ProvisionTimeout:   cfg.Bootstrap.ProvisionTimeout,
		CloneTimeout:       cfg.Bootstrap.CloneTimeout,
		InstallTimeout:     cfg.Bootstrap.InstallTimeout,
		CommandTimeout:     cfg.Bootstrap.CommandTimeout,
		StartSettle:        cfg.Bootstrap.StartSettle,
		HealthPollInterval: cfg.Bootstrap.HealthPollInterval,
		HealthTimeout:      cfg.Bootstrap.HealthTimeout,
	}, logger)

	loop := agentloop.New(env, oracle.New(model, cfg.Oracle.Timeout, logger), agentloop.Config{
		SettleDelay:       cfg.Agent.SettleDelay,
		ScreenshotTimeout: cfg.Agent.ScreenshotTimeout,
		ActionTimeout:     cfg.Agent.ActionTimeout,
		Screenshot:        sandbox.ScreenshotOptions{Format: sandbox.FormatJPEG, Quality: cfg.Agent.ScreenshotQuality},
	}, logger)

	deps := orchestrator.Deps{
		Store:        store,
		Environments: env,
		Bootstrapper: boot,
		Loop:         loop,
		Analyzer:     analysis.NewModelAnalyzer(model, logger),
		Logger:       logger,
	}

	sink, err := newSink(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if sink != nil {
		deps.Recorder = artifacts.NewRecorder(sink, logger)
	}

	if repos, err := newGitHub(ctx, cfg); err != nil {
		logger.Warn("github client unavailable, cloning anonymously", "error", err)
	} else {
		deps.Repos = repos
	}

	return orchestrator.New(deps, orchestratorConfig(cfg)), nil
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		MaxSteps:             cfg.Agent.MaxSteps,
		FailRunOnFlowFailure: cfg.Agent.FailRunOnFlowFailure,
		KeepEnvironment:      cfg.Sandbox.KeepEnvironment,
	}
}

func newSink(ctx context.Context, cfg *config.Config) (artifacts.Sink, error) {
	switch cfg.Artifacts.Kind {
	case "file":
		return artifacts.NewFileSink(cfg.Artifacts.Dir)
	case "s3":
		s3 := cfg.Artifacts.S3
		return artifacts.NewS3Sink(ctx, artifacts.S3Config{
			Bucket:   s3.Bucket,
			Prefix:   s3.Prefix,
			Region:   s3.Region,
			Endpoint: s3.Endpoint,
		})
	default:
		return nil, nil
	}
}

func newGitHub(ctx context.Context, cfg *config.Config) (*github.Client, error) {
	gh := github.Config{
		Token:          cfg.GitHub.Token,
		AppID:          cfg.GitHub.AppID,
		InstallationID: cfg.GitHub.InstallationID,
		BaseURL:        cfg.GitHub.BaseURL,
	}
	if cfg.GitHub.PrivateKeyPath != "" {
		key, err := os.ReadFile(cfg.GitHub.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read GitHub App private key: %w", err)
		}
		gh.PrivateKey = key
	}
	return github.NewClient(ctx, gh)
}
