package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rocketship-ai/qapilot/internal/model"
	"github.com/rocketship-ai/qapilot/internal/orchestrator"
)

// RunFlags holds the flags shared by run and submit
type RunFlags struct {
	Repo     string
	Branch   string
	AppName  string
	Flows    []string
	Demo     bool
	KeepEnv  bool
	MaxSteps int
}

func (f *RunFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.Repo, "repo", "r", "", "Repository URL of the application under test")
	cmd.Flags().StringVarP(&f.Branch, "branch", "b", "", "Branch to check out (default: the repository's default branch)")
	cmd.Flags().StringVar(&f.AppName, "app-name", "", "Display name (default: derived from the repository URL)")
	cmd.Flags().StringArrayVarP(&f.Flows, "flow", "f", nil, "Test flow ID or name, repeatable (default: every catalog flow)")
	cmd.Flags().BoolVar(&f.Demo, "demo", false, "Seed and run the built-in demo flows")
	_ = cmd.MarkFlagRequired("repo")
}

func (f *RunFlags) createRun(ctx context.Context, orch *orchestrator.Orchestrator) (model.Run, error) {
	ids, err := resolveFlowIDs(ctx, orch, f.Flows, f.Demo)
	if err != nil {
		return model.Run{}, err
	}
	return orch.CreateRun(ctx, orchestrator.CreateRunRequest{
		RepoURL:     f.Repo,
		Branch:      f.Branch,
		AppName:     f.AppName,
		TestFlowIDs: ids,
	})
}

// NewRunCmd creates a new run command
func NewRunCmd() *cobra.Command {
	flags := &RunFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run test flows against an application in this process",
		Long: `Boot the application in a local environment and run test flows against
it, waiting for the run to finish.

Examples:
  # Run the demo flows against a Next.js app
  qapilot run --repo https://github.com/acme/shop --demo

  # Run two catalog flows on a branch and keep the environment afterwards
  qapilot run -r https://github.com/acme/shop -b feature/cart -f Login -f Checkout --keep-env`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocal(cmd, flags)
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&flags.KeepEnv, "keep-env", false, "Keep the environment after the run for inspection")
	cmd.Flags().IntVar(&flags.MaxSteps, "max-steps", 0, "Maximum agent steps per flow (default from config)")

	return cmd
}

func runLocal(cmd *cobra.Command, flags *RunFlags) error {
	cfg, err := LoadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("keep-env") {
		cfg.Sandbox.KeepEnvironment = flags.KeepEnv
	}
	if flags.MaxSteps > 0 {
		cfg.Agent.MaxSteps = flags.MaxSteps
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			Logger.Debug("failed to close store", "error", err)
		}
	}()

	orch, err := NewRuntime(ctx, cfg, store, Logger)
	if err != nil {
		return err
	}

	run, err := flags.createRun(ctx, orch)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created run %s for %s (%s), %d flow(s)\n", run.ID, run.AppName, run.Branch, len(run.TestFlowIDs))

	runID := run.ID
	run, execErr := orch.Execute(ctx, runID)

	details, err := orch.GetRunDetails(context.WithoutCancel(ctx), runID)
	if err != nil {
		Logger.Debug("failed to load run details", "error", err)
	} else {
		if err := printRunDetails(out, details, true); err != nil {
			return err
		}
	}

	if execErr != nil {
		return fmt.Errorf("run %s failed: %w", runID, execErr)
	}
	if run.Status == model.RunFailed {
		return fmt.Errorf("run %s failed: %s", runID, run.ErrorMessage)
	}
	return nil
}
