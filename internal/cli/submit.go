package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"

	"github.com/rocketship-ai/qapilot/internal/jobs"
	"github.com/rocketship-ai/qapilot/internal/model"
	"github.com/rocketship-ai/qapilot/internal/orchestrator"
)

// NewSubmitCmd creates a new submit command
func NewSubmitCmd() *cobra.Command {
	flags := &RunFlags{}
	var wait bool

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a run and hand it to the worker pool",
		Long: `Create a run and start a durable workflow for it on Temporal. A
qapilot worker listening on the configured task queue executes it.

Examples:
  qapilot submit --repo https://github.com/acme/shop --demo
  qapilot submit --repo https://github.com/acme/shop -f Login --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, flags, wait)
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the run to finish and print its result")

	return cmd
}

func runSubmit(cmd *cobra.Command, flags *RunFlags, wait bool) error {
	cfg, err := LoadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Database.Driver == "memory" {
		return fmt.Errorf("submit needs a database shared with the worker, not the memory driver")
	}

	c, err := DialTemporal(cfg.Temporal, Logger)
	if err != nil {
		return err
	}
	defer c.Close()

	return withCatalog(cmd, func(ctx context.Context, orch *orchestrator.Orchestrator) error {
		run, err := flags.createRun(ctx, orch)
		if err != nil {
			return err
		}

		options := client.StartWorkflowOptions{
			ID:        jobs.WorkflowID(run.ID),
			TaskQueue: cfg.Temporal.TaskQueue,
		}
		execution, err := c.ExecuteWorkflow(ctx, options, jobs.WorkflowName, jobs.RunInput{
			RunID:            run.ID,
			BootstrapTimeout: cfg.Bootstrap.ProvisionTimeout + cfg.Bootstrap.CloneTimeout + cfg.Bootstrap.InstallTimeout + cfg.Bootstrap.HealthTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to start workflow: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Submitted run %s (workflow %s)\n", run.ID, execution.GetID())
		if !wait {
			return nil
		}

		var final model.Run
		if err := execution.Get(ctx, &final); err != nil {
			fmt.Fprintf(out, "%s\n", jobs.CleanErrorMessage(err))
		}
		details, err := orch.GetRunDetails(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("failed to get run %s: %w", run.ID, err)
		}
		if err := printRunDetails(out, details, true); err != nil {
			return err
		}
		if details.Run.Status == model.RunFailed {
			return fmt.Errorf("run %s failed: %s", run.ID, details.Run.ErrorMessage)
		}
		return nil
	})
}
