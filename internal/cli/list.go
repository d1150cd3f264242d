package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rocketship-ai/qapilot/internal/model"
	"github.com/rocketship-ai/qapilot/internal/orchestrator"
	"github.com/rocketship-ai/qapilot/internal/persistence"
)

// ListFlags holds the flags for the list command
type ListFlags struct {
	Status string
	Limit  int
	Format string
}

// NewListCmd creates a new list command
func NewListCmd() *cobra.Command {
	flags := &ListFlags{
		Limit:  20,
		Format: "table",
	}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Long: `List runs, newest first.

Examples:
  # List recent runs
  qapilot list

  # List failed runs as JSON
  qapilot list --status failed --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.Status, "status", "", "Filter by status (pending, setting_up, running_tests, completed, failed)")
	cmd.Flags().IntVar(&flags.Limit, "limit", flags.Limit, "Maximum number of runs to display")
	cmd.Flags().StringVar(&flags.Format, "format", flags.Format, "Output format (table, json)")

	return cmd
}

func runList(cmd *cobra.Command, flags *ListFlags) error {
	status := model.RunStatus(flags.Status)
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown status: %s", flags.Status)
	}

	return withCatalog(cmd, func(ctx context.Context, orch *orchestrator.Orchestrator) error {
		Logger.Debug("listing runs", "status", status, "limit", flags.Limit)
		runs, err := orch.ListRuns(ctx, persistence.ListOptions{Status: status, Limit: flags.Limit})
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}

		switch flags.Format {
		case "table":
			return displayRunsTable(cmd.OutOrStdout(), runs, time.Now())
		case "json":
			return writeJSON(cmd.OutOrStdout(), runs)
		default:
			return fmt.Errorf("unknown format: %s", flags.Format)
		}
	})
}

func displayRunsTable(out io.Writer, runs []model.Run, now time.Time) error {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return nil
	}

	w := newTable(out)
	defer flush(w)

	if _, err := fmt.Fprintf(w, "RUN ID\tSTATUS\tAPP\tBRANCH\tSTEPS\tDURATION\tCREATED\n"); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "------\t------\t---\t------\t-----\t--------\t-------\n"); err != nil {
		return err
	}

	for _, run := range runs {
		if _, err := fmt.Fprintf(w, "%s\t%s %s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID,
			statusIcon(run.Status),
			run.Status,
			truncate(run.AppName, 30),
			truncate(run.Branch, 20),
			counts(run.Counts()),
			runDuration(run),
			formatTime(run.CreatedAt, now),
		); err != nil {
			return err
		}
	}

	return nil
}
