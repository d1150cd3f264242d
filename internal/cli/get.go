package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rocketship-ai/qapilot/internal/analysis"
	"github.com/rocketship-ai/qapilot/internal/orchestrator"
)

// NewGetCmd creates a new get command
func NewGetCmd() *cobra.Command {
	var format string
	var screenshots bool

	cmd := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run with its steps and failure analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd, func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				details, err := orch.GetRunDetails(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to get run %s: %w", args[0], err)
				}
				switch format {
				case "table":
					return printRunDetails(cmd.OutOrStdout(), details, true)
				case "json":
					if !screenshots {
						stripScreenshots(&details)
					}
					return writeJSON(cmd.OutOrStdout(), details)
				default:
					return fmt.Errorf("unknown format: %s", format)
				}
			})
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format (table, json)")
	cmd.Flags().BoolVar(&screenshots, "screenshots", false, "Include base64 screenshots in JSON output")
	return cmd
}

func stripScreenshots(d *orchestrator.RunDetails) {
	for i := range d.Flows {
		for j := range d.Flows[i].Steps {
			d.Flows[i].Steps[j].Screenshot = nil
		}
	}
}

func printRunDetails(out io.Writer, d orchestrator.RunDetails, withAnalysis bool) error {
	run := d.Run
	fmt.Fprintf(out, "\n%s Run %s  %s\n", statusIcon(run.Status), run.ID, run.Status)
	fmt.Fprintf(out, "  App:      %s (%s @ %s)\n", run.AppName, run.RepoURL, run.Branch)
	fmt.Fprintf(out, "  Steps:    %d passed, %d failed, %d total\n", run.PassedSteps, run.FailedSteps, run.TotalSteps)
	fmt.Fprintf(out, "  Duration: %s\n", runDuration(run))
	if run.RecordingURL != "" {
		fmt.Fprintf(out, "  Recording: %s\n", run.RecordingURL)
	}
	if run.ErrorMessage != "" {
		fmt.Fprintf(out, "  Error:    %s\n", color.RedString(run.ErrorMessage))
	}

	for _, fs := range d.Flows {
		name := fs.Flow.Name
		if name == "" {
			name = fs.Flow.ID
		}
		fmt.Fprintf(out, "\n%s\n", color.CyanString(name))
		if len(fs.Steps) == 0 {
			fmt.Fprintln(out, "  (no steps recorded)")
			continue
		}

		w := newTable(out)
		if _, err := fmt.Fprintf(w, "  #\tSTATUS\tACTION\tDESCRIPTION\tERROR\tAT\n"); err != nil {
			return err
		}
		for _, s := range fs.Steps {
			errText := ""
			if s.ErrorKind != "" {
				errText = fmt.Sprintf("%s: %s", s.ErrorKind, truncate(s.ErrorMessage, 50))
			}
			if _, err := fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%s\t%s\n",
				s.StepNumber,
				stepIcon(s.Status),
				s.ActionName,
				truncate(s.Description, 50),
				errText,
				s.ExecutedAt.Local().Format(time.TimeOnly),
			); err != nil {
				return err
			}
		}
		flush(w)
	}

	if withAnalysis && run.Analysis != nil {
		fmt.Fprintf(out, "\n%s\n", analysis.FormatReport(run.Analysis))
	}
	fmt.Fprintln(out)
	return nil
}
