package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rocketship-ai/qapilot/internal/dsl"
	"github.com/rocketship-ai/qapilot/internal/model"
	"github.com/rocketship-ai/qapilot/internal/orchestrator"
)

// NewFlowsCmd creates the flows command group
func NewFlowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Manage the test flow catalog",
	}
	cmd.AddCommand(newFlowsListCmd(), newFlowsAddCmd(), newFlowsSeedCmd(), newFlowsImportCmd())
	return cmd
}

func newFlowsListCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List test flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd, func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				flows, err := orch.Store().ListTestFlows(ctx)
				if err != nil {
					return fmt.Errorf("failed to list test flows: %w", err)
				}
				switch format {
				case "table":
					return displayFlowsTable(cmd.OutOrStdout(), flows)
				case "json":
					return writeJSON(cmd.OutOrStdout(), flows)
				default:
					return fmt.Errorf("unknown format: %s", format)
				}
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "Output format (table, json)")
	return cmd
}

func newFlowsAddCmd() *cobra.Command {
	var description, task string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a test flow",
		Long: `Add a natural-language test flow to the catalog.

Example:
  qapilot flows add "Search" --task "Search for 'shoes' and confirm results are listed"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(task) == "" {
				return fmt.Errorf("--task is required")
			}
			return withCatalog(cmd, func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				created, err := orch.ImportFlows(ctx, []model.TestFlow{{
					Name:        strings.TrimSpace(args[0]),
					Description: strings.TrimSpace(description),
					Task:        strings.TrimSpace(task),
				}})
				if err != nil {
					return err
				}
				if len(created) == 0 {
					return fmt.Errorf("a test flow named %q already exists", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Added %s (%s)\n", color.GreenString("✓"), created[0].Name, created[0].ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "Instructions the agent follows")
	cmd.Flags().StringVar(&description, "description", "", "Human-readable description")
	return cmd
}

func newFlowsSeedCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Add the built-in demo flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			flows, err := dsl.DemoFlows(baseURL)
			if err != nil {
				return err
			}
			return importFlows(cmd, flows)
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Application URL referenced by the demo tasks")
	return cmd
}

func newFlowsImportCmd() *cobra.Command {
	var vars []string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import test flows from a YAML file",
		Long: `Import test flows from a YAML flow file.

Example file:
  version: v1
  vars:
    baseUrl: http://localhost:3000
  flows:
    - name: Login
      task: Open {{ .vars.baseUrl }}/login and sign in as test@example.com`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := parseVars(vars)
			if err != nil {
				return err
			}
			flows, err := dsl.ParseFile(args[0], overrides)
			if err != nil {
				return err
			}
			return importFlows(cmd, flows)
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, "Override a file variable (key=value)")
	return cmd
}

func importFlows(cmd *cobra.Command, flows []model.TestFlow) error {
	return withCatalog(cmd, func(ctx context.Context, orch *orchestrator.Orchestrator) error {
		created, err := orch.ImportFlows(ctx, flows)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, f := range created {
			fmt.Fprintf(out, "%s Added %s (%s)\n", color.GreenString("✓"), f.Name, f.ID)
		}
		if skipped := len(flows) - len(created); skipped > 0 {
			fmt.Fprintf(out, "Skipped %d existing flow(s)\n", skipped)
		}
		return nil
	})
}

func displayFlowsTable(out io.Writer, flows []model.TestFlow) error {
	if len(flows) == 0 {
		fmt.Fprintln(out, "No test flows found. Run 'qapilot flows seed' to add the demo flows.")
		return nil
	}
	w := newTable(out)
	defer flush(w)

	if _, err := fmt.Fprintf(w, "ID\tNAME\tDEMO\tTASK\n"); err != nil {
		return err
	}
	for _, f := range flows {
		demo := ""
		if f.IsDemo {
			demo = "yes"
		}
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.ID, truncate(f.Name, 30), demo, truncate(f.Task, 60)); err != nil {
			return err
		}
	}
	return nil
}

// resolveFlowIDs maps --flow selectors (IDs or names) to flow IDs. With no
// selectors every catalog flow is selected; with demo the demo flows are
// seeded first and selected.
func resolveFlowIDs(ctx context.Context, orch *orchestrator.Orchestrator, selectors []string, demo bool) ([]string, error) {
	if demo {
		flows, err := dsl.DemoFlows("")
		if err != nil {
			return nil, err
		}
		if _, err := orch.ImportFlows(ctx, flows); err != nil {
			return nil, err
		}
		if len(selectors) == 0 {
			for _, f := range flows {
				selectors = append(selectors, f.Name)
			}
		}
	}

	catalog, err := orch.Store().ListTestFlows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list test flows: %w", err)
	}
	if len(selectors) == 0 {
		ids := make([]string, len(catalog))
		for i, f := range catalog {
			ids[i] = f.ID
		}
		return ids, nil
	}

	ids := make([]string, 0, len(selectors))
	for _, sel := range selectors {
		id, ok := matchFlow(catalog, sel)
		if !ok {
			return nil, fmt.Errorf("test flow %q not found", sel)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func matchFlow(catalog []model.TestFlow, selector string) (string, bool) {
	selector = strings.TrimSpace(selector)
	for _, f := range catalog {
		if f.ID == selector {
			return f.ID, true
		}
	}
	for _, f := range catalog {
		if strings.EqualFold(f.Name, selector) {
			return f.ID, true
		}
	}
	return "", false
}

func parseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid variable %q, expected key=value", p)
		}
		vars[strings.TrimSpace(k)] = v
	}
	return vars, nil
}

// withCatalog opens the configured store and hands fn an orchestrator that
// can manage runs and flows.
func withCatalog(cmd *cobra.Command, fn func(ctx context.Context, orch *orchestrator.Orchestrator) error) error {
	cfg, err := LoadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			Logger.Debug("failed to close store", "error", err)
		}
	}()
	return fn(ctx, NewCatalog(ctx, cfg, store, Logger))
}
