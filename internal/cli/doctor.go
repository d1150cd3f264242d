package cli

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/rocketship-ai/qapilot/internal/config"
	"github.com/rocketship-ai/qapilot/internal/database"
	"github.com/rocketship-ai/qapilot/internal/persistence"
)

type checkResult struct {
	name     string
	ok       bool
	critical bool
	messages []string
}

var lookPath = exec.LookPath

var chromeBinaries = []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "chrome"}

// NewDoctorCmd creates a doctor subcommand that checks the local toolchain,
// credentials and backing services a run depends on.
func NewDoctorCmd() *cobra.Command {
	var withTemporal bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose qapilot environment issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			cfg, err := LoadConfig(cmd)
			if err != nil {
				_, _ = fmt.Fprintf(out, "[FAIL] configuration\n    %v\n", err)
				return fmt.Errorf("doctor found 1 critical issue(s)")
			}
			_, _ = fmt.Fprintln(out, "[PASS] configuration")

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			results := runDoctorChecks(ctx, cfg, withTemporal)
			criticalIssues := 0
			for _, res := range results {
				switch {
				case res.ok:
					_, _ = fmt.Fprintf(out, "[PASS] %s\n", res.name)
				case res.critical:
					_, _ = fmt.Fprintf(out, "[FAIL] %s\n", res.name)
					criticalIssues++
				default:
					_, _ = fmt.Fprintf(out, "[WARN] %s\n", res.name)
				}
				for _, msg := range res.messages {
					_, _ = fmt.Fprintf(out, "    %s\n", msg)
				}
			}

			if criticalIssues > 0 {
				return fmt.Errorf("doctor found %d critical issue(s)", criticalIssues)
			}
			_, _ = fmt.Fprintln(out, "All checks passed.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&withTemporal, "temporal", false, "Also check the Temporal frontend used by submit and workers")
	return cmd
}

func runDoctorChecks(ctx context.Context, cfg *config.Config, withTemporal bool) []checkResult {
	results := []checkResult{
		checkDatabase(ctx, cfg.Database),
		checkTools("git", "node", "npm", "curl"),
		checkChrome(cfg.Sandbox.ChromePath),
		checkAPIKey(cfg.Oracle),
		checkGitHub(ctx, cfg),
	}
	if withTemporal {
		results = append(results, checkTemporal(cfg.Temporal))
	}
	return results
}

func checkDatabase(ctx context.Context, db config.DatabaseConfig) checkResult {
	res := checkResult{name: fmt.Sprintf("database (%s)", db.Driver), critical: true}
	switch db.Driver {
	case "memory":
		res.ok = true
		res.messages = []string{"runs are not persisted across invocations"}
		return res
	case persistence.DriverPostgres:
		info, err := database.Probe(ctx, db.DSN)
		if err != nil {
			res.messages = []string{err.Error()}
			return res
		}
		res.ok = true
		res.messages = []string{fmt.Sprintf("%s, database %s, %s", truncate(info.Version, 40), info.Database, formatDuration(info.Latency))}
		if !info.Migrated {
			res.messages = append(res.messages, "schema not yet created; run 'qapilot migrate'")
		}
		return res
	}

	store, err := persistence.Open(ctx, db.Driver, db.DSN)
	if err != nil {
		res.messages = []string{err.Error()}
		return res
	}
	_ = store.Close()
	res.ok = true
	return res
}

func checkTools(names ...string) checkResult {
	res := checkResult{name: "local toolchain", ok: true, critical: true}
	for _, name := range names {
		if _, err := lookPath(name); err != nil {
			res.ok = false
			res.messages = append(res.messages, fmt.Sprintf("%s not found on PATH", name))
		}
	}
	return res
}

func checkChrome(configured string) checkResult {
	res := checkResult{name: "browser", critical: true}
	candidates := chromeBinaries
	if configured != "" {
		candidates = []string{configured}
	}
	for _, name := range candidates {
		if path, err := lookPath(name); err == nil {
			res.ok = true
			res.messages = []string{path}
			return res
		}
	}
	res.messages = []string{"no Chrome or Chromium binary found; set sandbox.chromePath"}
	return res
}

func checkAPIKey(o config.OracleConfig) checkResult {
	res := checkResult{name: "model API key", critical: true}
	if o.APIKey == "" {
		res.messages = []string{
			"set ANTHROPIC_API_KEY or run 'qapilot secrets set " + config.SecretAnthropicAPIKey + "'",
		}
		return res
	}
	res.ok = true
	res.messages = []string{fmt.Sprintf("model %s", o.Model)}
	return res
}

func checkGitHub(ctx context.Context, cfg *config.Config) checkResult {
	res := checkResult{name: "GitHub access"}
	gh, err := newGitHub(ctx, cfg)
	if err != nil {
		res.messages = []string{err.Error()}
		return res
	}
	res.ok = true
	res.messages = []string{fmt.Sprintf("auth method: %s", gh.AuthMethod())}
	return res
}

func checkTemporal(t config.TemporalConfig) checkResult {
	res := checkResult{name: fmt.Sprintf("temporal (%s)", t.HostPort)}
	c, err := DialTemporal(t, Logger)
	if err != nil {
		res.messages = []string{err.Error()}
		return res
	}
	c.Close()
	res.ok = true
	return res
}
