package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketship-ai/qapilot/internal/model"
	"github.com/rocketship-ai/qapilot/internal/orchestrator"
	"github.com/rocketship-ai/qapilot/internal/persistence"
)

type memorySecrets map[string]string

func (m memorySecrets) Get(name string) (string, error) { return m[name], nil }

func (m memorySecrets) Set(name, value string) error {
	m[name] = value
	return nil
}

func useSecrets(t *testing.T) memorySecrets {
	t.Helper()
	prev := secretStore
	s := memorySecrets{}
	secretStore = s
	t.Cleanup(func() { secretStore = prev })
	return s
}

// writeConfig points the CLI at a fresh sqlite database.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "database:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "qapilot.db") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append(args, "--env-file", ""))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "qapilot "+Version+"\n", out)
}

func TestFlowsSeedAndList(t *testing.T) {
	useSecrets(t)
	cfg := writeConfig(t)

	out, err := execute(t, "", "flows", "seed", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Added Login Flow")

	out, err = execute(t, "", "flows", "seed", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Skipped 3 existing flow(s)")

	out, err = execute(t, "", "flows", "list", "--format", "json", "--config", cfg)
	require.NoError(t, err)
	var flows []model.TestFlow
	require.NoError(t, json.Unmarshal([]byte(out), &flows))
	require.Len(t, flows, 3)
	for _, f := range flows {
		assert.True(t, f.IsDemo)
		assert.NotContains(t, f.Task, "{{")
	}
}

func TestFlowsAdd(t *testing.T) {
	useSecrets(t)
	cfg := writeConfig(t)

	_, err := execute(t, "", "flows", "add", "Search", "--config", cfg)
	require.Error(t, err)

	out, err := execute(t, "", "flows", "add", "Search", "--task", "Search for shoes", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Added Search")

	_, err = execute(t, "", "flows", "add", "Search", "--task", "again", "--config", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestFlowsImport(t *testing.T) {
	useSecrets(t)
	cfg := writeConfig(t)
	file := filepath.Join(t.TempDir(), "flows.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`version: v1
vars:
  baseUrl: http://localhost:3000
flows:
  - name: Pricing
    task: Open {{ .vars.baseUrl }}/pricing and read the plan names
`), 0o600))

	_, err := execute(t, "", "flows", "import", file, "--var", "baseUrl=http://shop.test", "--config", cfg)
	require.NoError(t, err)

	out, err := execute(t, "", "flows", "list", "--format", "json", "--config", cfg)
	require.NoError(t, err)
	var flows []model.TestFlow
	require.NoError(t, json.Unmarshal([]byte(out), &flows))
	require.Len(t, flows, 1)
	assert.Equal(t, "Open http://shop.test/pricing and read the plan names", flows[0].Task)
}

func TestListAndGet(t *testing.T) {
	useSecrets(t)
	cfg := writeConfig(t)

	out, err := execute(t, "", "list", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "No runs found.")

	_, err = execute(t, "", "list", "--status", "bogus", "--config", cfg)
	require.Error(t, err)

	_, err = execute(t, "", "get", "qaRun_missing", "--config", cfg)
	require.Error(t, err)
}

func TestSecretsSet(t *testing.T) {
	store := useSecrets(t)

	out, err := execute(t, "sk-test\n", "secrets", "set", "anthropic-api-key")
	require.NoError(t, err)
	assert.Contains(t, out, "Saved anthropic-api-key")
	assert.Equal(t, "sk-test", store["anthropic-api-key"])

	_, err = execute(t, "", "secrets", "set", "aws-key", "--value", "x")
	require.Error(t, err)

	_, err = execute(t, "", "secrets", "set", "github-token")
	require.Error(t, err)
}

func TestResolveFlowIDs(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	orch := orchestrator.New(orchestrator.Deps{Store: store}, orchestrator.Config{})

	ids, err := resolveFlowIDs(ctx, orch, nil, true)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	login, err := store.GetTestFlow(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "Login Flow", login.Name)

	byName, err := resolveFlowIDs(ctx, orch, []string{"navigation flow", ids[0]}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{ids[1], ids[0]}, byName)

	all, err := resolveFlowIDs(ctx, orch, nil, false)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = resolveFlowIDs(ctx, orch, []string{"Checkout"}, false)
	require.Error(t, err)
}

func TestParseVars(t *testing.T) {
	vars, err := parseVars([]string{"baseUrl=http://x:1/?a=b", " user =bob"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"baseUrl": "http://x:1/?a=b", "user": "bob"}, vars)

	_, err = parseVars([]string{"novalue"})
	assert.Error(t, err)
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "250ms", formatDuration(250*time.Millisecond))
	assert.Equal(t, "1.5s", formatDuration(1500*time.Millisecond))
	assert.Equal(t, "2m5s", formatDuration(125*time.Second))

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "just now", formatTime(now.Add(-10*time.Second), now))
	assert.Equal(t, "5m ago", formatTime(now.Add(-5*time.Minute), now))
	assert.Equal(t, "3h ago", formatTime(now.Add(-3*time.Hour), now))
	assert.Equal(t, "2d ago", formatTime(now.Add(-48*time.Hour), now))
	assert.Equal(t, "Feb 01", formatTime(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), now))

	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))

	assert.Equal(t, "3/1/4", counts(model.StepCounts{Total: 4, Passed: 3, Failed: 1}))
}

func TestDisplayRunsTable(t *testing.T) {
	now := time.Now()
	started := now.Add(-90 * time.Second)
	var buf bytes.Buffer
	require.NoError(t, displayRunsTable(&buf, []model.Run{{
		ID:          "qaRun_0123456789abcdef",
		AppName:     "shop",
		Branch:      "main",
		Status:      model.RunCompleted,
		TotalSteps:  4,
		PassedSteps: 4,
		CreatedAt:   now,
		StartedAt:   &started,
		CompletedAt: &now,
	}}, now))
	out := buf.String()
	assert.Contains(t, out, "qaRun_0123456789abcdef")
	assert.Contains(t, out, "4/0/4")
	assert.Contains(t, out, "1m30s")
}

func TestCheckTools(t *testing.T) {
	prev := lookPath
	t.Cleanup(func() { lookPath = prev })
	lookPath = func(name string) (string, error) {
		if name == "node" {
			return "", os.ErrNotExist
		}
		return "/usr/bin/" + name, nil
	}

	res := checkTools("git", "node")
	assert.False(t, res.ok)
	assert.Equal(t, []string{"node not found on PATH"}, res.messages)

	chrome := checkChrome("")
	assert.True(t, chrome.ok)
	assert.Equal(t, []string{"/usr/bin/google-chrome"}, chrome.messages)
}
