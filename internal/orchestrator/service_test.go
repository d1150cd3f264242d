package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketship-ai/qapilot/internal/model"
)

type stubRepos struct{ branch string }

func (s stubRepos) CloneToken(context.Context, string) (string, error) { return "", nil }
func (s stubRepos) DefaultBranch(context.Context, string) (string, error) {
	return s.branch, nil
}

func TestCreateRun(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	run, err := h.orch.CreateRun(ctx, CreateRunRequest{RepoURL: "https://github.com/acme/shop.git", TestFlowIDs: []string{h.flows[0].ID}})
	require.NoError(t, err)
	assert.Equal(t, model.RunPending, run.Status)
	assert.Equal(t, "main", run.Branch)
	assert.Equal(t, "shop", run.AppName)
	assert.Equal(t, model.DefaultAppLocalURL, run.AppLocalURL)

	h.orch.repos = stubRepos{branch: "trunk"}
	run, err = h.orch.CreateRun(ctx, CreateRunRequest{RepoURL: "https://github.com/acme/shop", TestFlowIDs: []string{h.flows[0].ID}})
	require.NoError(t, err)
	assert.Equal(t, "trunk", run.Branch)

	run, err = h.orch.CreateRun(ctx, CreateRunRequest{RepoURL: "https://github.com/acme/shop", Branch: "dev", TestFlowIDs: []string{h.flows[0].ID}})
	require.NoError(t, err)
	assert.Equal(t, "dev", run.Branch)
}

func TestCreateRun_Invalid(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRunRequest
	}{
		{"no repo", CreateRunRequest{TestFlowIDs: []string{h.flows[0].ID}}},
		{"ssh url", CreateRunRequest{RepoURL: "git@github.com:acme/shop.git", TestFlowIDs: []string{h.flows[0].ID}}},
		{"host only", CreateRunRequest{RepoURL: "https://github.com", TestFlowIDs: []string{h.flows[0].ID}}},
		{"no flows", CreateRunRequest{RepoURL: "https://github.com/acme/shop"}},
		{"unknown flow", CreateRunRequest{RepoURL: "https://github.com/acme/shop", TestFlowIDs: []string{"testFlow_nope"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.CreateRun(ctx, tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestImportFlows_SkipsExistingNames(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	created, err := h.orch.ImportFlows(context.Background(), []model.TestFlow{
		{Name: "login", Task: "duplicate"},
		{Name: "checkout", Task: "Buy the first product"},
	})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "checkout", created[0].Name)

	all, err := h.store.ListTestFlows(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestRepoName(t *testing.T) {
	assert.Equal(t, "shop", RepoName("https://github.com/acme/shop.git"))
	assert.Equal(t, "shop", RepoName("https://github.com/acme/shop/"))
}
