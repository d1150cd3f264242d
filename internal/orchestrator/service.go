package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/rocketship-ai/qapilot/internal/model"
	"github.com/rocketship-ai/qapilot/internal/persistence"
)

// ErrInvalidRequest wraps validation failures of CreateRun.
var ErrInvalidRequest = errors.New("invalid run request")

const defaultBranch = "main"

// CreateRunRequest describes a run to create.
type CreateRunRequest struct {
	RepoURL     string
	Branch      string
	AppName     string
	TestFlowIDs []string
}

// CreateRun validates req and stores a pending run.
func (o *Orchestrator) CreateRun(ctx context.Context, req CreateRunRequest) (model.Run, error) {
	repoURL := strings.TrimSpace(req.RepoURL)
	if err := validateRepoURL(repoURL); err != nil {
		return model.Run{}, err
	}
	if len(req.TestFlowIDs) == 0 {
		return model.Run{}, fmt.Errorf("%w: at least one test flow is required", ErrInvalidRequest)
	}
	for _, id := range req.TestFlowIDs {
		if _, err := o.store.GetTestFlow(ctx, id); err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				return model.Run{}, fmt.Errorf("%w: unknown test flow %s", ErrInvalidRequest, id)
			}
			return model.Run{}, err
		}
	}

	branch := strings.TrimSpace(req.Branch)
	if branch == "" {
		branch = o.defaultBranch(ctx, repoURL)
	}
	appName := strings.TrimSpace(req.AppName)
	if appName == "" {
		appName = RepoName(repoURL)
	}

	run := model.Run{
		RepoURL:     repoURL,
		Branch:      branch,
		AppName:     appName,
		AppLocalURL: model.DefaultAppLocalURL,
		TestFlowIDs: append([]string{}, req.TestFlowIDs...),
		Status:      model.RunPending,
	}
	if err := o.store.CreateRun(ctx, &run); err != nil {
		return model.Run{}, err
	}
	o.logger.Info("run created", "run_id", run.ID, "repo", repoURL, "branch", branch, "flows", len(run.TestFlowIDs))
	return run, nil
}

func (o *Orchestrator) defaultBranch(ctx context.Context, repoURL string) string {
	if o.repos == nil {
		return defaultBranch
	}
	branch, err := o.repos.DefaultBranch(ctx, repoURL)
	if err != nil || branch == "" {
		o.logger.Debug("falling back to default branch", "repo", repoURL, "error", err)
		return defaultBranch
	}
	return branch
}

func validateRepoURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: repository URL is required", ErrInvalidRequest)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("%w: repository URL must be an http(s) URL: %q", ErrInvalidRequest, raw)
	}
	if strings.Trim(u.Path, "/") == "" {
		return fmt.Errorf("%w: repository URL has no path: %q", ErrInvalidRequest, raw)
	}
	return nil
}

// RepoName derives an application name from a repository URL.
func RepoName(repoURL string) string {
	u, err := url.Parse(repoURL)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(path.Base(strings.TrimRight(u.Path, "/")), ".git")
}

// FlowSteps pairs a flow with the steps it produced in a run.
type FlowSteps struct {
	Flow  model.TestFlow     `json:"flow"`
	Steps []model.StepRecord `json:"steps"`
}

// RunDetails is a run with its evidence grouped by flow, in run order.
type RunDetails struct {
	Run   model.Run   `json:"run"`
	Flows []FlowSteps `json:"flows"`
}

func (o *Orchestrator) GetRunDetails(ctx context.Context, runID string) (RunDetails, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return RunDetails{}, err
	}
	steps, err := o.store.ListSteps(ctx, runID, "")
	if err != nil {
		return RunDetails{}, err
	}

	byFlow := make(map[string][]model.StepRecord)
	for _, s := range steps {
		byFlow[s.TestFlowID] = append(byFlow[s.TestFlowID], s)
	}

	details := RunDetails{Run: run, Flows: make([]FlowSteps, 0, len(run.TestFlowIDs))}
	for _, id := range run.TestFlowIDs {
		flow, err := o.store.GetTestFlow(ctx, id)
		if err != nil {
			if !errors.Is(err, persistence.ErrNotFound) {
				return RunDetails{}, err
			}
			flow = model.TestFlow{ID: id}
		}
		fs := byFlow[id]
		if fs == nil {
			fs = []model.StepRecord{}
		}
		details.Flows = append(details.Flows, FlowSteps{Flow: flow, Steps: fs})
	}
	return details, nil
}

func (o *Orchestrator) ListRuns(ctx context.Context, opts persistence.ListOptions) ([]model.Run, error) {
	return o.store.ListRuns(ctx, opts)
}

// ImportFlows adds flows to the catalog, skipping any whose name is already
// present. It returns the flows created.
func (o *Orchestrator) ImportFlows(ctx context.Context, flows []model.TestFlow) ([]model.TestFlow, error) {
	existing, err := o.store.ListTestFlows(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(existing))
	for _, f := range existing {
		names[f.Name] = true
	}

	var created []model.TestFlow
	for _, f := range flows {
		if names[f.Name] {
			o.logger.Debug("test flow already present", "name", f.Name)
			continue
		}
		flow := f
		if err := o.store.CreateTestFlow(ctx, &flow); err != nil {
			return created, fmt.Errorf("failed to import test flow %q: %w", f.Name, err)
		}
		names[f.Name] = true
		created = append(created, flow)
	}
	return created, nil
}
