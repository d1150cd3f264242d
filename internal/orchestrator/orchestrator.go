// Package orchestrator owns the run lifecycle: it creates runs, boots the
// application once, runs each test flow through the agent loop, persists the
// classified steps and finalizes the run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rocketship-ai/qapilot/internal/agentloop"
	"github.com/rocketship-ai/qapilot/internal/analysis"
	"github.com/rocketship-ai/qapilot/internal/bootstrap"
	"github.com/rocketship-ai/qapilot/internal/classify"
	"github.com/rocketship-ai/qapilot/internal/model"
	"github.com/rocketship-ai/qapilot/internal/persistence"
	"github.com/rocketship-ai/qapilot/internal/sandbox"
)

// Bootstrapper brings an application to a serving state.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, req bootstrap.Request) (*bootstrap.Result, error)
}

// FlowRunner runs one flow's perceive-decide-act loop.
type FlowRunner interface {
	RunFlow(ctx context.Context, h sandbox.Handle, task string, maxSteps int) agentloop.Result
}

// Recorder stores step screenshots and produces the run's recording
// reference.
type Recorder interface {
	RecordFlow(ctx context.Context, runID, flowID string, steps []model.StepRecord) error
	Finish(ctx context.Context, runID string) (url, path string, err error)
}

// RepoAccess resolves credentials and defaults for a repository.
type RepoAccess interface {
	CloneToken(ctx context.Context, repoURL string) (string, error)
	DefaultBranch(ctx context.Context, repoURL string) (string, error)
}

// Config holds run policy.
type Config struct {
	MaxSteps int
	// FailRunOnFlowFailure marks the run failed when any flow fails. When
	// false a run whose flows all executed is completed regardless of their
	// outcome.
	FailRunOnFlowFailure bool
	// KeepEnvironment skips deleting the environment after the run.
	KeepEnvironment bool
}

// Deps are the collaborators an Orchestrator is built from. Analyzer,
// Recorder and Repos are optional.
type Deps struct {
	Store        persistence.Store
	Environments sandbox.Provider
	Bootstrapper Bootstrapper
	Loop         FlowRunner
	Analyzer     analysis.Analyzer
	Recorder     Recorder
	Repos        RepoAccess
	Logger       *slog.Logger
}

type Orchestrator struct {
	store    persistence.Store
	machine  *StateMachine
	env      sandbox.Provider
	boot     Bootstrapper
	loop     FlowRunner
	analyzer analysis.Analyzer
	recorder Recorder
	repos    RepoAccess
	cfg      Config
	logger   *slog.Logger
}

func New(deps Deps, cfg Config) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = agentloop.DefaultMaxSteps
	}
	return &Orchestrator{
		store:    deps.Store,
		machine:  NewStateMachine(deps.Store, logger),
		env:      deps.Environments,
		boot:     deps.Bootstrapper,
		loop:     deps.Loop,
		analyzer: deps.Analyzer,
		recorder: deps.Recorder,
		repos:    deps.Repos,
		cfg:      cfg,
		logger:   logger,
	}
}

// Machine exposes the run state machine.
func (o *Orchestrator) Machine() *StateMachine { return o.machine }

// FlowSummary is the outcome of one flow within a run.
type FlowSummary struct {
	FlowID    string           `json:"flowId"`
	Success   bool             `json:"success"`
	Counts    model.StepCounts `json:"counts"`
	Carried   string           `json:"carried"`
	Cancelled bool             `json:"cancelled"`
}

// Execute runs runID end to end: bootstrap once, every flow in order, then
// finalize. An unexpected error fails the run with the error's message and
// is returned; flow-level failures are not errors.
func (o *Orchestrator) Execute(ctx context.Context, runID string) (model.Run, error) {
	setup, err := o.Setup(ctx, runID)
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, persistence.ErrNotFound) {
		// Not ours to fail: the run is missing or already past pending. An
		// environment booted before the run moved on is still ours to delete.
		o.Cleanup(ctx, FailedHandle(setup, err))
		return model.Run{}, err
	}
	if err != nil {
		o.Cleanup(ctx, FailedHandle(setup, err))
		return o.Abort(ctx, runID, err)
	}
	defer o.Cleanup(ctx, setup.Handle)

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return o.Abort(ctx, runID, err)
	}

	summaries := make([]FlowSummary, 0, len(run.TestFlowIDs))
	for _, flowID := range run.TestFlowIDs {
		summary, err := o.RunFlow(ctx, runID, flowID, setup.Handle, setup.ServingURL)
		if err != nil {
			return o.Abort(ctx, runID, err)
		}
		summaries = append(summaries, summary)
		if summary.Cancelled {
			break
		}
	}

	return o.Finish(ctx, runID, summaries)
}

// Setup moves the run to setting_up, bootstraps the application and moves
// the run to running_tests.
func (o *Orchestrator) Setup(ctx context.Context, runID string) (*bootstrap.Result, error) {
	run, err := o.machine.MarkSettingUp(ctx, runID)
	if err != nil {
		return nil, err
	}
	res, err := o.Bootstrap(ctx, run)
	if err != nil {
		return nil, err
	}
	if _, err := o.machine.MarkRunning(ctx, runID, string(res.Handle), res.ServingURL); err != nil {
		return res, err
	}
	return res, nil
}

// Bootstrap boots run's checkout in a fresh environment, cloning with a
// token from RepoAccess when one is available.
func (o *Orchestrator) Bootstrap(ctx context.Context, run model.Run) (*bootstrap.Result, error) {
	req := bootstrap.Request{RepoURL: run.RepoURL, Branch: run.Branch}
	if o.repos != nil {
		token, err := o.repos.CloneToken(ctx, run.RepoURL)
		if err != nil {
			o.logger.Warn("no clone token, cloning anonymously", "run_id", run.ID, "error", err)
		}
		req.AuthToken = token
	}
	return o.boot.Bootstrap(ctx, req)
}

// RunFlow executes one flow against a serving environment and persists its
// evidence. The returned error is reserved for failures outside the flow
// itself, such as the store being unavailable.
func (o *Orchestrator) RunFlow(ctx context.Context, runID, flowID string, h sandbox.Handle, servingURL string) (FlowSummary, error) {
	logger := o.logger.With("run_id", runID, "flow_id", flowID)

	flow, err := o.store.GetTestFlow(ctx, flowID)
	if err != nil {
		return FlowSummary{}, err
	}

	if nav, ok := o.env.(sandbox.Navigator); ok && servingURL != "" {
		if err := nav.Navigate(ctx, h, servingURL); err != nil {
			logger.Warn("could not open application", "url", servingURL, "error", err)
		}
	}

	logger.Info("running test flow", "name", flow.Name, "max_steps", o.cfg.MaxSteps)
	result := o.loop.RunFlow(ctx, h, flow.Task, o.cfg.MaxSteps)

	// Evidence is written even when ctx was cancelled mid-flow.
	wctx := context.WithoutCancel(ctx)

	steps := classify.Classify(runID, flowID, result.Steps)
	if err := o.store.InsertSteps(wctx, steps); err != nil {
		return FlowSummary{}, fmt.Errorf("failed to persist steps for flow %s: %w", flowID, err)
	}
	counts := classify.Aggregate(steps)
	if err := o.store.AddStepCounts(wctx, runID, counts); err != nil {
		return FlowSummary{}, fmt.Errorf("failed to update counters for flow %s: %w", flowID, err)
	}

	if o.recorder != nil {
		if err := o.recorder.RecordFlow(wctx, runID, flowID, steps); err != nil {
			logger.Warn("could not record screenshots", "error", err)
		}
	}

	summary := FlowSummary{
		FlowID:    flowID,
		Success:   result.Success,
		Counts:    counts,
		Carried:   result.Carried(),
		Cancelled: result.Cancelled,
	}
	logger.Info("test flow finished", "success", result.Success, "steps", counts.Total, "failed_steps", counts.Failed)

	if !result.Success && !result.Cancelled {
		o.analyze(wctx, logger, runID, flow, steps, summary.Carried)
	}
	return summary, nil
}

// analyze attaches a failure analysis to the run. The analysis is advisory;
// its failure never fails the run. The latest failed flow's analysis wins.
func (o *Orchestrator) analyze(ctx context.Context, logger *slog.Logger, runID string, flow model.TestFlow, steps []model.StepRecord, carried string) {
	if o.analyzer == nil {
		return
	}
	a, err := o.analyzer.Analyze(ctx, flow, steps, carried)
	if err != nil {
		logger.Warn("failure analysis unavailable", "error", err)
		return
	}
	if _, err := o.store.UpdateRun(ctx, runID, persistence.RunUpdate{Analysis: a}); err != nil {
		logger.Warn("could not store failure analysis", "error", err)
	}
}

// Finish records the recording reference and moves the run to its terminal
// status.
func (o *Orchestrator) Finish(ctx context.Context, runID string, summaries []FlowSummary) (model.Run, error) {
	wctx := context.WithoutCancel(ctx)

	if o.recorder != nil {
		url, path, err := o.recorder.Finish(wctx, runID)
		if err != nil {
			o.logger.Warn("could not write recording manifest", "run_id", runID, "error", err)
		} else if _, err := o.store.UpdateRun(wctx, runID, persistence.RunUpdate{RecordingURL: &url, RecordingPath: &path}); err != nil {
			o.logger.Warn("could not store recording reference", "run_id", runID, "error", err)
		}
	}

	failed := 0
	for _, s := range summaries {
		if s.Cancelled {
			return o.machine.Fail(wctx, runID, "run cancelled")
		}
		if !s.Success {
			failed++
		}
	}
	if failed > 0 && o.cfg.FailRunOnFlowFailure {
		return o.machine.Fail(wctx, runID, fmt.Sprintf("%d of %d test flows failed", failed, len(summaries)))
	}
	return o.machine.Complete(wctx, runID)
}

// Abort fails the run with cause's message and returns cause. A run that is
// already terminal is left untouched.
func (o *Orchestrator) Abort(ctx context.Context, runID string, cause error) (model.Run, error) {
	run, err := o.machine.Fail(context.WithoutCancel(ctx), runID, cause.Error())
	if err != nil {
		o.logger.Error("could not mark run failed", "run_id", runID, "error", err, "cause", cause)
	}
	return run, cause
}

// Cleanup deletes the environment unless KeepEnvironment is set.
func (o *Orchestrator) Cleanup(ctx context.Context, h sandbox.Handle) {
	if o.cfg.KeepEnvironment || h == "" {
		return
	}
	if err := o.env.Delete(context.WithoutCancel(ctx), h); err != nil {
		o.logger.Warn("could not delete environment", "environment", string(h), "error", err)
	}
}

// FailedHandle returns the environment a failed Setup or Bootstrap left
// behind, if any.
func FailedHandle(res *bootstrap.Result, err error) sandbox.Handle {
	if res != nil {
		return res.Handle
	}
	var be *bootstrap.Error
	if errors.As(err, &be) {
		return be.Handle
	}
	return ""
}

// Store exposes the run store.
func (o *Orchestrator) Store() persistence.Store { return o.store }
