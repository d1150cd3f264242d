package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/rocketship-ai/qapilot/internal/model"
	"github.com/rocketship-ai/qapilot/internal/orchestrator"
	"github.com/rocketship-ai/qapilot/internal/persistence"
	"github.com/rocketship-ai/qapilot/internal/sandbox"
)

// Error types the workflow does not retry or fail the run for.
const (
	ErrTypeInvalidTransition = "InvalidTransition"
	ErrTypeRunNotFound       = "RunNotFound"
)

// Activities exposes orchestrator steps to Temporal. Each method is one
// activity; the workflow holds the sequencing.
type Activities struct {
	Orch *orchestrator.Orchestrator
}

type BootstrapOutput struct {
	Handle     string `json:"handle"`
	ServingURL string `json:"servingUrl"`
}

type MarkRunningInput struct {
	RunID      string `json:"runId"`
	Handle     string `json:"handle"`
	ServingURL string `json:"servingUrl"`
}

type RunFlowInput struct {
	RunID      string `json:"runId"`
	FlowID     string `json:"flowId"`
	Handle     string `json:"handle"`
	ServingURL string `json:"servingUrl"`
}

type FinishInput struct {
	RunID     string                     `json:"runId"`
	Summaries []orchestrator.FlowSummary `json:"summaries"`
}

type FailInput struct {
	RunID   string `json:"runId"`
	Message string `json:"message"`
}

// MarkSettingUp claims a pending run and returns it.
func (a *Activities) MarkSettingUp(ctx context.Context, runID string) (model.Run, error) {
	run, err := a.Orch.Machine().MarkSettingUp(ctx, runID)
	return run, classify(err)
}

// Bootstrap boots the run's application. The environment of a failed
// attempt is deleted before the error is returned.
func (a *Activities) Bootstrap(ctx context.Context, runID string) (BootstrapOutput, error) {
	logger := activity.GetLogger(ctx)
	stop := keepAlive(ctx, heartbeatInterval, activity.RecordHeartbeat)
	defer stop()

	run, err := a.Orch.Store().GetRun(ctx, runID)
	if err != nil {
		return BootstrapOutput{}, classify(err)
	}
	res, err := a.Orch.Bootstrap(ctx, run)
	if err != nil {
		logger.Error("bootstrap failed", "run_id", runID, "error", err)
		a.Orch.Cleanup(ctx, orchestrator.FailedHandle(res, err))
		return BootstrapOutput{}, err
	}
	return BootstrapOutput{Handle: string(res.Handle), ServingURL: res.ServingURL}, nil
}

func (a *Activities) MarkRunning(ctx context.Context, in MarkRunningInput) error {
	_, err := a.Orch.Machine().MarkRunning(ctx, in.RunID, in.Handle, in.ServingURL)
	return classify(err)
}

func (a *Activities) RunFlow(ctx context.Context, in RunFlowInput) (orchestrator.FlowSummary, error) {
	activity.GetLogger(ctx).Info("running test flow", "run_id", in.RunID, "flow_id", in.FlowID)
	stop := keepAlive(ctx, heartbeatInterval, activity.RecordHeartbeat)
	defer stop()
	return a.Orch.RunFlow(ctx, in.RunID, in.FlowID, sandbox.Handle(in.Handle), in.ServingURL)
}

func (a *Activities) Finish(ctx context.Context, in FinishInput) (model.Run, error) {
	run, err := a.Orch.Finish(ctx, in.RunID, in.Summaries)
	return run, classify(err)
}

// Fail moves the run to failed. A run that is already terminal is left
// as is.
func (a *Activities) Fail(ctx context.Context, in FailInput) error {
	_, err := a.Orch.Machine().Fail(ctx, in.RunID, in.Message)
	if errors.Is(err, orchestrator.ErrInvalidTransition) {
		activity.GetLogger(ctx).Warn("run already terminal", "run_id", in.RunID)
		return nil
	}
	return err
}

func (a *Activities) Cleanup(ctx context.Context, handle string) error {
	a.Orch.Cleanup(ctx, sandbox.Handle(handle))
	return nil
}

// keepAlive records a heartbeat every interval until stop is called or ctx
// is done. A heartbeat is also how a running activity learns that its
// workflow was cancelled.
func keepAlive(ctx context.Context, interval time.Duration, record func(context.Context, ...interface{})) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				record(ctx)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// classify marks lifecycle errors non-retryable so the workflow can tell
// them apart from transient store failures.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidTransition, err)
	case errors.Is(err, persistence.ErrNotFound):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeRunNotFound, err)
	default:
		return err
	}
}
