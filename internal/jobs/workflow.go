// Package jobs hosts run orchestration on Temporal: QARunWorkflow sequences
// the orchestrator's steps as activities so a run survives worker restarts.
package jobs

import (
	"errors"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/rocketship-ai/qapilot/internal/model"
	"github.com/rocketship-ai/qapilot/internal/orchestrator"
)

const (
	DefaultTaskQueue = "qa-runs"
	WorkflowName     = "QARunWorkflow"
)

// RunInput starts a workflow for one pending run. Zero timeouts take the
// defaults below.
type RunInput struct {
	RunID            string        `json:"runId"`
	BootstrapTimeout time.Duration `json:"bootstrapTimeout,omitempty"`
	FlowTimeout      time.Duration `json:"flowTimeout,omitempty"`
}

const (
	defaultBootstrapTimeout = 30 * time.Minute
	defaultFlowTimeout      = 30 * time.Minute
	stateTimeout            = time.Minute

	// heartbeatTimeout is how long bootstrap and flow activities may go
	// without a heartbeat before their worker is presumed lost.
	heartbeatTimeout  = time.Minute
	heartbeatInterval = heartbeatTimeout / 4
)

// WorkflowID is the workflow ID for a run. One workflow per run.
func WorkflowID(runID string) string {
	return "qa-run-" + runID
}

// QARunWorkflow drives a run from pending to a terminal status. Bootstrap
// and flow activities are attempted once since they are not idempotent;
// state writes retry.
func QARunWorkflow(ctx workflow.Context, in RunInput) (model.Run, error) {
	logger := workflow.GetLogger(ctx)
	var a *Activities

	stateCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: stateTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			BackoffCoefficient: 2,
			MaximumAttempts:    5,
		},
	})
	// once runs long activities: a single attempt, cancelled through their
	// heartbeats, and awaited so their evidence is written before the run
	// is finalized.
	once := func(timeout, fallback time.Duration) workflow.Context {
		if timeout <= 0 {
			timeout = fallback
		}
		return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: timeout,
			HeartbeatTimeout:    heartbeatTimeout,
			WaitForCancellation: true,
			RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
		})
	}

	var run model.Run
	if err := workflow.ExecuteActivity(stateCtx, a.MarkSettingUp, in.RunID).Get(ctx, &run); err != nil {
		if isLifecycleError(err) {
			logger.Warn("run is not pending", "run_id", in.RunID, "error", CleanErrorMessage(err))
			return model.Run{}, err
		}
		return fail(ctx, in.RunID, err)
	}

	var boot BootstrapOutput
	if err := workflow.ExecuteActivity(once(in.BootstrapTimeout, defaultBootstrapTimeout), a.Bootstrap, in.RunID).Get(ctx, &boot); err != nil {
		return fail(ctx, in.RunID, err)
	}
	defer func() {
		cleanupCtx, _ := workflow.NewDisconnectedContext(stateCtx)
		if err := workflow.ExecuteActivity(cleanupCtx, a.Cleanup, boot.Handle).Get(cleanupCtx, nil); err != nil {
			logger.Warn("environment cleanup failed", "run_id", in.RunID, "error", err)
		}
	}()

	markRunning := MarkRunningInput{RunID: in.RunID, Handle: boot.Handle, ServingURL: boot.ServingURL}
	if err := workflow.ExecuteActivity(stateCtx, a.MarkRunning, markRunning).Get(ctx, nil); err != nil {
		return fail(ctx, in.RunID, err)
	}

	flowCtx := once(in.FlowTimeout, defaultFlowTimeout)
	summaries := make([]orchestrator.FlowSummary, 0, len(run.TestFlowIDs))
	for _, flowID := range run.TestFlowIDs {
		if ctx.Err() != nil {
			summaries = append(summaries, orchestrator.FlowSummary{FlowID: flowID, Cancelled: true})
			break
		}
		var summary orchestrator.FlowSummary
		input := RunFlowInput{RunID: in.RunID, FlowID: flowID, Handle: boot.Handle, ServingURL: boot.ServingURL}
		if err := workflow.ExecuteActivity(flowCtx, a.RunFlow, input).Get(ctx, &summary); err != nil {
			if temporal.IsCanceledError(err) {
				summaries = append(summaries, orchestrator.FlowSummary{FlowID: flowID, Cancelled: true})
				break
			}
			return fail(ctx, in.RunID, err)
		}
		summaries = append(summaries, summary)
		if summary.Cancelled {
			break
		}
	}

	finishCtx, _ := workflow.NewDisconnectedContext(stateCtx)
	var final model.Run
	if err := workflow.ExecuteActivity(finishCtx, a.Finish, FinishInput{RunID: in.RunID, Summaries: summaries}).Get(finishCtx, &final); err != nil {
		return fail(ctx, in.RunID, err)
	}
	logger.Info("run finished", "run_id", in.RunID, "status", final.Status)
	return final, nil
}

// fail records cause on the run and returns it. It runs on a disconnected
// context so a cancelled workflow still leaves the run terminal.
func fail(ctx workflow.Context, runID string, cause error) (model.Run, error) {
	var a *Activities
	failCtx, _ := workflow.NewDisconnectedContext(ctx)
	failCtx = workflow.WithActivityOptions(failCtx, workflow.ActivityOptions{
		StartToCloseTimeout: stateTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 5},
	})

	message := CleanErrorMessage(cause)
	if temporal.IsCanceledError(cause) {
		message = "run cancelled"
	}
	if err := workflow.ExecuteActivity(failCtx, a.Fail, FailInput{RunID: runID, Message: message}).Get(failCtx, nil); err != nil {
		workflow.GetLogger(ctx).Error("could not mark run failed", "run_id", runID, "error", err)
	}
	return model.Run{}, cause
}

func isLifecycleError(err error) bool {
	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Type() == ErrTypeInvalidTransition || appErr.Type() == ErrTypeRunNotFound
}

// temporalWrapMarker is where Temporal starts repeating the wrapped cause.
const temporalWrapMarker = " (type: wrapError, retryable: true):"

// CleanErrorMessage returns the innermost application message of an
// activity error, without Temporal's wrapping.
func CleanErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Message() != "" {
		return appErr.Message()
	}

	msg := err.Error()
	if idx := strings.Index(msg, temporalWrapMarker); idx != -1 {
		return strings.TrimSpace(msg[:idx])
	}
	return msg
}
