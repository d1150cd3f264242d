package agentloop

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketship-ai/qapilot/internal/action"
	"github.com/rocketship-ai/qapilot/internal/classify"
	"github.com/rocketship-ai/qapilot/internal/model"
	"github.com/rocketship-ai/qapilot/internal/oracle"
	"github.com/rocketship-ai/qapilot/internal/sandbox/sandboxtest"
)

// scriptedOracle returns its replies in order and repeats the last one.
type scriptedOracle struct {
	replies  []action.Action
	err      error
	calls    int
	lastHist []action.Action
}

func (s *scriptedOracle) Decide(_ context.Context, _ string, _ []byte, history []action.Action) (action.Action, error) {
	s.calls++
	s.lastHist = append([]action.Action(nil), history...)
	if s.err != nil {
		return nil, s.err
	}
	i := s.calls - 1
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	return s.replies[i], nil
}

func TestRunFlow_MaxStepsExhausted(t *testing.T) {
	env := sandboxtest.New()
	o := &scriptedOracle{replies: []action.Action{action.Click{X: 10, Y: 10}}}
	loop := New(env, o, Config{}, nil)

	res := loop.RunFlow(context.Background(), "env-1", "never finishes", 4)

	assert.False(t, res.Success)
	assert.Equal(t, MaxStepsReason, res.FailureReason)
	assert.Len(t, res.Steps, 4)
	assert.Equal(t, 4, o.calls)
	assert.Len(t, env.Inputs, 4)
	assert.Len(t, o.lastHist, 3)
}

func TestRunFlow_DoneOnFirstCall(t *testing.T) {
	env := sandboxtest.New()
	o := &scriptedOracle{replies: []action.Action{action.Done{Result: "Login succeeded"}}}
	loop := New(env, o, Config{}, nil)

	res := loop.RunFlow(context.Background(), "env-1", "log in", 15)

	assert.True(t, res.Success)
	assert.Equal(t, "Login succeeded", res.Result)
	require.Len(t, res.Steps, 1)
	assert.Empty(t, env.Inputs)
	assert.Equal(t, "Login succeeded", res.Carried())
}

func TestRunFlow_StepNumbersContiguous(t *testing.T) {
	env := sandboxtest.New()
	o := &scriptedOracle{replies: []action.Action{
		action.Click{X: 1, Y: 1},
		action.Type{Text: "test@example.com"},
		action.Scroll{DY: 200},
		action.Failed{Reason: "No dashboard visible"},
	}}
	loop := New(env, o, Config{}, nil)

	res := loop.RunFlow(context.Background(), "env-1", "log in", 15)

	assert.False(t, res.Success)
	assert.Equal(t, "No dashboard visible", res.FailureReason)
	require.Len(t, res.Steps, 4)
	for i, s := range res.Steps {
		assert.Equal(t, i+1, s.Number)
		assert.NotEmpty(t, s.Screenshot)
	}
	assert.Equal(t, []sandboxtest.Input{
		{Kind: "click", X: 1, Y: 1},
		{Kind: "type", Text: "test@example.com"},
		{Kind: "scroll", X: 0, Y: 200},
	}, env.Inputs)

	records := classify.Classify("r", "f", res.Steps)
	c := classify.Aggregate(records)
	assert.Equal(t, model.StepCounts{Total: 4, Passed: 3, Failed: 1}, c)
}

func TestRunFlow_ParseErrorEndsFlow(t *testing.T) {
	env := sandboxtest.New()
	o := &scriptedOracle{err: &oracle.ParseError{Response: "hmm", Err: errors.New("no JSON object in response")}}
	loop := New(env, o, Config{}, nil)

	res := loop.RunFlow(context.Background(), "env-1", "task", 15)

	assert.False(t, res.Success)
	require.Len(t, res.Steps, 1)
	assert.Nil(t, res.Steps[0].Action)
	assert.True(t, res.Steps[0].Failed())
	assert.Equal(t, 1, o.calls)
}

func TestRunFlow_TransportErrorEndsFlow(t *testing.T) {
	env := sandboxtest.New()
	env.InputErr = errors.New("connection refused")
	o := &scriptedOracle{replies: []action.Action{action.Click{X: 3, Y: 4}}}
	loop := New(env, o, Config{}, nil)

	res := loop.RunFlow(context.Background(), "env-1", "task", 15)

	assert.False(t, res.Success)
	require.Len(t, res.Steps, 1)
	assert.Contains(t, res.Steps[0].Err, "connection refused")

	records := classify.Classify("r", "f", res.Steps)
	assert.Equal(t, model.ErrorNetwork, records[0].ErrorKind)
}

func TestRunFlow_ScreenshotFailure(t *testing.T) {
	env := sandboxtest.New()
	env.ScreenshotErr = errors.New("browser timed out")
	o := &scriptedOracle{replies: []action.Action{action.Done{}}}
	loop := New(env, o, Config{}, nil)

	res := loop.RunFlow(context.Background(), "env-1", "task", 15)

	assert.False(t, res.Success)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, 0, o.calls)
}

func TestRunFlow_CancelledAtIterationBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	env := sandboxtest.New()
	o := &cancellingOracle{cancel: cancel}
	loop := New(env, o, Config{}, nil)

	res := loop.RunFlow(ctx, "env-1", "task", 15)

	assert.True(t, res.Cancelled)
	assert.Equal(t, CancelledReason, res.FailureReason)
	require.Len(t, res.Steps, 2)
	assert.False(t, res.Steps[0].Failed(), "the in-flight click completes")
	assert.True(t, res.Steps[1].Failed())
	assert.Equal(t, 2, res.Steps[1].Number)
	assert.Len(t, env.Inputs, 1)
}

type cancellingOracle struct {
	cancel context.CancelFunc
}

func (c *cancellingOracle) Decide(context.Context, string, []byte, []action.Action) (action.Action, error) {
	c.cancel()
	return action.Click{X: 1, Y: 2}, nil
}

type abortingOracle struct {
	cancel context.CancelFunc
}

// Decide behaves like a model call whose request is cut off by the caller's
// cancellation.
func (a *abortingOracle) Decide(ctx context.Context, _ string, _ []byte, _ []action.Action) (action.Action, error) {
	a.cancel()
	return nil, context.Canceled
}

func TestRunFlow_CancelledDuringOracleCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	env := sandboxtest.New()
	loop := New(env, &abortingOracle{cancel: cancel}, Config{}, nil)

	res := loop.RunFlow(ctx, "env-1", "task", 15)

	assert.True(t, res.Cancelled)
	assert.Equal(t, CancelledReason, res.FailureReason)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, CancelledReason, res.Steps[0].Err)
	assert.NotEmpty(t, res.Steps[0].Screenshot)
	assert.Empty(t, env.Inputs)
}

func TestRunFlow_CancelledOnLastStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	env := sandboxtest.New()
	loop := New(env, &cancellingOracle{cancel: cancel}, Config{}, nil)

	res := loop.RunFlow(ctx, "env-1", "task", 1)

	assert.True(t, res.Cancelled)
	assert.Equal(t, MaxStepsReason, res.FailureReason)
	require.Len(t, res.Steps, 1)
	assert.Len(t, env.Inputs, 1)
}
