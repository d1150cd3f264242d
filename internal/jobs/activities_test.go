package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/rocketship-ai/qapilot/internal/model"
	"github.com/rocketship-ai/qapilot/internal/orchestrator"
	"github.com/rocketship-ai/qapilot/internal/persistence"
	"github.com/rocketship-ai/qapilot/internal/sandbox/sandboxtest"
)

func newActivities(t *testing.T) (*Activities, *persistence.MemoryStore, model.Run) {
	t.Helper()
	store := persistence.NewMemoryStore()
	flow := model.TestFlow{Name: "login", Task: "Log in"}
	require.NoError(t, store.CreateTestFlow(context.Background(), &flow))

	orch := orchestrator.New(orchestrator.Deps{Store: store, Environments: sandboxtest.New()}, orchestrator.Config{})
	run, err := orch.CreateRun(context.Background(), orchestrator.CreateRunRequest{
		RepoURL:     "https://github.com/acme/shop",
		TestFlowIDs: []string{flow.ID},
	})
	require.NoError(t, err)
	return &Activities{Orch: orch}, store, run
}

func TestActivities_MarkSettingUpOnlyOnce(t *testing.T) {
	a, _, run := newActivities(t)
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()
	env.RegisterActivity(a)

	val, err := env.ExecuteActivity(a.MarkSettingUp, run.ID)
	require.NoError(t, err)
	var got model.Run
	require.NoError(t, val.Get(&got))
	assert.Equal(t, model.RunSettingUp, got.Status)
	assert.Equal(t, run.TestFlowIDs, got.TestFlowIDs)

	_, err = env.ExecuteActivity(a.MarkSettingUp, run.ID)
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, ErrTypeInvalidTransition, appErr.Type())
	assert.True(t, appErr.NonRetryable())
}

func TestActivities_FailIsIdempotent(t *testing.T) {
	a, store, run := newActivities(t)
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()
	env.RegisterActivity(a)

	_, err := env.ExecuteActivity(a.Fail, FailInput{RunID: run.ID, Message: "bootstrap failed at clone: exit code 128"})
	require.NoError(t, err)
	_, err = env.ExecuteActivity(a.Fail, FailInput{RunID: run.ID, Message: "second"})
	require.NoError(t, err)

	got, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, got.Status)
	assert.Equal(t, "bootstrap failed at clone: exit code 128", got.ErrorMessage)
}

func TestActivities_UnknownRun(t *testing.T) {
	a, _, _ := newActivities(t)
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()
	env.RegisterActivity(a)

	_, err := env.ExecuteActivity(a.MarkSettingUp, "qaRun_missing")
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, ErrTypeRunNotFound, appErr.Type())
}

func TestKeepAlive(t *testing.T) {
	var beats atomic.Int32
	record := func(context.Context, ...interface{}) { beats.Add(1) }

	stop := keepAlive(context.Background(), 5*time.Millisecond, record)
	assert.Eventually(t, func() bool { return beats.Load() >= 2 }, time.Second, time.Millisecond)
	stop()

	after := beats.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, beats.Load())
}

func TestKeepAlive_StopsWithContext(t *testing.T) {
	var beats atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	stop := keepAlive(ctx, 5*time.Millisecond, func(context.Context, ...interface{}) { beats.Add(1) })
	cancel()
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, beats.Load(), int32(1))
	stop()
}
