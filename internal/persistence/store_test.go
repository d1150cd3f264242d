package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketship-ai/qapilot/internal/model"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqliteStore, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "qapilot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqliteStore,
	}
}

func newRun(t *testing.T, s Store) model.Run {
	t.Helper()
	run := model.Run{
		RepoURL:     "https://github.com/acme/shop.git",
		AppName:     "shop",
		Branch:      "main",
		AppLocalURL: model.DefaultAppLocalURL,
		TestFlowIDs: []string{"testFlow_a", "testFlow_b"},
	}
	require.NoError(t, s.CreateRun(context.Background(), &run))
	return run
}

func TestStore_RunLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := newRun(t, s)
			assert.Contains(t, run.ID, "qaRun_")
			assert.Equal(t, model.RunPending, run.Status)

			got, err := s.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, []string{"testFlow_a", "testFlow_b"}, got.TestFlowIDs)
			assert.Nil(t, got.StartedAt)
			assert.Nil(t, got.Analysis)

			settingUp := model.RunSettingUp
			started := time.Now()
			updated, err := s.TransitionRun(ctx, run.ID, model.RunPending, RunUpdate{Status: &settingUp, StartedAt: &started})
			require.NoError(t, err)
			assert.Equal(t, model.RunSettingUp, updated.Status)
			require.NotNil(t, updated.StartedAt)
			assert.WithinDuration(t, started, *updated.StartedAt, time.Second)

			// A second writer still expecting pending loses.
			_, err = s.TransitionRun(ctx, run.ID, model.RunPending, RunUpdate{Status: &settingUp})
			assert.ErrorIs(t, err, ErrStatusConflict)

			analysis := &model.Analysis{Summary: "s", RootCause: "r", AffectedSteps: []int{2}, Recommendations: []string{"x"}, Severity: model.SeverityMedium}
			envID := "env-1"
			updated, err = s.UpdateRun(ctx, run.ID, RunUpdate{Analysis: analysis, EnvironmentID: &envID})
			require.NoError(t, err)
			assert.Equal(t, analysis, updated.Analysis)
			assert.Equal(t, "env-1", updated.EnvironmentID)

			_, err = s.GetRun(ctx, "qaRun_missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_StepCountsAccumulate(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := newRun(t, s)

			require.NoError(t, s.AddStepCounts(ctx, run.ID, model.StepCounts{Total: 3, Passed: 2, Failed: 1}))
			require.NoError(t, s.AddStepCounts(ctx, run.ID, model.StepCounts{Total: 4, Passed: 4}))

			got, err := s.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, model.StepCounts{Total: 7, Passed: 6, Failed: 1}, got.Counts())
			assert.Equal(t, got.TotalSteps, got.PassedSteps+got.FailedSteps)

			assert.ErrorIs(t, s.AddStepCounts(ctx, "qaRun_missing", model.StepCounts{Total: 1, Passed: 1}), ErrNotFound)
		})
	}
}

func TestStore_ConcurrentCountersAcrossRuns(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, b := newRun(t, s), newRun(t, s)

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(2)
				go func() {
					defer wg.Done()
					assert.NoError(t, s.AddStepCounts(ctx, a.ID, model.StepCounts{Total: 1, Passed: 1}))
				}()
				go func() {
					defer wg.Done()
					assert.NoError(t, s.AddStepCounts(ctx, b.ID, model.StepCounts{Total: 1, Failed: 1}))
				}()
			}
			wg.Wait()

			gotA, err := s.GetRun(ctx, a.ID)
			require.NoError(t, err)
			gotB, err := s.GetRun(ctx, b.ID)
			require.NoError(t, err)
			assert.Equal(t, model.StepCounts{Total: 10, Passed: 10}, gotA.Counts())
			assert.Equal(t, model.StepCounts{Total: 10, Failed: 10}, gotB.Counts())
		})
	}
}

func TestStore_StepsAreAppendOnly(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := newRun(t, s)

			steps := []model.StepRecord{
				{RunID: run.ID, TestFlowID: "testFlow_a", StepNumber: 1, ActionName: "click", ActionParams: `{"x":1,"y":2}`, Status: model.StepPassed, Screenshot: []byte{1, 2}},
				{RunID: run.ID, TestFlowID: "testFlow_a", StepNumber: 2, ActionName: "failed", ActionParams: `{"reason":"x"}`, Status: model.StepFailed, ErrorMessage: "x", ErrorKind: model.ErrorUnknown},
				{RunID: run.ID, TestFlowID: "testFlow_b", StepNumber: 1, ActionName: "done", ActionParams: `{"result":"ok"}`, Status: model.StepPassed},
			}
			require.NoError(t, s.InsertSteps(ctx, steps))
			assert.NotEmpty(t, steps[0].ID)

			dup := []model.StepRecord{{RunID: run.ID, TestFlowID: "testFlow_a", StepNumber: 2, ActionName: "click", Status: model.StepPassed}}
			err := s.InsertSteps(ctx, dup)
			assert.True(t, errors.Is(err, ErrDuplicateStep), "got %v", err)

			flowA, err := s.ListSteps(ctx, run.ID, "testFlow_a")
			require.NoError(t, err)
			require.Len(t, flowA, 2)
			assert.Equal(t, 1, flowA[0].StepNumber)
			assert.Equal(t, []byte{1, 2}, flowA[0].Screenshot)
			assert.Equal(t, model.ErrorUnknown, flowA[1].ErrorKind)
			assert.Equal(t, "failed", flowA[1].ActionName)

			all, err := s.ListSteps(ctx, run.ID, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestStore_TestFlows(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			flow := model.TestFlow{Name: "Login Flow", Description: "Log in", Task: "Log in and verify the dashboard", IsDemo: true}
			require.NoError(t, s.CreateTestFlow(ctx, &flow))
			assert.Contains(t, flow.ID, "testFlow_")

			got, err := s.GetTestFlow(ctx, flow.ID)
			require.NoError(t, err)
			assert.Equal(t, flow.Task, got.Task)
			assert.True(t, got.IsDemo)

			all, err := s.ListTestFlows(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1)

			_, err = s.GetTestFlow(ctx, "testFlow_missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.Error(t, s.CreateTestFlow(ctx, &model.TestFlow{Name: "no task"}))
		})
	}
}

func TestStore_ListRuns(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := newRun(t, s)
			newRun(t, s)
			failed := model.RunFailed
			_, err := s.UpdateRun(ctx, a.ID, RunUpdate{Status: &failed})
			require.NoError(t, err)

			all, err := s.ListRuns(ctx, ListOptions{})
			require.NoError(t, err)
			assert.Len(t, all, 2)

			onlyFailed, err := s.ListRuns(ctx, ListOptions{Status: model.RunFailed})
			require.NoError(t, err)
			require.Len(t, onlyFailed, 1)
			assert.Equal(t, a.ID, onlyFailed[0].ID)

			limited, err := s.ListRuns(ctx, ListOptions{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("CREATE TABLE a (x INT);\n\n CREATE INDEX i ON a (x);\n")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a (x)"}, stmts)
}

func TestMySQLDSNForcesParseTime(t *testing.T) {
	dsn, err := mysqlDSN("qapilot:secret@tcp(localhost:3306)/qapilot")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "x")
	assert.Error(t, err)
}
