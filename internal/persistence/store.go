// Package persistence stores runs, their step records and the test-flow
// catalog. Writes are keyed by run identifier; there are no transactions
// spanning more than one run.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/rocketship-ai/qapilot/internal/model"
)

var (
	// ErrNotFound is returned when a run or test flow does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict is returned by TransitionRun when the run is no
	// longer in the expected status.
	ErrStatusConflict = errors.New("run status changed concurrently")
	// ErrDuplicateStep is returned when a step record with the same
	// (run, flow, step number) already exists. Step records are append-only.
	ErrDuplicateStep = errors.New("step record already exists")
)

// RunUpdate lists the run fields to change. Nil fields are left untouched.
type RunUpdate struct {
	Status        *model.RunStatus
	EnvironmentID *string
	AppLocalURL   *string
	ErrorMessage  *string
	RecordingURL  *string
	RecordingPath *string
	Analysis      *model.Analysis
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// ListOptions filters ListRuns.
type ListOptions struct {
	Status model.RunStatus
	Limit  int
}

// Store is implemented by the SQL store and the in-memory store.
type Store interface {
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (model.Run, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]model.Run, error)
	// UpdateRun applies update unconditionally.
	UpdateRun(ctx context.Context, id string, update RunUpdate) (model.Run, error)
	// TransitionRun applies update only while the run is still in status
	// from, so two writers cannot both move the same run.
	TransitionRun(ctx context.Context, id string, from model.RunStatus, update RunUpdate) (model.Run, error)
	// AddStepCounts increments the run's counters atomically.
	AddStepCounts(ctx context.Context, id string, delta model.StepCounts) error

	InsertSteps(ctx context.Context, steps []model.StepRecord) error
	// ListSteps returns a run's steps ordered by flow then step number. An
	// empty flowID returns every flow's steps.
	ListSteps(ctx context.Context, runID, flowID string) ([]model.StepRecord, error)

	CreateTestFlow(ctx context.Context, flow *model.TestFlow) error
	GetTestFlow(ctx context.Context, id string) (model.TestFlow, error)
	ListTestFlows(ctx context.Context) ([]model.TestFlow, error)

	Close() error
}

const defaultListLimit = 50

func stamp(now time.Time) time.Time {
	return now.UTC().Truncate(time.Microsecond)
}
