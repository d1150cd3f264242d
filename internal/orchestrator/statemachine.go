package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rocketship-ai/qapilot/internal/model"
	"github.com/rocketship-ai/qapilot/internal/persistence"
)

// ErrInvalidTransition is returned for a status change the lifecycle does
// not allow.
var ErrInvalidTransition = errors.New("invalid run status transition")

// transitions lists the allowed moves. Terminal states have no entry.
var transitions = map[model.RunStatus][]model.RunStatus{
	model.RunPending:      {model.RunSettingUp, model.RunFailed},
	model.RunSettingUp:    {model.RunRunningTests, model.RunFailed},
	model.RunRunningTests: {model.RunCompleted, model.RunFailed},
}

// CanTransition reports whether a run in status from may move to to.
func CanTransition(from, to model.RunStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

const maxTransitionAttempts = 3

// StateMachine is the only writer of run status. Every change is validated
// against the lifecycle and applied with a compare-and-set on the current
// status.
type StateMachine struct {
	store  persistence.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewStateMachine(store persistence.Store, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{store: store, logger: logger, now: time.Now}
}

// Transition moves run id to status to, applying extra alongside. startedAt
// is stamped on entering setting_up and completedAt on entering a terminal
// state.
func (m *StateMachine) Transition(ctx context.Context, id string, to model.RunStatus, extra persistence.RunUpdate) (model.Run, error) {
	for attempt := 1; ; attempt++ {
		current, err := m.store.GetRun(ctx, id)
		if err != nil {
			return model.Run{}, err
		}
		if !CanTransition(current.Status, to) {
			return current, fmt.Errorf("run %s: %s -> %s: %w", id, current.Status, to, ErrInvalidTransition)
		}

		update := extra
		update.Status = &to
		now := m.now()
		if to == model.RunSettingUp && update.StartedAt == nil {
			update.StartedAt = &now
		}
		if to.IsTerminal() {
			update.CompletedAt = &now
		}

		run, err := m.store.TransitionRun(ctx, id, current.Status, update)
		if errors.Is(err, persistence.ErrStatusConflict) && attempt < maxTransitionAttempts {
			continue
		}
		if err != nil {
			return run, err
		}
		m.logger.Info("run status changed", "run_id", id, "from", current.Status, "to", to)
		return run, nil
	}
}

func (m *StateMachine) MarkSettingUp(ctx context.Context, id string) (model.Run, error) {
	return m.Transition(ctx, id, model.RunSettingUp, persistence.RunUpdate{})
}

// MarkRunning records the serving environment and moves the run to
// running_tests.
func (m *StateMachine) MarkRunning(ctx context.Context, id, environmentID, servingURL string) (model.Run, error) {
	return m.Transition(ctx, id, model.RunRunningTests, persistence.RunUpdate{
		EnvironmentID: &environmentID,
		AppLocalURL:   &servingURL,
	})
}

func (m *StateMachine) Complete(ctx context.Context, id string) (model.Run, error) {
	return m.Transition(ctx, id, model.RunCompleted, persistence.RunUpdate{})
}

// Fail moves a non-terminal run to failed with message as errorMessage.
func (m *StateMachine) Fail(ctx context.Context, id, message string) (model.Run, error) {
	return m.Transition(ctx, id, model.RunFailed, persistence.RunUpdate{ErrorMessage: &message})
}
