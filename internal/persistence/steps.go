package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/rocketship-ai/qapilot/internal/model"
)

const stepColumns = `id, run_id, test_flow_id, step_number, action_name, action_params, description, status,
    screenshot, error_message, error_type, executed_at, created_at`

// InsertSteps appends step records in one transaction. A record whose
// (run, flow, step number) already exists fails the whole batch with
// ErrDuplicateStep.
func (s *SQLStore) InsertSteps(ctx context.Context, steps []model.StepRecord) error {
	if len(steps) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin step insert: %w", err)
	}
	query := tx.Rebind(`INSERT INTO test_steps (` + stepColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	now := stamp(s.now())
	for i := range steps {
		st := &steps[i]
		if st.RunID == "" || st.TestFlowID == "" || st.StepNumber < 1 {
			_ = tx.Rollback()
			return errors.New("step record requires run id, test flow id and a positive step number")
		}
		if st.ID == "" {
			st.ID = model.NewID(model.PrefixTestStep)
		}
		st.CreatedAt = now
		if st.ExecutedAt.IsZero() {
			st.ExecutedAt = now
		}

		if _, err := tx.ExecContext(ctx, query,
			st.ID, st.RunID, st.TestFlowID, st.StepNumber, st.ActionName, st.ActionParams, st.Description, string(st.Status),
			st.Screenshot, st.ErrorMessage, string(st.ErrorKind), stamp(st.ExecutedAt), st.CreatedAt); err != nil {
			_ = tx.Rollback()
			if isUniqueViolation(err) {
				return fmt.Errorf("run %s flow %s step %d: %w", st.RunID, st.TestFlowID, st.StepNumber, ErrDuplicateStep)
			}
			return fmt.Errorf("failed to insert step: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit steps: %w", err)
	}
	return nil
}

func (s *SQLStore) ListSteps(ctx context.Context, runID, flowID string) ([]model.StepRecord, error) {
	query := `SELECT ` + stepColumns + ` FROM test_steps WHERE run_id = ?`
	args := []any{runID}
	if flowID != "" {
		query += ` AND test_flow_id = ?`
		args = append(args, flowID)
	}
	query += ` ORDER BY test_flow_id, step_number`

	steps := []model.StepRecord{}
	if err := s.db.SelectContext(ctx, &steps, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	return steps, nil
}
