package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rocketship-ai/qapilot/internal/model"
)

type runRow struct {
	model.Run
	FlowIDs      string         `db:"test_flow_ids"`
	AnalysisJSON sql.NullString `db:"analysis"`
}

func (r runRow) toModel() (model.Run, error) {
	run := r.Run
	if r.FlowIDs != "" {
		if err := json.Unmarshal([]byte(r.FlowIDs), &run.TestFlowIDs); err != nil {
			return model.Run{}, fmt.Errorf("failed to decode test flow ids for run %s: %w", run.ID, err)
		}
	}
	if r.AnalysisJSON.Valid && r.AnalysisJSON.String != "" {
		var a model.Analysis
		if err := json.Unmarshal([]byte(r.AnalysisJSON.String), &a); err != nil {
			return model.Run{}, fmt.Errorf("failed to decode analysis for run %s: %w", run.ID, err)
		}
		run.Analysis = &a
	}
	if run.TestFlowIDs == nil {
		run.TestFlowIDs = []string{}
	}
	return run, nil
}

const runColumns = `id, repo_url, app_name, branch, environment_id, app_local_url, test_flow_ids, status,
    total_steps, passed_steps, failed_steps, recording_url, recording_path, error_message, analysis,
    created_at, updated_at, started_at, completed_at`

// CreateRun inserts run. ID, status and timestamps are filled in when empty.
func (s *SQLStore) CreateRun(ctx context.Context, run *model.Run) error {
	if run.RepoURL == "" {
		return errors.New("repository url required")
	}
	if run.ID == "" {
		run.ID = model.NewID(model.PrefixRun)
	}
	if run.Status == "" {
		run.Status = model.RunPending
	}
	if run.TestFlowIDs == nil {
		run.TestFlowIDs = []string{}
	}
	now := stamp(s.now())
	run.CreatedAt = now
	run.UpdatedAt = now

	flowIDs, err := json.Marshal(run.TestFlowIDs)
	if err != nil {
		return fmt.Errorf("failed to encode test flow ids: %w", err)
	}
	analysis, err := encodeAnalysis(run.Analysis)
	if err != nil {
		return err
	}

	query := s.db.Rebind(`INSERT INTO runs (` + runColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		run.ID, run.RepoURL, run.AppName, run.Branch, run.EnvironmentID, run.AppLocalURL, string(flowIDs), string(run.Status),
		run.TotalSteps, run.PassedSteps, run.FailedSteps, run.RecordingURL, run.RecordingPath, run.ErrorMessage, analysis,
		run.CreatedAt, run.UpdatedAt, run.StartedAt, run.CompletedAt); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (model.Run, error) {
	var row runRow
	query := s.db.Rebind(`SELECT ` + runColumns + ` FROM runs WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return row.toModel()
}

func (s *SQLStore) ListRuns(ctx context.Context, opts ListOptions) ([]model.Run, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]model.Run, 0, len(rows))
	for _, row := range rows {
		run, err := row.toModel()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *SQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) (model.Run, error) {
	return s.updateRun(ctx, id, nil, update)
}

func (s *SQLStore) TransitionRun(ctx context.Context, id string, from model.RunStatus, update RunUpdate) (model.Run, error) {
	return s.updateRun(ctx, id, &from, update)
}

func (s *SQLStore) updateRun(ctx context.Context, id string, from *model.RunStatus, update RunUpdate) (model.Run, error) {
	if id == "" {
		return model.Run{}, errors.New("run id required")
	}

	sets := []string{"updated_at = ?"}
	args := []any{stamp(s.now())}
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if update.Status != nil {
		add("status", string(*update.Status))
	}
	if update.EnvironmentID != nil {
		add("environment_id", *update.EnvironmentID)
	}
	if update.AppLocalURL != nil {
		add("app_local_url", *update.AppLocalURL)
	}
	if update.ErrorMessage != nil {
		add("error_message", *update.ErrorMessage)
	}
	if update.RecordingURL != nil {
		add("recording_url", *update.RecordingURL)
	}
	if update.RecordingPath != nil {
		add("recording_path", *update.RecordingPath)
	}
	if update.Analysis != nil {
		analysis, err := encodeAnalysis(update.Analysis)
		if err != nil {
			return model.Run{}, err
		}
		add("analysis", analysis)
	}
	if update.StartedAt != nil {
		add("started_at", stamp(*update.StartedAt))
	}
	if update.CompletedAt != nil {
		add("completed_at", stamp(*update.CompletedAt))
	}

	query := `UPDATE runs SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if from != nil {
		query += ` AND status = ?`
		args = append(args, string(*from))
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return model.Run{}, fmt.Errorf("failed to update run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.Run{}, fmt.Errorf("failed to update run: %w", err)
	}

	if affected == 0 {
		current, err := s.GetRun(ctx, id)
		if err != nil {
			return model.Run{}, err
		}
		if from != nil && current.Status != *from {
			return current, fmt.Errorf("run %s is %s, expected %s: %w", id, current.Status, *from, ErrStatusConflict)
		}
		return current, nil
	}
	return s.GetRun(ctx, id)
}

func (s *SQLStore) AddStepCounts(ctx context.Context, id string, delta model.StepCounts) error {
	query := s.db.Rebind(`UPDATE runs
        SET total_steps = total_steps + ?, passed_steps = passed_steps + ?, failed_steps = failed_steps + ?, updated_at = ?
        WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, delta.Total, delta.Passed, delta.Failed, stamp(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update step counts: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

func encodeAnalysis(a *model.Analysis) (any, error) {
	if a == nil {
		return nil, nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode analysis: %w", err)
	}
	return string(data), nil
}
