package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rocketship-ai/qapilot/internal/model"
)

const flowColumns = `id, name, description, task, is_demo, created_at`

func (s *SQLStore) CreateTestFlow(ctx context.Context, flow *model.TestFlow) error {
	if flow.Name == "" || flow.Task == "" {
		return errors.New("test flow requires a name and a task")
	}
	if flow.ID == "" {
		flow.ID = model.NewID(model.PrefixTestFlow)
	}
	flow.CreatedAt = stamp(s.now())

	query := s.db.Rebind(`INSERT INTO test_flows (` + flowColumns + `) VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, flow.ID, flow.Name, flow.Description, flow.Task, flow.IsDemo, flow.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert test flow: %w", err)
	}
	return nil
}

func (s *SQLStore) GetTestFlow(ctx context.Context, id string) (model.TestFlow, error) {
	var flow model.TestFlow
	query := s.db.Rebind(`SELECT ` + flowColumns + ` FROM test_flows WHERE id = ?`)
	if err := s.db.GetContext(ctx, &flow, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.TestFlow{}, fmt.Errorf("test flow %s: %w", id, ErrNotFound)
		}
		return model.TestFlow{}, fmt.Errorf("failed to get test flow: %w", err)
	}
	return flow, nil
}

func (s *SQLStore) ListTestFlows(ctx context.Context) ([]model.TestFlow, error) {
	flows := []model.TestFlow{}
	if err := s.db.SelectContext(ctx, &flows, `SELECT `+flowColumns+` FROM test_flows ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("failed to list test flows: %w", err)
	}
	return flows, nil
}
