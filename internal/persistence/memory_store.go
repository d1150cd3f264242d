package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rocketship-ai/qapilot/internal/model"
)

type stepKey struct {
	runID  string
	flowID string
	number int
}

// MemoryStore keeps everything in process memory. It backs `qapilot run
// --store memory` and tests.
type MemoryStore struct {
	mu      sync.Mutex
	runs    map[string]model.Run
	steps   map[stepKey]model.StepRecord
	flows   map[string]model.TestFlow
	flowSeq []string
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]model.Run),
		steps: make(map[stepKey]model.StepRecord),
		flows: make(map[string]model.TestFlow),
		now:   time.Now,
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateRun(ctx context.Context, run *model.Run) error {
	if run.RepoURL == "" {
		return errors.New("repository url required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = model.NewID(model.PrefixRun)
	}
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
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
	s.runs[run.ID] = cloneRun(*run)
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return model.Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, opts ListOptions) ([]model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	runs := make([]model.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		runs = append(runs, cloneRun(run))
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, id string, update RunUpdate) (model.Run, error) {
	return s.updateRun(id, nil, update)
}

func (s *MemoryStore) TransitionRun(ctx context.Context, id string, from model.RunStatus, update RunUpdate) (model.Run, error) {
	return s.updateRun(id, &from, update)
}

func (s *MemoryStore) updateRun(id string, from *model.RunStatus, update RunUpdate) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return model.Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if from != nil && run.Status != *from {
		return cloneRun(run), fmt.Errorf("run %s is %s, expected %s: %w", id, run.Status, *from, ErrStatusConflict)
	}

	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.EnvironmentID != nil {
		run.EnvironmentID = *update.EnvironmentID
	}
	if update.AppLocalURL != nil {
		run.AppLocalURL = *update.AppLocalURL
	}
	if update.ErrorMessage != nil {
		run.ErrorMessage = *update.ErrorMessage
	}
	if update.RecordingURL != nil {
		run.RecordingURL = *update.RecordingURL
	}
	if update.RecordingPath != nil {
		run.RecordingPath = *update.RecordingPath
	}
	if update.Analysis != nil {
		a := *update.Analysis
		run.Analysis = &a
	}
	if update.StartedAt != nil {
		t := stamp(*update.StartedAt)
		run.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := stamp(*update.CompletedAt)
		run.CompletedAt = &t
	}
	run.UpdatedAt = stamp(s.now())
	s.runs[id] = run
	return cloneRun(run), nil
}

func (s *MemoryStore) AddStepCounts(ctx context.Context, id string, delta model.StepCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	run.TotalSteps += delta.Total
	run.PassedSteps += delta.Passed
	run.FailedSteps += delta.Failed
	run.UpdatedAt = stamp(s.now())
	s.runs[id] = run
	return nil
}

func (s *MemoryStore) InsertSteps(ctx context.Context, steps []model.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := stamp(s.now())
	batch := make(map[stepKey]model.StepRecord, len(steps))
	for i := range steps {
		st := &steps[i]
		if st.RunID == "" || st.TestFlowID == "" || st.StepNumber < 1 {
			return errors.New("step record requires run id, test flow id and a positive step number")
		}
		key := stepKey{st.RunID, st.TestFlowID, st.StepNumber}
		if _, ok := s.steps[key]; ok {
			return fmt.Errorf("run %s flow %s step %d: %w", st.RunID, st.TestFlowID, st.StepNumber, ErrDuplicateStep)
		}
		if _, ok := batch[key]; ok {
			return fmt.Errorf("run %s flow %s step %d: %w", st.RunID, st.TestFlowID, st.StepNumber, ErrDuplicateStep)
		}
		if st.ID == "" {
			st.ID = model.NewID(model.PrefixTestStep)
		}
		st.CreatedAt = now
		if st.ExecutedAt.IsZero() {
			st.ExecutedAt = now
		}
		batch[key] = *st
	}
	for k, v := range batch {
		s.steps[k] = v
	}
	return nil
}

func (s *MemoryStore) ListSteps(ctx context.Context, runID, flowID string) ([]model.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps := []model.StepRecord{}
	for k, v := range s.steps {
		if k.runID != runID || (flowID != "" && k.flowID != flowID) {
			continue
		}
		steps = append(steps, v)
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].TestFlowID != steps[j].TestFlowID {
			return steps[i].TestFlowID < steps[j].TestFlowID
		}
		return steps[i].StepNumber < steps[j].StepNumber
	})
	return steps, nil
}

func (s *MemoryStore) CreateTestFlow(ctx context.Context, flow *model.TestFlow) error {
	if flow.Name == "" || flow.Task == "" {
		return errors.New("test flow requires a name and a task")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if flow.ID == "" {
		flow.ID = model.NewID(model.PrefixTestFlow)
	}
	if _, ok := s.flows[flow.ID]; ok {
		return fmt.Errorf("test flow %s already exists", flow.ID)
	}
	flow.CreatedAt = stamp(s.now())
	s.flows[flow.ID] = *flow
	s.flowSeq = append(s.flowSeq, flow.ID)
	return nil
}

func (s *MemoryStore) GetTestFlow(ctx context.Context, id string) (model.TestFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.flows[id]
	if !ok {
		return model.TestFlow{}, fmt.Errorf("test flow %s: %w", id, ErrNotFound)
	}
	return flow, nil
}

func (s *MemoryStore) ListTestFlows(ctx context.Context) ([]model.TestFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flows := make([]model.TestFlow, 0, len(s.flowSeq))
	for _, id := range s.flowSeq {
		flows = append(flows, s.flows[id])
	}
	return flows, nil
}

func cloneRun(r model.Run) model.Run {
	r.TestFlowIDs = append([]string{}, r.TestFlowIDs...)
	if r.Analysis != nil {
		a := *r.Analysis
		a.AffectedSteps = append([]int{}, a.AffectedSteps...)
		a.Recommendations = append([]string{}, a.Recommendations...)
		r.Analysis = &a
	}
	return r
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)
