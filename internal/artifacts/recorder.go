package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rocketship-ai/qapilot/internal/model"
)

// ManifestEntry describes one stored step screenshot.
type ManifestEntry struct {
	FlowID     string           `json:"testFlowId"`
	StepNumber int              `json:"stepNumber"`
	Action     string           `json:"actionName"`
	Status     model.StepStatus `json:"status"`
	ExecutedAt time.Time        `json:"executedAt"`
	Key        string           `json:"key,omitempty"`
	URL        string           `json:"url,omitempty"`
}

// Manifest is the run recording: the ordered list of step frames.
type Manifest struct {
	RunID string          `json:"qaRunId"`
	Steps []ManifestEntry `json:"steps"`
}

// Recorder uploads step screenshots as they are produced and writes a
// manifest per run when the run finishes.
type Recorder struct {
	sink   Sink
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*Manifest
}

func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, logger: logger, runs: make(map[string]*Manifest)}
}

// StepKey is the object key of a step's screenshot.
func StepKey(runID, flowID string, stepNumber int) string {
	return fmt.Sprintf("runs/%s/%s/step-%03d.jpg", runID, flowID, stepNumber)
}

// ManifestKey is the object key of a run's recording manifest.
func ManifestKey(runID string) string {
	return fmt.Sprintf("runs/%s/recording.json", runID)
}

// RecordFlow stores the screenshot of every step that has one. Steps without
// a screenshot still appear in the manifest.
func (r *Recorder) RecordFlow(ctx context.Context, runID, flowID string, steps []model.StepRecord) error {
	entries := make([]ManifestEntry, 0, len(steps))
	for _, s := range steps {
		entry := ManifestEntry{
			FlowID:     flowID,
			StepNumber: s.StepNumber,
			Action:     s.ActionName,
			Status:     s.Status,
			ExecutedAt: s.ExecutedAt,
		}
		if len(s.Screenshot) > 0 {
			key := StepKey(runID, flowID, s.StepNumber)
			url, err := r.sink.Put(ctx, key, s.Screenshot, "image/jpeg")
			if err != nil {
				return err
			}
			entry.Key, entry.URL = key, url
		}
		entries = append(entries, entry)
	}

	r.mu.Lock()
	m, ok := r.runs[runID]
	if !ok {
		m = &Manifest{RunID: runID, Steps: []ManifestEntry{}}
		r.runs[runID] = m
	}
	m.Steps = append(m.Steps, entries...)
	r.mu.Unlock()

	r.logger.Debug("flow recorded", "run_id", runID, "flow_id", flowID, "frames", len(entries))
	return nil
}

// Finish writes the run's manifest and returns its URL and key.
func (r *Recorder) Finish(ctx context.Context, runID string) (string, string, error) {
	r.mu.Lock()
	m, ok := r.runs[runID]
	delete(r.runs, runID)
	r.mu.Unlock()
	if !ok {
		m = &Manifest{RunID: runID, Steps: []ManifestEntry{}}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("failed to encode recording manifest: %w", err)
	}
	key := ManifestKey(runID)
	url, err := r.sink.Put(ctx, key, data, "application/json")
	if err != nil {
		return "", "", err
	}
	return url, key, nil
}
