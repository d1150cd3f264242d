// Package analysis requests a structured diagnosis of a failed test flow and
// renders it for humans.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/rocketship-ai/qapilot/internal/llm"
	"github.com/rocketship-ai/qapilot/internal/model"
)

// Analyzer diagnoses a flow from its step records and the text the step loop
// carried out of it (the done result or failure reason).
type Analyzer interface {
	Analyze(ctx context.Context, flow model.TestFlow, steps []model.StepRecord, extracted string) (*model.Analysis, error)
}

// Completer is the model call the analyzer depends on.
type Completer interface {
	Complete(ctx context.Context, system string, content ...llm.ContentBlock) (string, error)
}

// PassedAnalysis is returned without consulting the model when no step failed.
func PassedAnalysis() *model.Analysis {
	return &model.Analysis{
		Summary:         "All tests passed successfully",
		RootCause:       "N/A",
		AffectedSteps:   []int{},
		Recommendations: []string{},
		Severity:        model.SeverityLow,
	}
}

// ModelAnalyzer implements Analyzer with a language model.
type ModelAnalyzer struct {
	model  Completer
	logger *slog.Logger
}

func NewModelAnalyzer(model Completer, logger *slog.Logger) *ModelAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelAnalyzer{model: model, logger: logger}
}

type stepContext struct {
	StepNumber int    `json:"stepNumber"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	ErrorType  string `json:"errorType,omitempty"`
}

// Analyze implements Analyzer.
func (a *ModelAnalyzer) Analyze(ctx context.Context, flow model.TestFlow, steps []model.StepRecord, extracted string) (*model.Analysis, error) {
	failed := 0
	for _, s := range steps {
		if s.Status == model.StepFailed {
			failed++
		}
	}
	if failed == 0 {
		return PassedAnalysis(), nil
	}

	prompt, err := buildPrompt(flow, steps, extracted)
	if err != nil {
		return nil, err
	}

	text, err := a.model.Complete(ctx, "", llm.TextBlock(prompt))
	if err != nil {
		return nil, fmt.Errorf("analysis request failed: %w", err)
	}
	a.logger.Debug("analysis received", "flow_id", flow.ID, "failed_steps", failed)

	return ParseResponse(text)
}

// ParseResponse decodes the model's JSON reply and validates its severity.
func ParseResponse(text string) (*model.Analysis, error) {
	obj, ok := llm.ExtractJSONObject(text)
	if !ok {
		return nil, fmt.Errorf("analysis response contains no JSON object")
	}

	var raw struct {
		Summary         string   `json:"summary"`
		RootCause       string   `json:"rootCause"`
		AffectedSteps   []int    `json:"affectedSteps"`
		Recommendations []string `json:"recommendations"`
		Severity        string   `json:"severity"`
	}
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse analysis: %w", err)
	}

	sev, ok := model.ParseSeverity(raw.Severity)
	if !ok {
		return nil, fmt.Errorf("analysis has invalid severity %q", raw.Severity)
	}
	if raw.AffectedSteps == nil {
		raw.AffectedSteps = []int{}
	}
	if raw.Recommendations == nil {
		raw.Recommendations = []string{}
	}

	return &model.Analysis{
		Summary:         raw.Summary,
		RootCause:       raw.RootCause,
		AffectedSteps:   raw.AffectedSteps,
		Recommendations: raw.Recommendations,
		Severity:        sev,
	}, nil
}

func buildPrompt(flow model.TestFlow, steps []model.StepRecord, extracted string) (string, error) {
	ctxSteps := make([]stepContext, 0, len(steps))
	for _, s := range steps {
		ctxSteps = append(ctxSteps, stepContext{
			StepNumber: s.StepNumber,
			Action:     s.ActionName,
			Status:     string(s.Status),
			Error:      s.ErrorMessage,
			ErrorType:  string(s.ErrorKind),
		})
	}
	stepsJSON, err := json.MarshalIndent(ctxSteps, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode steps: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("A browser-driven QA test failed. Diagnose it.\n\n")
	fmt.Fprintf(&sb, "**Task:**\n%s\n\n", flow.Task)
	fmt.Fprintf(&sb, "**Flow description:**\n%s\n\n", flow.Description)
	fmt.Fprintf(&sb, "**Steps executed:**\n%s\n\n", stepsJSON)
	fmt.Fprintf(&sb, "**Final agent output:**\n%s\n\n", orNone(extracted))
	sb.WriteString(`**Provide:**
1. A one or two sentence summary of what went wrong
2. The root cause
3. The step numbers affected
4. Between three and five concrete recommendations
5. A severity: critical (core functionality blocked), high (major feature broken), medium (minor feature issue) or low (cosmetic)

Reply with JSON only:
{
  "summary": "...",
  "rootCause": "...",
  "affectedSteps": [1, 2],
  "recommendations": ["..."],
  "severity": "critical|high|medium|low"
}`)
	return sb.String(), nil
}

// FormatReport renders an analysis as a markdown report.
func FormatReport(a *model.Analysis) string {
	if a == nil {
		return ""
	}
	steps := make([]string, len(a.AffectedSteps))
	for i, n := range a.AffectedSteps {
		steps[i] = strconv.Itoa(n)
	}
	recs := make([]string, len(a.Recommendations))
	for i, r := range a.Recommendations {
		recs[i] = fmt.Sprintf("%d. %s", i+1, r)
	}

	var sb strings.Builder
	sb.WriteString("## Test Failure Analysis\n\n")
	fmt.Fprintf(&sb, "**Severity:** %s\n\n", strings.ToUpper(string(a.Severity)))
	fmt.Fprintf(&sb, "**Summary:**\n%s\n\n", a.Summary)
	fmt.Fprintf(&sb, "**Root Cause:**\n%s\n\n", a.RootCause)
	fmt.Fprintf(&sb, "**Affected Steps:** %s\n\n", strings.Join(steps, ", "))
	fmt.Fprintf(&sb, "**Recommendations:**\n%s", strings.Join(recs, "\n"))
	return strings.TrimSpace(sb.String())
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "None"
	}
	return s
}
