package analysis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketship-ai/qapilot/internal/llm"
	"github.com/rocketship-ai/qapilot/internal/model"
)

type stubCompleter struct {
	reply  string
	calls  int
	prompt string
}

func (s *stubCompleter) Complete(_ context.Context, _ string, content ...llm.ContentBlock) (string, error) {
	s.calls++
	if len(content) > 0 {
		s.prompt = content[0].Text
	}
	return s.reply, nil
}

func TestAnalyze_NoFailuresSkipsModel(t *testing.T) {
	stub := &stubCompleter{}
	a := NewModelAnalyzer(stub, nil)

	got, err := a.Analyze(context.Background(), model.TestFlow{}, []model.StepRecord{{StepNumber: 1, Status: model.StepPassed}}, "")
	require.NoError(t, err)
	assert.Equal(t, PassedAnalysis(), got)
	assert.Equal(t, 0, stub.calls)
}

func TestAnalyze(t *testing.T) {
	stub := &stubCompleter{reply: `{"summary":"Login button missing","rootCause":"Form not rendered","affectedSteps":[2],"recommendations":["Check the build"],"severity":"HIGH"}`}
	a := NewModelAnalyzer(stub, nil)

	flow := model.TestFlow{Task: "Log in with test@example.com", Description: "Login"}
	steps := []model.StepRecord{
		{StepNumber: 1, ActionName: "click", Status: model.StepPassed},
		{StepNumber: 2, ActionName: "failed", Status: model.StepFailed, ErrorMessage: "Could not find button", ErrorKind: model.ErrorElementNotFound},
	}
	got, err := a.Analyze(context.Background(), flow, steps, "Could not find button")
	require.NoError(t, err)
	assert.Equal(t, model.SeverityHigh, got.Severity)
	assert.Equal(t, []int{2}, got.AffectedSteps)
	assert.Equal(t, 1, stub.calls)
	assert.Contains(t, stub.prompt, "Log in with test@example.com")
	assert.Contains(t, stub.prompt, `"errorType": "element_not_found"`)
}

func TestParseResponse_InvalidSeverity(t *testing.T) {
	_, err := ParseResponse(`{"summary":"x","severity":"catastrophic"}`)
	assert.Error(t, err)

	_, err = ParseResponse("no json")
	assert.Error(t, err)
}

func TestFormatReport(t *testing.T) {
	report := FormatReport(&model.Analysis{
		Summary:         "Checkout broke",
		RootCause:       "Price API returned 500",
		AffectedSteps:   []int{3, 4},
		Recommendations: []string{"Fix the API", "Add a retry"},
		Severity:        model.SeverityCritical,
	})

	want := "## Test Failure Analysis\n\n" +
		"**Severity:** CRITICAL\n\n" +
		"**Summary:**\nCheckout broke\n\n" +
		"**Root Cause:**\nPrice API returned 500\n\n" +
		"**Affected Steps:** 3, 4\n\n" +
		"**Recommendations:**\n1. Fix the API\n2. Add a retry"
	assert.Equal(t, want, report)
	assert.Empty(t, FormatReport(nil))
}
