package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketship-ai/qapilot/internal/action"
	"github.com/rocketship-ai/qapilot/internal/model"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		message string
		want    model.ErrorKind
	}{
		{"Timeout waiting for selector", model.ErrorTimeout},
		{"request TIMED OUT after 30s", model.ErrorTimeout},
		{"Element not found on page", model.ErrorElementNotFound},
		{"Could not find the login button", model.ErrorElementNotFound},
		{"invalid selector '#x'", model.ErrorSelector},
		{"navigation aborted", model.ErrorNavigation},
		{"failed to navigate", model.ErrorNavigation},
		{"click intercepted by overlay", model.ErrorClick},
		{"input rejected", model.ErrorInput},
		{"could not type into field", model.ErrorInput},
		{"assertion failed", model.ErrorAssertion},
		{"expected dashboard heading", model.ErrorAssertion},
		{"connection refused", model.ErrorNetwork},
		{"network unreachable", model.ErrorNetwork},
		{"something odd happened", model.ErrorUnknown},
		{"", model.ErrorUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorKind(tt.message))
		})
	}
}

func TestErrorKind_FirstMatchWins(t *testing.T) {
	// "click" appears before "type" in the rule list.
	assert.Equal(t, model.ErrorClick, ErrorKind("click on input type=submit"))
	// "not found" outranks "selector".
	assert.Equal(t, model.ErrorElementNotFound, ErrorKind("selector not found"))
}

func TestClassify(t *testing.T) {
	outcomes := []Outcome{
		{Number: 1, Action: action.Click{X: 10, Y: 20, Description: "Email field"}},
		{Number: 2, Action: action.Type{Text: "test@example.com"}},
		{Number: 3, Action: action.Scroll{DY: 200}, Err: "environment scroll: connection reset"},
		{Number: 4, Action: action.Failed{Reason: "Could not find submit button"}},
	}

	records := Classify("qaRun_1", "testFlow_1", outcomes)
	require.Len(t, records, 4)

	assert.Equal(t, model.StepPassed, records[0].Status)
	assert.Equal(t, "Email field", records[0].Description)
	assert.Equal(t, "click", records[0].ActionName)
	assert.JSONEq(t, `{"x":10,"y":20,"description":"Email field"}`, records[0].ActionParams)
	assert.Empty(t, records[0].ErrorKind)

	assert.Equal(t, model.StepPassed, records[1].Status)

	assert.Equal(t, model.StepFailed, records[2].Status)
	assert.Equal(t, model.ErrorNetwork, records[2].ErrorKind)

	assert.Equal(t, model.StepFailed, records[3].Status)
	assert.Equal(t, "Could not find submit button", records[3].ErrorMessage)
	assert.Equal(t, model.ErrorElementNotFound, records[3].ErrorKind)

	for i, r := range records {
		assert.Equal(t, i+1, r.StepNumber)
		assert.Equal(t, "qaRun_1", r.RunID)
		assert.Equal(t, "testFlow_1", r.TestFlowID)
	}
}

func TestClassify_OutcomeWithoutAction(t *testing.T) {
	records := Classify("r", "f", []Outcome{{Number: 1, Err: "oracle response contained no action"}})
	require.Len(t, records, 1)
	assert.Equal(t, model.StepFailed, records[0].Status)
	assert.Equal(t, "error", records[0].ActionName)
	assert.Equal(t, model.ErrorUnknown, records[0].ErrorKind)
}

func TestAggregate(t *testing.T) {
	steps := Classify("r", "f", []Outcome{
		{Number: 1, Action: action.Click{}},
		{Number: 2, Action: action.Click{}, Err: "timed out"},
		{Number: 3, Action: action.Done{Result: "ok"}},
	})

	c := Aggregate(steps)
	assert.Equal(t, model.StepCounts{Total: 3, Passed: 2, Failed: 1}, c)
	assert.Equal(t, c.Total, c.Passed+c.Failed)

	assert.Equal(t, model.StepCounts{}, Aggregate(nil))
}
