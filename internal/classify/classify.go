// Package classify turns raw step outcomes from the agent loop into
// persisted StepRecords and aggregate counters.
package classify

import (
	"strings"
	"time"

	"github.com/rocketship-ai/qapilot/internal/action"
	"github.com/rocketship-ai/qapilot/internal/model"
)

// rule maps any of its keywords to a kind. Rules are evaluated in order and
// the first match wins, so "Timeout waiting for selector" is a timeout.
type rule struct {
	keywords []string
	kind     model.ErrorKind
}

var rules = []rule{
	{[]string{"timeout", "timed out"}, model.ErrorTimeout},
	{[]string{"not found", "could not find"}, model.ErrorElementNotFound},
	{[]string{"selector"}, model.ErrorSelector},
	{[]string{"navigation", "navigate"}, model.ErrorNavigation},
	{[]string{"click"}, model.ErrorClick},
	{[]string{"input", "type"}, model.ErrorInput},
	{[]string{"assertion", "expected"}, model.ErrorAssertion},
	{[]string{"connection", "network"}, model.ErrorNetwork},
}

// ErrorKind assigns the taxonomy kind for an error message.
func ErrorKind(message string) model.ErrorKind {
	lower := strings.ToLower(message)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.kind
			}
		}
	}
	return model.ErrorUnknown
}

// Outcome is one raw iteration result as produced by the step loop. Action is
// nil when the iteration failed before the oracle produced one.
type Outcome struct {
	Number     int
	Action     action.Action
	Screenshot []byte
	Err        string
	At         time.Time
}

// Failed reports whether the outcome counts against the flow.
func (o Outcome) Failed() bool {
	if o.Err != "" {
		return true
	}
	_, isFailed := o.Action.(action.Failed)
	return isFailed
}

// Classify converts outcomes into StepRecords for the given run and flow.
// Record IDs and creation stamps are assigned by the store.
func Classify(runID, flowID string, outcomes []Outcome) []model.StepRecord {
	records := make([]model.StepRecord, 0, len(outcomes))
	for _, o := range outcomes {
		rec := model.StepRecord{
			RunID:      runID,
			TestFlowID: flowID,
			StepNumber: o.Number,
			Screenshot: o.Screenshot,
			ExecutedAt: o.At,
			Status:     model.StepPassed,
		}
		if o.Action != nil {
			rec.ActionName = o.Action.Name()
			rec.ActionParams = action.Params(o.Action)
			rec.Description = describe(o.Action)
		} else {
			rec.ActionName = "error"
			rec.ActionParams = "{}"
		}

		if o.Failed() {
			rec.Status = model.StepFailed
			rec.ErrorMessage = o.Err
			if rec.ErrorMessage == "" {
				rec.ErrorMessage = o.Action.(action.Failed).Reason
			}
			rec.ErrorKind = ErrorKind(rec.ErrorMessage)
		}
		records = append(records, rec)
	}
	return records
}

// Aggregate counts passed and failed records. Total is always their sum.
func Aggregate(steps []model.StepRecord) model.StepCounts {
	var c model.StepCounts
	for _, s := range steps {
		if s.Status == model.StepFailed {
			c.Failed++
		} else {
			c.Passed++
		}
	}
	c.Total = c.Passed + c.Failed
	return c
}

func describe(a action.Action) string {
	switch v := a.(type) {
	case action.Click:
		if v.Description != "" {
			return v.Description
		}
		return "Click"
	case action.Type:
		return "Type \"" + v.Text + "\""
	case action.Scroll:
		return "Scroll"
	case action.Done:
		return v.Result
	case action.Failed:
		return v.Reason
	}
	return ""
}
