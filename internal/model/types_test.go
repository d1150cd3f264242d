package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunStatus(t *testing.T) {
	for _, s := range []RunStatus{RunPending, RunSettingUp, RunRunningTests} {
		assert.True(t, s.Valid(), s)
		assert.False(t, s.IsTerminal(), s)
	}
	for _, s := range []RunStatus{RunCompleted, RunFailed} {
		assert.True(t, s.Valid(), s)
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, RunStatus("running").Valid())
}

func TestParseSeverity(t *testing.T) {
	sev, ok := ParseSeverity(" HIGH ")
	assert.True(t, ok)
	assert.Equal(t, SeverityHigh, sev)

	_, ok = ParseSeverity("blocker")
	assert.False(t, ok)
}

func TestNewID(t *testing.T) {
	id := NewID(PrefixRun)
	assert.True(t, strings.HasPrefix(id, "qaRun_"))
	assert.Len(t, id, len("qaRun_")+16)
	assert.NotEqual(t, id, NewID(PrefixRun))
}

func TestStepCounts(t *testing.T) {
	r := Run{TotalSteps: 3, PassedSteps: 2, FailedSteps: 1}
	sum := r.Counts().Add(StepCounts{Total: 2, Passed: 0, Failed: 2})
	assert.Equal(t, StepCounts{Total: 5, Passed: 2, Failed: 3}, sum)
	assert.Equal(t, sum.Total, sum.Passed+sum.Failed)
}
