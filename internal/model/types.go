package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunPending      RunStatus = "pending"
	RunSettingUp    RunStatus = "setting_up"
	RunRunningTests RunStatus = "running_tests"
	RunCompleted    RunStatus = "completed"
	RunFailed       RunStatus = "failed"
)

// IsTerminal reports whether no further transition is accepted from s.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Valid reports whether s is one of the known lifecycle states.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunSettingUp, RunRunningTests, RunCompleted, RunFailed:
		return true
	}
	return false
}

// StepStatus is the outcome of one perceive-decide-act iteration.
type StepStatus string

const (
	StepPassed StepStatus = "passed"
	StepFailed StepStatus = "failed"
)

// ErrorKind is the fixed taxonomy assigned to failed steps.
type ErrorKind string

const (
	ErrorTimeout         ErrorKind = "timeout"
	ErrorElementNotFound ErrorKind = "element_not_found"
	ErrorSelector        ErrorKind = "selector_error"
	ErrorNavigation      ErrorKind = "navigation_error"
	ErrorClick           ErrorKind = "click_error"
	ErrorInput           ErrorKind = "input_error"
	ErrorAssertion       ErrorKind = "assertion_error"
	ErrorNetwork         ErrorKind = "network_error"
	ErrorUnknown         ErrorKind = "unknown_error"
)

// Severity grades a failure analysis.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ParseSeverity normalizes s and reports whether it is a known severity.
func ParseSeverity(s string) (Severity, bool) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return sev, true
	}
	return "", false
}

// DefaultAppLocalURL is where the application under test is served inside
// its environment.
const DefaultAppLocalURL = "http://localhost:3000"

// Run is one test-execution session against one application checkout.
type Run struct {
	ID            string    `json:"id" db:"id"`
	RepoURL       string    `json:"repoUrl" db:"repo_url"`
	AppName       string    `json:"appName" db:"app_name"`
	Branch        string    `json:"branch" db:"branch"`
	EnvironmentID string    `json:"environmentId" db:"environment_id"`
	AppLocalURL   string    `json:"appLocalUrl" db:"app_local_url"`
	TestFlowIDs   []string  `json:"testFlowIds" db:"-"`
	Status        RunStatus `json:"status" db:"status"`

	TotalSteps  int `json:"totalSteps" db:"total_steps"`
	PassedSteps int `json:"passedSteps" db:"passed_steps"`
	FailedSteps int `json:"failedSteps" db:"failed_steps"`

	RecordingURL  string `json:"recordingUrl,omitempty" db:"recording_url"`
	RecordingPath string `json:"recordingPath,omitempty" db:"recording_path"`

	ErrorMessage string    `json:"errorMessage,omitempty" db:"error_message"`
	Analysis     *Analysis `json:"analysis,omitempty" db:"-"`

	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" db:"updated_at"`
	StartedAt   *time.Time `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" db:"completed_at"`
}

// Counts returns the run's aggregate step counters.
func (r Run) Counts() StepCounts {
	return StepCounts{Total: r.TotalSteps, Passed: r.PassedSteps, Failed: r.FailedSteps}
}

// Analysis is the structured diagnosis attached to a run with failed flows.
type Analysis struct {
	Summary         string   `json:"summary"`
	RootCause       string   `json:"rootCause"`
	AffectedSteps   []int    `json:"affectedSteps"`
	Recommendations []string `json:"recommendations"`
	Severity        Severity `json:"severity"`
}

// TestFlow is a natural-language task describing a user journey to validate.
type TestFlow struct {
	ID          string    `json:"id" yaml:"id" db:"id"`
	Name        string    `json:"name" yaml:"name" db:"name"`
	Description string    `json:"description" yaml:"description" db:"description"`
	Task        string    `json:"task" yaml:"task" db:"task"`
	IsDemo      bool      `json:"isDemo" yaml:"isDemo" db:"is_demo"`
	CreatedAt   time.Time `json:"createdAt" yaml:"-" db:"created_at"`
}

// StepRecord is persisted evidence of one loop iteration. Records are
// append-only and keyed by (RunID, TestFlowID, StepNumber).
type StepRecord struct {
	ID           string     `json:"id" db:"id"`
	RunID        string     `json:"qaRunId" db:"run_id"`
	TestFlowID   string     `json:"testFlowId" db:"test_flow_id"`
	StepNumber   int        `json:"stepNumber" db:"step_number"`
	ActionName   string     `json:"actionName" db:"action_name"`
	ActionParams string     `json:"actionParams" db:"action_params"`
	Description  string     `json:"description" db:"description"`
	Status       StepStatus `json:"status" db:"status"`
	Screenshot   []byte     `json:"screenshot,omitempty" db:"screenshot"`
	ErrorMessage string     `json:"errorMessage,omitempty" db:"error_message"`
	ErrorKind    ErrorKind  `json:"errorType,omitempty" db:"error_type"`
	ExecutedAt   time.Time  `json:"executedAt" db:"executed_at"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
}

// StepCounts aggregates step outcomes. Total always equals Passed + Failed.
type StepCounts struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// Add returns the element-wise sum of c and o.
func (c StepCounts) Add(o StepCounts) StepCounts {
	return StepCounts{Total: c.Total + o.Total, Passed: c.Passed + o.Passed, Failed: c.Failed + o.Failed}
}

// NewID returns a prefixed, 16 character identifier such as "qaRun_3f2a...".
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + raw[:16]
}

// ID prefixes.
const (
	PrefixRun      = "qaRun"
	PrefixTestFlow = "testFlow"
	PrefixTestStep = "testStep"
)
