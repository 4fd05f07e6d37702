package models

import "time"

// ExecutionMode selects how a phase schedules its subsystems.
type ExecutionMode string

const (
	ModeParallel   ExecutionMode = "parallel"
	ModeSequential ExecutionMode = "sequential"
)

// Aggregation selects how member scores fold into a phase score.
type Aggregation string

const (
	AggregationMean     Aggregation = "mean"
	AggregationWeighted Aggregation = "weighted"
)

// SubsystemRef names a configured subsystem inside a phase.
type SubsystemRef struct {
	Name   string  `json:"name" yaml:"name"`
	Weight float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// Phase is one named step of an execution plan.
type Phase struct {
	Name        string         `json:"name" yaml:"name"`
	Systems     []SubsystemRef `json:"systems" yaml:"systems"`
	Mode        ExecutionMode  `json:"mode" yaml:"mode"`
	Weight      float64        `json:"weight" yaml:"weight"`
	Critical    bool           `json:"critical" yaml:"critical"`
	Aggregation Aggregation    `json:"aggregation,omitempty" yaml:"aggregation,omitempty"`
	Retries     int            `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// Plan is an ordered list of phases executed by the orchestrator.
type Plan struct {
	Name   string  `json:"name" yaml:"name"`
	Phases []Phase `json:"phases" yaml:"phases"`
}

// ExecutionStatus is the outcome of a single subsystem run.
type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "success"
	StatusFailure ExecutionStatus = "failure"
)

// SubsystemExecutionResult is kept for every member of every executed phase.
type SubsystemExecutionResult struct {
	Subsystem  string          `json:"subsystem"`
	Phase      string          `json:"phase"`
	Status     ExecutionStatus `json:"status"`
	Score      float64         `json:"score"`
	DurationMs int64           `json:"durationMs"`
	RawOutput  string          `json:"rawOutput,omitempty"`
	Error      string          `json:"error,omitempty"`
	ExitCode   int             `json:"exitCode"`
	TimedOut   bool            `json:"timedOut,omitempty"`
	Attempts   int             `json:"attempts"`
}

// Failed reports whether the member failed.
func (r SubsystemExecutionResult) Failed() bool {
	return r.Status != StatusSuccess
}

// PhaseResult aggregates the member results of one phase.
type PhaseResult struct {
	Name       string                     `json:"name"`
	Mode       ExecutionMode              `json:"mode"`
	Weight     float64                    `json:"weight"`
	Critical   bool                       `json:"critical"`
	Score      float64                    `json:"score"`
	Success    bool                       `json:"success"`
	DurationMs int64                      `json:"durationMs"`
	Failures   int                        `json:"failures"`
	Results    []SubsystemExecutionResult `json:"results"`
}

// RunState is a state of the orchestration state machine.
type RunState string

const (
	StateInit            RunState = "INIT"
	StateExecutingPhases RunState = "EXECUTING_PHASES"
	StateRunningPhase    RunState = "RUNNING_PHASE"
	StateFinalizing      RunState = "FINALIZING"
	StateDone            RunState = "DONE"
	StateAborted         RunState = "ABORTED"
)

// RunStatus is the verdict of an integration run.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailure RunStatus = "failure"
	RunAborted RunStatus = "aborted"
)

// IntegrationRun is the record of one orchestration invocation.
type IntegrationRun struct {
	ID              string              `json:"id"`
	Plan            string              `json:"plan"`
	StartTime       time.Time           `json:"startTime"`
	EndTime         time.Time           `json:"endTime"`
	State           RunState            `json:"state"`
	PhaseResults    []PhaseResult       `json:"phaseResults"`
	OverallScore    float64             `json:"overallScore"`
	OverallStatus   RunStatus           `json:"overallStatus"`
	AbortReason     string              `json:"abortReason,omitempty"`
	Errors          []string            `json:"errors"`
	Correlations    []CorrelationRecord `json:"correlations"`
	Recoveries      []RecoveryOutcome   `json:"recoveries"`
	Recommendations []Recommendation    `json:"recommendations"`
	Metrics         RunMetrics          `json:"metrics"`
}

// Duration returns the wall time of the run.
func (r IntegrationRun) Duration() time.Duration {
	if r.EndTime.IsZero() || r.EndTime.Before(r.StartTime) {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}
