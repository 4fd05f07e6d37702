package models

import "time"

// ErrorInfo is the normalised view of one ingested failure.
type ErrorInfo struct {
	Message  string            `json:"message"`
	Stack    string            `json:"stack,omitempty"`
	Type     ErrorType         `json:"type"`
	Source   string            `json:"source"`
	Severity Severity          `json:"severity"`
	Context  map[string]string `json:"context,omitempty"`
}

// RawError is the ingestion variant: either free text or an already structured error.
type RawError struct {
	text       string
	structured *ErrorInfo
}

// Raw wraps unstructured tool output.
func Raw(text string) RawError {
	return RawError{text: text}
}

// Structured wraps an ErrorInfo supplied by the caller.
func Structured(info ErrorInfo) RawError {
	return RawError{structured: &info}
}

// Text returns the raw text and true when the variant is Raw.
func (r RawError) Text() (string, bool) {
	if r.structured != nil {
		return "", false
	}
	return r.text, true
}

// Info returns the structured payload and true when the variant is Structured.
func (r RawError) Info() (ErrorInfo, bool) {
	if r.structured == nil {
		return ErrorInfo{}, false
	}
	return *r.structured, true
}

// CorrelationMatch is one pattern that cleared the confidence threshold.
type CorrelationMatch struct {
	PatternID            string    `json:"patternId"`
	Confidence           float64   `json:"confidence"`
	MatchedElements      []string  `json:"matchedElements"`
	Category             ErrorType `json:"category"`
	Severity             Severity  `json:"severity"`
	AutoRecoverable      bool      `json:"autoRecoverable"`
	RecoveryProcedureRef string    `json:"recoveryProcedureRef,omitempty"`
}

// RecommendationSource identifies where a recommendation came from.
type RecommendationSource string

const (
	SourcePattern      RecommendationSource = "pattern"
	SourcePreventive   RecommendationSource = "preventive"
	SourceOrchestrator RecommendationSource = "orchestrator"
)

// Recommendation is an actionable suggestion ordered by Priority.
type Recommendation struct {
	Priority   Severity             `json:"priority"`
	Source     RecommendationSource `json:"source"`
	PatternID  string               `json:"patternId,omitempty"`
	Strategy   string               `json:"strategy,omitempty"`
	Confidence float64              `json:"confidence"`
	Message    string               `json:"message"`
	Steps      []string             `json:"steps,omitempty"`
}

// CorrelationRecord summarises one analysis call.
type CorrelationRecord struct {
	ID              string             `json:"id"`
	ErrorInfo       ErrorInfo          `json:"errorInfo"`
	Matches         []CorrelationMatch `json:"matches"`
	Recommendations []Recommendation   `json:"recommendations"`
	RecoveryOptions []CorrelationMatch `json:"recoveryOptions"`
	Unmatched       bool               `json:"unmatched"`
	AnalyzedAt      time.Time          `json:"analyzedAt"`
}

// TopMatch returns the highest ranked match, if any.
func (r CorrelationRecord) TopMatch() (CorrelationMatch, bool) {
	if len(r.Matches) == 0 {
		return CorrelationMatch{}, false
	}
	return r.Matches[0], true
}

// RecoveryOutcome records one attempted recovery procedure.
type RecoveryOutcome struct {
	PatternID    string `json:"patternId"`
	ProcedureRef string `json:"procedureRef,omitempty"`
	Success      bool   `json:"success"`
	Output       string `json:"output,omitempty"`
	Reason       string `json:"reason,omitempty"`
	DurationMs   int64  `json:"durationMs"`
	Attempts     int    `json:"attempts"`
}

// RunMetrics are run-scoped counters returned by each call and merged by the caller.
type RunMetrics struct {
	Analyses         int `json:"analyses"`
	Unmatched        int `json:"unmatched"`
	RecoveryAttempts int `json:"recoveryAttempts"`
	Recovered        int `json:"recovered"`
}

// Merge adds other into m.
func (m *RunMetrics) Merge(other RunMetrics) {
	m.Analyses += other.Analyses
	m.Unmatched += other.Unmatched
	m.RecoveryAttempts += other.RecoveryAttempts
	m.Recovered += other.Recovered
}

// FailureAnalysis is what the ingestion side returns for one forwarded failure.
type FailureAnalysis struct {
	Correlation CorrelationRecord `json:"correlation"`
	Recoveries  []RecoveryOutcome `json:"recoveries"`
	Metrics     RunMetrics        `json:"metrics"`
	Duplicate   bool              `json:"duplicate,omitempty"`
}
