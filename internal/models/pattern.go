package models

import "time"

// ErrorType enumerates the failure taxonomy used for classification.
type ErrorType string

const (
	ErrorTypeBuild       ErrorType = "build"
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeTest        ErrorType = "test"
	ErrorTypeDeploy      ErrorType = "deploy"
	ErrorTypePerformance ErrorType = "performance"
	ErrorTypeSEO         ErrorType = "seo"
	ErrorTypeUnknown     ErrorType = "unknown"
)

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so that critical sorts first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	default:
		return 4
	}
}

// Matcher describes how a pattern recognises an error message.
type Matcher struct {
	Regex    string   `json:"regex,omitempty" yaml:"regex,omitempty"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// Empty reports whether the matcher carries no rule at all.
func (m Matcher) Empty() bool {
	if m.Regex != "" {
		return false
	}
	for _, kw := range m.Keywords {
		if kw != "" {
			return false
		}
	}
	return true
}

// Solution is one remediation strategy attached to a pattern.
type Solution struct {
	Strategy   string   `json:"strategy" yaml:"strategy"`
	Confidence float64  `json:"confidence" yaml:"confidence"`
	Steps      []string `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// ErrorPattern is a known class of failure together with its remediation metadata.
type ErrorPattern struct {
	ID                   string            `json:"id"`
	Matcher              Matcher           `json:"matcher"`
	Category             ErrorType         `json:"category"`
	Severity             Severity          `json:"severity"`
	Description          string            `json:"description,omitempty"`
	RootCauses           []string          `json:"rootCauses,omitempty"`
	Solutions            []Solution        `json:"solutions"`
	Context              map[string]string `json:"context,omitempty"`
	AutoRecoverable      bool              `json:"autoRecoverable"`
	RecoveryProcedureRef string            `json:"recoveryProcedureRef,omitempty"`
	Occurrences          int               `json:"occurrences"`
	ResolvedCount        int               `json:"resolvedCount"`
	LastSeen             *time.Time        `json:"lastSeen,omitempty"`
	BaselineConfidence   float64           `json:"baselineConfidence"`
	Custom               bool              `json:"custom,omitempty"`
}

// Clone returns a deep copy so snapshots never alias store state.
func (p ErrorPattern) Clone() ErrorPattern {
	out := p
	out.Matcher.Keywords = append([]string(nil), p.Matcher.Keywords...)
	out.RootCauses = append([]string(nil), p.RootCauses...)
	out.Solutions = make([]Solution, len(p.Solutions))
	for i, s := range p.Solutions {
		s.Steps = append([]string(nil), s.Steps...)
		out.Solutions[i] = s
	}
	if p.Context != nil {
		out.Context = make(map[string]string, len(p.Context))
		for k, v := range p.Context {
			out.Context[k] = v
		}
	}
	if p.LastSeen != nil {
		ts := *p.LastSeen
		out.LastSeen = &ts
	}
	return out
}

// MatrixCell aggregates matches for one "{category}-{errorType}" key.
type MatrixCell struct {
	Count      int      `json:"count"`
	PatternIDs []string `json:"patternIds"`
}

// LearningQueueEntry records an error that matched no known pattern.
type LearningQueueEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	ErrorInfo   ErrorInfo `json:"errorInfo"`
	NeedsReview bool      `json:"needsReview"`
	Signature   string    `json:"signature,omitempty"`
}
