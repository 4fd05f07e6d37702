package extractors

import (
	"regexp"
	"sort"
	"strings"
)

// OutputAnomaly is an error signature found in subsystem output.
type OutputAnomaly struct {
	Line     int
	Text     string
	Severity string
	Score    float64
}

type signature struct {
	re       *regexp.Regexp
	severity string
	score    float64
}

var (
	signatures = []signature{
		{regexp.MustCompile(`(?i)\b(fatal|panic|uncaught|unhandled( promise)? rejection|segmentation fault)\b`), "critical", 4},
		{regexp.MustCompile(`(?i:\berror\b|\bexception\b|npm err!|\berr_\w+)|\bE[A-Z]{4,}\b`), "high", 3},
		{regexp.MustCompile(`(?i)\b(failed|failure|timed out|timeout exceeded)\b`), "medium", 2},
	}
	// benign lines mention error words without reporting one.
	benign = regexp.MustCompile(`(?i)\b(0|no) (errors?|failures?|failed)\b|\berror ?boundar|\bonerror\b|\bwarn(ing)?\b`)
)

// OutputExtractor spots error signatures in otherwise successful output.
type OutputExtractor struct {
	maxResults int
}

// NewOutputExtractor constructs an OutputExtractor keeping at most 10 anomalies.
func NewOutputExtractor() *OutputExtractor {
	return &OutputExtractor{maxResults: 10}
}

// Detect returns the strongest error lines, highest score first, ties in output order.
func (e *OutputExtractor) Detect(output string) []OutputAnomaly {
	if output == "" {
		return nil
	}

	anomalies := make([]OutputAnomaly, 0)
	for i, line := range strings.Split(output, "\n") {
		text := strings.TrimSpace(line)
		if text == "" || benign.MatchString(text) {
			continue
		}
		for _, sig := range signatures {
			if sig.re.MatchString(text) {
				anomalies = append(anomalies, OutputAnomaly{Line: i + 1, Text: text, Severity: sig.severity, Score: sig.score})
				break
			}
		}
	}

	sort.SliceStable(anomalies, func(i, j int) bool {
		return anomalies[i].Score > anomalies[j].Score
	})
	if len(anomalies) > e.maxResults {
		anomalies = anomalies[:e.maxResults]
	}
	return anomalies
}

// FirstError picks the line most worth forwarding for correlation. It falls back
// to the last non-empty line, which is where most tools print their verdict.
func (e *OutputExtractor) FirstError(output string) string {
	if anomalies := e.Detect(output); len(anomalies) > 0 {
		return anomalies[0].Text
	}
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if text := strings.TrimSpace(lines[i]); text != "" {
			return text
		}
	}
	return ""
}
