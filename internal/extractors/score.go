package extractors

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Scorer names how a subsystem's output is turned into a score.
const (
	ScorerExit    = "exit"
	ScorerAuto    = "auto"
	ScorerJSON    = "json"
	ScorerSummary = "summary"
)

var (
	passedPattern = regexp.MustCompile(`(?i)\b(\d+)\s+(passed|passing)\b`)
	failedPattern = regexp.MustCompile(`(?i)\b(\d+)\s+(failed|failing)\b`)
)

// ScoreExtractor turns heterogeneous tool output into a score in [0,1].
type ScoreExtractor struct{}

// NewScoreExtractor constructs a ScoreExtractor.
func NewScoreExtractor() *ScoreExtractor {
	return &ScoreExtractor{}
}

// Extract scores output according to scorer. The boolean reports whether the
// score came from the output itself rather than the exit status.
func (e *ScoreExtractor) Extract(scorer, output string, exitCode int) (float64, bool) {
	switch scorer {
	case ScorerJSON:
		if v, ok := scoreFromJSON(output); ok {
			return v, true
		}
	case ScorerSummary:
		if v, ok := scoreFromSummary(output); ok {
			return v, true
		}
	case ScorerExit:
	default:
		if v, ok := scoreFromJSON(output); ok {
			return v, true
		}
		if v, ok := scoreFromSummary(output); ok {
			return v, true
		}
	}
	if exitCode == 0 {
		return 1, false
	}
	return 0, false
}

func scoreFromJSON(output string) (float64, bool) {
	doc, ok := findJSONObject(output)
	if !ok {
		return 0, false
	}

	if v, ok := number(doc["score"]); ok {
		return normalise(v), true
	}
	if categories, ok := doc["categories"].(map[string]any); ok {
		total, n := 0.0, 0
		for _, raw := range categories {
			cat, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if v, ok := number(cat["score"]); ok {
				total += v
				n++
			}
		}
		if n > 0 {
			return normalise(total / float64(n)), true
		}
	}
	if total, ok := number(doc["numTotalTests"]); ok && total > 0 {
		passed, _ := number(doc["numPassedTests"])
		return normalise(passed / total), true
	}
	if stats, ok := doc["stats"].(map[string]any); ok {
		expected, _ := number(stats["expected"])
		unexpected, _ := number(stats["unexpected"])
		flaky, _ := number(stats["flaky"])
		if total := expected + unexpected + flaky; total > 0 {
			return normalise((expected + flaky) / total), true
		}
	}
	if total, ok := number(doc["total"]); ok && total > 0 {
		if passes, ok := number(doc["passes"]); ok {
			return normalise(passes / total), true
		}
		if errs, ok := number(doc["errors"]); ok {
			return normalise((total - errs) / total), true
		}
	}
	return 0, false
}

// findJSONObject decodes the outermost JSON object embedded in tool output,
// tolerating log lines before and after it.
func findJSONObject(output string) (map[string]any, bool) {
	start := strings.IndexByte(output, '{')
	end := strings.LastIndexByte(output, '}')
	for start >= 0 && end > start {
		var doc map[string]any
		if err := json.Unmarshal([]byte(output[start:end+1]), &doc); err == nil {
			return doc, true
		}
		next := strings.IndexByte(output[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

func scoreFromSummary(output string) (float64, bool) {
	passed := lastCount(passedPattern, output)
	failed := lastCount(failedPattern, output)
	if passed < 0 && failed < 0 {
		return 0, false
	}
	if passed < 0 {
		passed = 0
	}
	if failed < 0 {
		failed = 0
	}
	total := passed + failed
	if total == 0 {
		return 0, false
	}
	return float64(passed) / float64(total), true
}

func lastCount(re *regexp.Regexp, output string) int {
	matches := re.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return -1
	}
	n, err := strconv.Atoi(matches[len(matches)-1][1])
	if err != nil {
		return -1
	}
	return n
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// normalise treats values above 1 as percentages and clamps into [0,1].
func normalise(v float64) float64 {
	if v > 1 {
		v /= 100
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
