package learning

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/release-gate/internal/models"
)

// PatternSink receives promoted candidate patterns.
type PatternSink interface {
	Add(p models.ErrorPattern) error
}

// SinkFunc adapts a function to the PatternSink interface.
type SinkFunc func(p models.ErrorPattern) error

// Add implements PatternSink.
func (f SinkFunc) Add(p models.ErrorPattern) error {
	return f(p)
}

// Candidate is a proposed pattern mined from recurring unmatched errors.
type Candidate struct {
	Pattern     models.ErrorPattern `json:"pattern"`
	Signature   string              `json:"signature"`
	Occurrences int                 `json:"occurrences"`
	Prevalence  float64             `json:"prevalence"`
	Sources     []string            `json:"sources"`
	LastSeen    time.Time           `json:"lastSeen"`
}

// Miner groups learning-queue entries by message signature and proposes patterns.
type Miner struct {
	sink           PatternSink
	logger         *slog.Logger
	minOccurrences int
}

// NewMiner constructs a Miner; sink may be nil for dry runs.
func NewMiner(logger *slog.Logger, sink PatternSink, minOccurrences int) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	if minOccurrences <= 0 {
		minOccurrences = 2
	}
	return &Miner{sink: sink, logger: logger, minOccurrences: minOccurrences}
}

// Mine analyses entries and returns candidates ordered by occurrence count.
// When a sink is configured every candidate is offered to it.
func (m *Miner) Mine(ctx context.Context, entries []models.LearningQueueEntry) ([]Candidate, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	groups := make(map[string]*signatureAggregate)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sig := entry.Signature
		if sig == "" {
			sig = Signature(entry.ErrorInfo.Message)
		}
		if sig == "" {
			continue
		}
		agg, ok := groups[sig]
		if !ok {
			agg = &signatureAggregate{
				types:      make(map[models.ErrorType]int),
				severities: make(map[models.Severity]int),
				sources:    make(map[string]struct{}),
			}
			groups[sig] = agg
		}
		agg.count++
		agg.types[entry.ErrorInfo.Type]++
		agg.severities[entry.ErrorInfo.Severity]++
		if entry.ErrorInfo.Source != "" {
			agg.sources[entry.ErrorInfo.Source] = struct{}{}
		}
		if entry.Timestamp.After(agg.lastSeen) {
			agg.lastSeen = entry.Timestamp
		}
	}

	candidates := make([]Candidate, 0, len(groups))
	for sig, agg := range groups {
		if agg.count < m.minOccurrences {
			continue
		}
		keyword := longestLiteral(sig)
		if len(keyword) < 6 {
			continue
		}
		sources := agg.sourceList()
		candidates = append(candidates, Candidate{
			Pattern: models.ErrorPattern{
				ID:          "learned-" + shortHash(sig),
				Matcher:     models.Matcher{Regex: signatureRegex(sig), Keywords: []string{keyword}},
				Category:    topType(agg.types),
				Severity:    topSeverity(agg.severities),
				Description: "Mined from recurring unmatched failures",
				Solutions: []models.Solution{{
					Strategy:   "investigate",
					Confidence: 0.3,
					Steps:      []string{fmt.Sprintf("Review %d queued occurrences from %s", agg.count, strings.Join(sources, ", "))},
				}},
				BaselineConfidence: 0.3,
			},
			Signature:   sig,
			Occurrences: agg.count,
			Prevalence:  float64(agg.count) / float64(len(entries)),
			Sources:     sources,
			LastSeen:    agg.lastSeen,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Occurrences != candidates[j].Occurrences {
			return candidates[i].Occurrences > candidates[j].Occurrences
		}
		return candidates[i].Signature < candidates[j].Signature
	})

	if m.sink != nil {
		for _, c := range candidates {
			if err := m.sink.Add(c.Pattern); err != nil {
				m.logger.Warn("candidate pattern rejected", slog.String("id", c.Pattern.ID), slog.Any("error", err))
			}
		}
	}
	return candidates, nil
}

type signatureAggregate struct {
	count      int
	lastSeen   time.Time
	types      map[models.ErrorType]int
	severities map[models.Severity]int
	sources    map[string]struct{}
}

func (agg *signatureAggregate) sourceList() []string {
	out := make([]string, 0, len(agg.sources))
	for s := range agg.sources {
		out = append(out, s)
	}
	sort.Strings(out)
	if len(out) == 0 {
		out = append(out, "unknown")
	}
	return out
}

const placeholder = "<*>"

var (
	uuidPattern   = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	hexPattern    = regexp.MustCompile(`(?i)\b0x[0-9a-f]+\b|\b[0-9a-f]{12,}\b`)
	quotedPattern = regexp.MustCompile("\"[^\"]*\"|'[^']*'|`[^`]*`")
	pathPattern   = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[./~]?[\w.-]+)?(?:/[\w.@-]+){2,}`)
	numberPattern = regexp.MustCompile(`\b\d+(?:\.\d+)?(?:ms|s|m|kb|mb|gb|%)?\b`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// Signature normalises a message so that recurring failures with different
// identifiers, paths or numbers collapse onto the same key.
func Signature(message string) string {
	line := strings.TrimSpace(message)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.ToLower(line)
	line = uuidPattern.ReplaceAllString(line, placeholder)
	line = quotedPattern.ReplaceAllString(line, placeholder)
	line = pathPattern.ReplaceAllString(line, placeholder)
	line = hexPattern.ReplaceAllString(line, placeholder)
	line = numberPattern.ReplaceAllString(line, placeholder)
	line = spacePattern.ReplaceAllString(line, " ")
	return strings.TrimSpace(line)
}

func longestLiteral(sig string) string {
	best := ""
	for _, part := range strings.Split(sig, placeholder) {
		part = strings.Trim(part, " :;,.-()[]{}")
		if len(part) > len(best) {
			best = part
		}
	}
	return best
}

func signatureRegex(sig string) string {
	parts := strings.Split(sig, placeholder)
	quoted := make([]string, 0, len(parts))
	for _, part := range parts {
		quoted = append(quoted, regexp.QuoteMeta(part))
	}
	return "(?i)" + strings.Join(quoted, ".+?")
}

func shortHash(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:10]
}

func topType(counts map[models.ErrorType]int) models.ErrorType {
	best, bestCount := models.ErrorTypeUnknown, 0
	for t, n := range counts {
		if t == "" {
			continue
		}
		if n > bestCount || (n == bestCount && t < best) {
			best, bestCount = t, n
		}
	}
	return best
}

func topSeverity(counts map[models.Severity]int) models.Severity {
	best, bestCount := models.SeverityMedium, 0
	for s, n := range counts {
		if s == "" {
			continue
		}
		if n > bestCount || (n == bestCount && s.Rank() < best.Rank()) {
			best, bestCount = s, n
		}
	}
	return best
}
