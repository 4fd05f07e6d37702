package engine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/release-gate/internal/models"
)

// Score weights. The sum of all terms is capped at 1.
const (
	weightRegex    = 0.4
	weightKeyword  = 0.32
	weightCategory = 0.2
	weightSeverity = 0.15
	weightContext  = 0.15
	weightHistory  = 0.1

	// DefaultThreshold is the minimum confidence for a match to be kept.
	DefaultThreshold = 0.7
)

// PatternSource is the read and statistics surface of the pattern store.
type PatternSource interface {
	All() []models.ErrorPattern
	RecordMatch(id string, errType models.ErrorType, at time.Time) error
}

// LearningSink receives errors that matched no pattern.
type LearningSink interface {
	Append(info models.ErrorInfo) (models.LearningQueueEntry, error)
}

// Options tune the correlator.
type Options struct {
	Threshold float64
	Now       func() time.Time
}

// Correlator classifies failures, scores them against the pattern store and
// builds recommendations.
type Correlator struct {
	logger    *slog.Logger
	patterns  PatternSource
	learning  LearningSink
	rules     *RuleEngine
	threshold float64
	now       func() time.Time

	mu      sync.Mutex
	regexes map[string]*regexp.Regexp
}

// NewCorrelator wires a correlator. learning and rules may be nil.
func NewCorrelator(logger *slog.Logger, patterns PatternSource, learning LearningSink, rules *RuleEngine, opts Options) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Threshold <= 0 || opts.Threshold > 1 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Correlator{
		logger:    logger,
		patterns:  patterns,
		learning:  learning,
		rules:     rules,
		threshold: opts.Threshold,
		now:       opts.Now,
		regexes:   make(map[string]*regexp.Regexp),
	}
}

// Threshold returns the configured confidence threshold.
func (c *Correlator) Threshold() float64 {
	return c.threshold
}

// Analyze normalises raw, ranks every pattern that clears the threshold and
// updates pattern statistics. It never fails; problems are logged. Scoring
// always covers the whole pattern set, even under a cancelled context.
func (c *Correlator) Analyze(_ context.Context, source string, raw models.RawError) models.CorrelationRecord {
	info := Normalize(source, raw)
	now := c.now().UTC()

	var patterns []models.ErrorPattern
	if c.patterns != nil {
		patterns = c.patterns.All()
	}
	byID := make(map[string]models.ErrorPattern, len(patterns))

	matches := make([]models.CorrelationMatch, 0)
	for _, p := range patterns {
		confidence, elements := ScorePattern(p, info, c.compiled(p.Matcher.Regex))
		if confidence < c.threshold {
			continue
		}
		byID[p.ID] = p
		matches = append(matches, models.CorrelationMatch{
			PatternID:            p.ID,
			Confidence:           confidence,
			MatchedElements:      elements,
			Category:             p.Category,
			Severity:             p.Severity,
			AutoRecoverable:      p.AutoRecoverable,
			RecoveryProcedureRef: p.RecoveryProcedureRef,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		return matches[i].PatternID < matches[j].PatternID
	})

	record := models.CorrelationRecord{
		ID:              uuid.NewString(),
		ErrorInfo:       info,
		Matches:         matches,
		RecoveryOptions: make([]models.CorrelationMatch, 0),
		AnalyzedAt:      now,
	}

	for _, m := range matches {
		if err := c.patterns.RecordMatch(m.PatternID, info.Type, now); err != nil {
			c.logger.Warn("record match failed", slog.String("pattern", m.PatternID), slog.Any("error", err))
		}
		if m.AutoRecoverable {
			record.RecoveryOptions = append(record.RecoveryOptions, m)
		}
	}

	if len(matches) == 0 {
		record.Unmatched = true
		if c.learning != nil {
			if _, err := c.learning.Append(info); err != nil {
				c.logger.Warn("learning queue append failed", slog.Any("error", err))
			}
		}
		c.logger.Debug("no pattern cleared threshold",
			slog.String("source", info.Source),
			slog.String("type", string(info.Type)),
		)
	}

	record.Recommendations = buildRecommendations(matches, byID, c.rules.Preventive(info))
	return record
}

func (c *Correlator) compiled(expr string) *regexp.Regexp {
	if expr == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if re, ok := c.regexes[expr]; ok {
		return re
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		c.logger.Warn("pattern regex does not compile", slog.String("regex", expr), slog.Any("error", err))
	}
	c.regexes[expr] = re
	return re
}

// ScorePattern computes the confidence of p for info together with the
// elements that contributed. re is the compiled matcher regex, or nil.
func ScorePattern(p models.ErrorPattern, info models.ErrorInfo, re *regexp.Regexp) (float64, []string) {
	var score float64
	elements := make([]string, 0, 5)

	switch {
	case re != nil && info.Message != "" && re.MatchString(info.Message):
		score += weightRegex
		elements = append(elements, "regex")
	default:
		if kw, ok := keywordMatch(p.Matcher.Keywords, info.Message); ok {
			score += weightKeyword
			elements = append(elements, "keyword:"+kw)
		}
	}
	if p.Category != "" && p.Category == info.Type {
		score += weightCategory
		elements = append(elements, "category:"+string(p.Category))
	}
	if p.Severity != "" && p.Severity == info.Severity {
		score += weightSeverity
		elements = append(elements, "severity:"+string(p.Severity))
	}
	if contextMatches(p.Context, info.Context) {
		score += weightContext
		elements = append(elements, "context")
	}
	if p.Occurrences > 0 && p.ResolvedCount > 0 {
		ratio := float64(p.ResolvedCount) / float64(p.Occurrences)
		if ratio > 1 {
			ratio = 1
		}
		score += weightHistory * ratio
		elements = append(elements, fmt.Sprintf("history:%.2f", ratio))
	}
	return clamp(score, 0, 1), elements
}

func keywordMatch(keywords []string, message string) (string, bool) {
	if message == "" {
		return "", false
	}
	lower := strings.ToLower(message)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}

// contextMatches is vacuously true when the pattern declares no context.
func contextMatches(want, have map[string]string) bool {
	for k, v := range want {
		got, ok := have[k]
		if !ok {
			return false
		}
		if got != v && !strings.Contains(strings.ToLower(got), strings.ToLower(v)) {
			return false
		}
	}
	return true
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
