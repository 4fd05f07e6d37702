package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/release-gate/internal/models"
)

const genericPreventive = "Add monitoring and tests for this class of failure"

// RuleEngine selects the preventive recommendation attached to every analysis.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule represents a single preventive recommendation rule.
type Rule struct {
	ID             string    `yaml:"id"`
	Match          RuleMatch `yaml:"match"`
	Recommendation string    `yaml:"recommendation"`
	Steps          []string  `yaml:"steps"`
	Priority       string    `yaml:"priority"`
	Confidence     float64   `yaml:"confidence"`
}

// RuleMatch defines optional attributes for rule matching.
type RuleMatch struct {
	Type            string   `yaml:"type"`
	Severity        string   `yaml:"severity"`
	Source          string   `yaml:"source"`
	MessageContains []string `yaml:"message_contains"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// NewRuleEngine loads rules from the provided path. If path is empty or the file
// is absent, returns a nil engine which falls back to the generic recommendation.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleEngine{rules: cfg.Rules, logger: logger}, nil
}

// Len returns the number of loaded rules.
func (e *RuleEngine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

// Preventive returns the first rule matching info, or the generic recommendation.
func (e *RuleEngine) Preventive(info models.ErrorInfo) models.Recommendation {
	generic := models.Recommendation{
		Priority:   models.SeverityLow,
		Source:     models.SourcePreventive,
		Confidence: 0.5,
		Message:    genericPreventive,
		Steps: []string{
			fmt.Sprintf("Add a regression test that reproduces this %s failure", info.Type),
			"Alert on recurrence in CI dashboards",
		},
	}
	if e == nil {
		return generic
	}

	for _, rule := range e.rules {
		if rule.Recommendation == "" {
			continue
		}
		if rule.Match.Type != "" && !strings.EqualFold(rule.Match.Type, string(info.Type)) {
			continue
		}
		if rule.Match.Severity != "" && !strings.EqualFold(rule.Match.Severity, string(info.Severity)) {
			continue
		}
		if rule.Match.Source != "" && !strings.EqualFold(rule.Match.Source, info.Source) {
			continue
		}
		if len(rule.Match.MessageContains) > 0 && !messageContains(rule.Match.MessageContains, info.Message) {
			continue
		}
		rec := models.Recommendation{
			Priority:   models.SeverityLow,
			Source:     models.SourcePreventive,
			Strategy:   rule.ID,
			Confidence: rule.Confidence,
			Message:    rule.Recommendation,
			Steps:      append([]string(nil), rule.Steps...),
		}
		if p := models.Severity(strings.ToLower(rule.Priority)); p.Rank() < 4 {
			rec.Priority = p
		}
		if rec.Confidence <= 0 || rec.Confidence > 1 {
			rec.Confidence = 0.5
		}
		e.logger.Debug("preventive rule matched", slog.String("rule", rule.ID))
		return rec
	}
	return generic
}

func messageContains(keywords []string, message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// buildRecommendations turns ranked matches into pattern recommendations
// followed by exactly one preventive recommendation.
func buildRecommendations(matches []models.CorrelationMatch, patterns map[string]models.ErrorPattern, preventive models.Recommendation) []models.Recommendation {
	recs := make([]models.Recommendation, 0)
	for i, m := range matches {
		if i > 2 {
			break
		}
		p, ok := patterns[m.PatternID]
		if !ok {
			continue
		}
		for _, sol := range p.Solutions {
			confidence := sol.Confidence
			if i > 0 {
				confidence = sol.Confidence * m.Confidence
			}
			recs = append(recs, models.Recommendation{
				Priority:   p.Severity,
				Source:     models.SourcePattern,
				PatternID:  p.ID,
				Strategy:   sol.Strategy,
				Confidence: clamp(confidence, 0, 1),
				Message:    describe(p, sol),
				Steps:      append([]string(nil), sol.Steps...),
			})
		}
	}
	return append(recs, preventive)
}

func describe(p models.ErrorPattern, sol models.Solution) string {
	if p.Description == "" {
		return sol.Strategy
	}
	return fmt.Sprintf("%s: %s", p.Description, sol.Strategy)
}
