package engine

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/miradorstack/release-gate/internal/learning"
	"github.com/miradorstack/release-gate/internal/models"
	"github.com/miradorstack/release-gate/internal/patterns"
	"github.com/miradorstack/release-gate/internal/utils"
)

func newTestCorrelator(t *testing.T) (*Correlator, *patterns.Store, *learning.Queue) {
	t.Helper()
	store := patterns.NewStore(utils.DiscardLogger(), patterns.Paths{})
	store.Load()
	queue := learning.NewQueue(utils.DiscardLogger(), "")
	clock := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	c := NewCorrelator(utils.DiscardLogger(), store, queue, nil, Options{
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})
	return c, store, queue
}

func TestClassify(t *testing.T) {
	cases := []struct {
		message  string
		errType  models.ErrorType
		severity models.Severity
	}{
		{"Build exceeded maximum allowed runtime", models.ErrorTypeBuild, models.SeverityLow},
		{"connect ECONNREFUSED 127.0.0.1:5432", models.ErrorTypeNetwork, models.SeverityLow},
		{"AssertionError: expected 200 to equal 404", models.ErrorTypeTest, models.SeverityLow},
		{"Deployment failed: health check timed out", models.ErrorTypeDeploy, models.SeverityHigh},
		{"FATAL ERROR: Reached heap limit", models.ErrorTypePerformance, models.SeverityHigh},
		{"Document does not have a meta description", models.ErrorTypeSEO, models.SeverityLow},
		{"warning: something odd", models.ErrorTypeUnknown, models.SeverityMedium},
		{"unrecognized xyz123 failure", models.ErrorTypeUnknown, models.SeverityLow},
	}
	for _, tc := range cases {
		if got := ClassifyType(tc.message); got != tc.errType {
			t.Errorf("ClassifyType(%q) = %s, want %s", tc.message, got, tc.errType)
		}
		if got := ClassifySeverity(tc.message); got != tc.severity {
			t.Errorf("ClassifySeverity(%q) = %s, want %s", tc.message, got, tc.severity)
		}
	}
}

func TestNormalizeDegradesMalformedInput(t *testing.T) {
	info := Normalize("e2e", models.Raw("   "))
	if info.Type != models.ErrorTypeUnknown || info.Severity != models.SeverityMedium {
		t.Fatalf("expected unknown/medium, got %s/%s", info.Type, info.Severity)
	}
	if info.Source != "e2e" || info.Context["source"] != "e2e" {
		t.Fatalf("expected source propagated, got %+v", info)
	}

	structured := Normalize("ignored", models.Structured(models.ErrorInfo{
		Message:  "flaky thing",
		Type:     models.ErrorTypeTest,
		Severity: models.SeverityCritical,
		Source:   "unit",
	}))
	if structured.Type != models.ErrorTypeTest || structured.Severity != models.SeverityCritical || structured.Source != "unit" {
		t.Fatalf("structured fields must be kept, got %+v", structured)
	}
}

func TestScorePatternExactRegexMatch(t *testing.T) {
	p := models.ErrorPattern{
		ID:       "p",
		Matcher:  models.Matcher{Regex: `^deploy exploded$`},
		Category: models.ErrorTypeDeploy,
		Severity: models.SeverityHigh,
		Context:  map[string]string{"env": "prod"},
	}
	info := models.ErrorInfo{Message: "deploy exploded", Type: models.ErrorTypeDeploy, Severity: models.SeverityHigh}

	c, _, _ := newTestCorrelator(t)
	score, elements := ScorePattern(p, info, c.compiled(p.Matcher.Regex))
	if score < 0.75-1e-9 {
		t.Fatalf("expected at least 0.75 without context, got %v (%v)", score, elements)
	}

	info.Context = map[string]string{"env": "production"}
	score, _ = ScorePattern(p, info, c.compiled(p.Matcher.Regex))
	if score < 0.9-1e-9 || score > 1 {
		t.Fatalf("expected context to add 0.15, got %v", score)
	}

	p.Occurrences, p.ResolvedCount = 4, 8
	score, _ = ScorePattern(p, info, c.compiled(p.Matcher.Regex))
	if score != 1 {
		t.Fatalf("expected score capped at 1, got %v", score)
	}
}

func TestScorePatternKeywordMatch(t *testing.T) {
	p := models.ErrorPattern{Matcher: models.Matcher{Keywords: []string{"Flaky Widget"}}, Category: models.ErrorTypeTest, Severity: models.SeverityLow}
	score, elements := ScorePattern(p, models.ErrorInfo{Message: "the flaky widget broke", Type: models.ErrorTypeTest, Severity: models.SeverityLow}, nil)
	want := weightKeyword + weightCategory + weightSeverity + weightContext
	if diff := score - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected %v, got %v (%v)", want, score, elements)
	}
}

func TestAnalyzeScenarioBuildTimeout(t *testing.T) {
	c, store, queue := newTestCorrelator(t)

	record := c.Analyze(context.Background(), "build", models.Raw("Build exceeded maximum allowed runtime"))
	if record.Unmatched {
		t.Fatalf("expected a match")
	}
	top, ok := record.TopMatch()
	if !ok || top.PatternID != "build-timeout" {
		t.Fatalf("expected build-timeout top match, got %+v", record.Matches)
	}
	if top.Confidence < 0.7 {
		t.Fatalf("expected confidence >= 0.7, got %v", top.Confidence)
	}
	if len(record.RecoveryOptions) == 0 || record.RecoveryOptions[0].RecoveryProcedureRef != "build-timeout" {
		t.Fatalf("expected build-timeout recovery option, got %+v", record.RecoveryOptions)
	}
	if queue.Len() != 0 {
		t.Fatalf("matched errors must not be queued")
	}
	p, _ := store.Get("build-timeout")
	if p.Occurrences != 1 || p.LastSeen == nil {
		t.Fatalf("expected occurrence recorded, got %+v", p)
	}

	last := record.Recommendations[len(record.Recommendations)-1]
	if last.Source != models.SourcePreventive {
		t.Fatalf("expected trailing preventive recommendation")
	}
	preventive := 0
	for _, rec := range record.Recommendations {
		if rec.Source == models.SourcePreventive {
			preventive++
		}
	}
	if preventive != 1 {
		t.Fatalf("expected exactly one preventive recommendation, got %d", preventive)
	}
}

func TestAnalyzeCancelledContextStillMatches(t *testing.T) {
	c, store, queue := newTestCorrelator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	record := c.Analyze(ctx, "build", models.Raw("Build exceeded maximum allowed runtime"))
	if record.Unmatched {
		t.Fatalf("cancelled context must not mark a matchable error unmatched")
	}
	if top, ok := record.TopMatch(); !ok || top.PatternID != "build-timeout" {
		t.Fatalf("expected build-timeout top match, got %+v", record.Matches)
	}
	if queue.Len() != 0 {
		t.Fatalf("expected empty learning queue, got %d entries", queue.Len())
	}
	if p, _ := store.Get("build-timeout"); p.Occurrences != 1 {
		t.Fatalf("expected one recorded occurrence, got %d", p.Occurrences)
	}
}

func TestAnalyzeScenarioUnmatchedGoesToLearningQueue(t *testing.T) {
	c, _, queue := newTestCorrelator(t)

	record := c.Analyze(context.Background(), "build", models.Raw("unrecognized xyz123 failure"))
	if !record.Unmatched || len(record.Matches) != 0 {
		t.Fatalf("expected unmatched record, got %+v", record.Matches)
	}
	entries := queue.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one learning entry, got %d", len(entries))
	}
	if !entries[0].NeedsReview {
		t.Fatalf("learning entries must need review")
	}
	if len(record.Recommendations) != 1 || record.Recommendations[0].Source != models.SourcePreventive {
		t.Fatalf("expected only the preventive recommendation, got %+v", record.Recommendations)
	}
}

func TestAnalyzePropertiesAcrossBuiltins(t *testing.T) {
	c, store, _ := newTestCorrelator(t)
	messages := []string{
		"Build exceeded maximum allowed runtime",
		"Module not found: Can't resolve 'react-dom'",
		"error TS2322: Type 'string' is not assignable to type 'number'",
		"FATAL ERROR: Reached heap limit Allocation failed - JavaScript heap out of memory",
		"connect ECONNREFUSED 127.0.0.1:5432",
		"Error: listen EADDRINUSE: address already in use :::3000",
		"locator.click: Timeout 30000ms exceeded",
		"AssertionError: expected 200 to equal 404",
		"Deployment failed: health check timed out",
		"Largest Contentful Paint exceeded budget: 4.2s",
		"Document does not have a meta description",
		"Elements must have sufficient color contrast",
	}

	var lastOccurrences = map[string]int{}
	for _, msg := range messages {
		record := c.Analyze(context.Background(), "ci", models.Raw(msg))
		if record.Unmatched {
			t.Errorf("expected %q to match a builtin pattern", msg)
			continue
		}
		for i, m := range record.Matches {
			if m.Confidence < 0 || m.Confidence > 1 {
				t.Fatalf("confidence out of range: %v", m.Confidence)
			}
			if m.Confidence < c.Threshold() {
				t.Fatalf("match below threshold retained: %+v", m)
			}
			if i > 0 && record.Matches[i-1].Confidence < m.Confidence {
				t.Fatalf("matches not sorted: %+v", record.Matches)
			}
		}
		for _, p := range store.All() {
			if p.Occurrences < lastOccurrences[p.ID] {
				t.Fatalf("occurrences decreased for %s", p.ID)
			}
			lastOccurrences[p.ID] = p.Occurrences
		}
	}
}

func TestAnalyzeIsIdempotentForUnchangedStore(t *testing.T) {
	c, store, _ := newTestCorrelator(t)
	msg := models.Raw("connect ECONNREFUSED 127.0.0.1:5432")

	first := c.Analyze(context.Background(), "integration", msg)
	before, _ := store.Get("network-connection-refused")
	second := c.Analyze(context.Background(), "integration", msg)
	after, _ := store.Get("network-connection-refused")

	if !reflect.DeepEqual(first.Matches, second.Matches) {
		t.Fatalf("expected identical ranked matches:\n%+v\n%+v", first.Matches, second.Matches)
	}
	if after.Occurrences <= before.Occurrences {
		t.Fatalf("occurrences must increase across calls")
	}
	if !after.LastSeen.After(*before.LastSeen) {
		t.Fatalf("lastSeen must advance")
	}
}
