package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/miradorstack/release-gate/internal/models"
	"github.com/miradorstack/release-gate/internal/utils"
)

func TestRuleEnginePreventive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(`rules:
  - id: build-duration-budget
    match:
      type: build
      message_contains: ["exceeded", "timed out"]
    recommendation: "Track build duration against a budget in CI"
    priority: medium
    confidence: 0.8
  - id: catch-all-network
    match:
      type: network
    recommendation: "Add retries around external calls"
`), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	engine, err := NewRuleEngine(path, utils.DiscardLogger())
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}
	if engine.Len() != 2 {
		t.Fatalf("expected 2 rules, got %d", engine.Len())
	}

	rec := engine.Preventive(models.ErrorInfo{Message: "Build exceeded maximum allowed runtime", Type: models.ErrorTypeBuild})
	if rec.Strategy != "build-duration-budget" || rec.Priority != models.SeverityMedium || rec.Confidence != 0.8 {
		t.Fatalf("unexpected preventive recommendation: %+v", rec)
	}

	rec = engine.Preventive(models.ErrorInfo{Message: "ECONNREFUSED", Type: models.ErrorTypeNetwork})
	if rec.Strategy != "catch-all-network" || rec.Confidence != 0.5 {
		t.Fatalf("expected network rule with default confidence, got %+v", rec)
	}

	rec = engine.Preventive(models.ErrorInfo{Message: "odd", Type: models.ErrorTypeUnknown})
	if rec.Message != genericPreventive {
		t.Fatalf("expected generic fallback, got %q", rec.Message)
	}
}

func TestRuleEngineNoFile(t *testing.T) {
	engine, err := NewRuleEngine("non-existent", nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if engine != nil {
		t.Fatalf("expected nil engine when file missing")
	}
	rec := engine.Preventive(models.ErrorInfo{Type: models.ErrorTypeTest})
	if rec.Source != models.SourcePreventive || rec.Message != genericPreventive {
		t.Fatalf("nil engine must return the generic recommendation, got %+v", rec)
	}
}

func TestRuleEngineRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("rules: [::"), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	if _, err := NewRuleEngine(path, nil); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestBuildRecommendationsScalesSecondaryMatches(t *testing.T) {
	patterns := map[string]models.ErrorPattern{
		"a": {ID: "a", Severity: models.SeverityHigh, Solutions: []models.Solution{{Strategy: "fix-a", Confidence: 0.8}}},
		"b": {ID: "b", Severity: models.SeverityMedium, Solutions: []models.Solution{{Strategy: "fix-b", Confidence: 0.5}}},
		"c": {ID: "c", Severity: models.SeverityLow, Solutions: []models.Solution{{Strategy: "fix-c", Confidence: 1}}},
		"d": {ID: "d", Severity: models.SeverityLow, Solutions: []models.Solution{{Strategy: "fix-d", Confidence: 1}}},
	}
	matches := []models.CorrelationMatch{
		{PatternID: "a", Confidence: 0.9},
		{PatternID: "b", Confidence: 0.8},
		{PatternID: "c", Confidence: 0.75},
		{PatternID: "d", Confidence: 0.72},
	}

	recs := buildRecommendations(matches, patterns, (*RuleEngine)(nil).Preventive(models.ErrorInfo{}))
	if len(recs) != 4 {
		t.Fatalf("expected 3 pattern recommendations plus preventive, got %d", len(recs))
	}
	if recs[0].Confidence != 0.8 {
		t.Fatalf("primary must keep full solution confidence, got %v", recs[0].Confidence)
	}
	if diff := recs[1].Confidence - 0.4; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("secondary must be scaled by match confidence, got %v", recs[1].Confidence)
	}
	if recs[2].Confidence != 0.75 {
		t.Fatalf("expected third match scaled to 0.75, got %v", recs[2].Confidence)
	}
	if recs[3].Source != models.SourcePreventive {
		t.Fatalf("expected preventive recommendation last")
	}
}

func TestShippedRulePackLoads(t *testing.T) {
	engine, err := NewRuleEngine(filepath.Join("..", "..", "configs", "rules", "preventive.yaml"), utils.DiscardLogger())
	if err != nil {
		t.Fatalf("load shipped rules: %v", err)
	}
	if engine.Len() == 0 {
		t.Fatalf("expected shipped rules")
	}

	rec := engine.Preventive(models.ErrorInfo{Message: "Error: Cannot find module 'react'", Type: models.ErrorTypeBuild})
	if rec.Strategy != "lockfile-hygiene" {
		t.Fatalf("expected lockfile-hygiene, got %q", rec.Strategy)
	}
	rec = engine.Preventive(models.ErrorInfo{Message: "Deployment failed", Type: models.ErrorTypeDeploy, Severity: models.SeverityHigh})
	if rec.Strategy != "deploy-health" || rec.Priority != models.SeverityHigh {
		t.Fatalf("unexpected deploy recommendation: %+v", rec)
	}
}
