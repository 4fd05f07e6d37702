package reporting

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/release-gate/internal/extractors"
	"github.com/miradorstack/release-gate/internal/models"
	"github.com/miradorstack/release-gate/internal/repo"
	"github.com/miradorstack/release-gate/internal/utils"
)

func historyWithScores(scores ...float64) []models.IntegrationRun {
	out := make([]models.IntegrationRun, len(scores))
	for i, s := range scores {
		out[i] = models.IntegrationRun{ID: "h" + string(rune('a'+i)), OverallScore: s}
	}
	return out
}

func TestComputeTrend(t *testing.T) {
	hist := historyWithScores(0.8, 0.9)

	assert.Equal(t, Improving, ComputeTrend(0.9, hist).Direction)
	assert.Equal(t, Declining, ComputeTrend(0.8, hist).Direction)
	assert.Equal(t, Stable, ComputeTrend(0.865, hist).Direction)
	assert.Equal(t, Stable, ComputeTrend(0.5, nil).Direction)

	tr := ComputeTrend(0.95, hist)
	assert.InDelta(t, 0.85, tr.Baseline, 1e-9)
	assert.InDelta(t, 0.10, tr.Delta, 1e-9)
	assert.Equal(t, 2, tr.Samples)
}

func TestFindBottlenecks(t *testing.T) {
	run := &models.IntegrationRun{PhaseResults: []models.PhaseResult{
		{Name: "build", DurationMs: 400_000},
		{Name: "tests", DurationMs: 9_000},
		{Name: "quality", DurationMs: 1_000},
	}}
	var history []models.IntegrationRun
	for _, d := range []int64{3_000, 3_100, 2_900, 3_050} {
		history = append(history, models.IntegrationRun{PhaseResults: []models.PhaseResult{
			{Name: "build", DurationMs: 390_000},
			{Name: "tests", DurationMs: d},
			{Name: "quality", DurationMs: 1_000},
		}})
	}

	got := FindBottlenecks(run, history, 5*time.Minute, extractors.NewDurationExtractor())
	require.Len(t, got, 2)
	assert.Equal(t, "build", got[0].Phase)
	assert.Equal(t, BottleneckThreshold, got[0].Kind)
	assert.Equal(t, int64(300_000), got[0].LimitMs)
	assert.Equal(t, "tests", got[1].Phase)
	assert.Equal(t, BottleneckRegression, got[1].Kind)
	assert.Greater(t, got[1].ZScore, 2.0)

	assert.Empty(t, FindBottlenecks(run, nil, 0, nil))
}

func TestCausalityNote(t *testing.T) {
	run := &models.IntegrationRun{PhaseResults: []models.PhaseResult{
		{Name: "build", Success: true},
		{Name: "tests", Success: false, Results: []models.SubsystemExecutionResult{
			{Subsystem: "unit", Status: models.StatusSuccess},
			{Subsystem: "integration", Status: models.StatusFailure},
		}},
		{Name: "e2e", Success: false},
	}}
	note := CausalityNote(run)
	assert.Contains(t, note, `phase "tests" failed first`)
	assert.Contains(t, note, "subsystem integration")
	assert.Contains(t, note, "1 later phase(s)")

	assert.Empty(t, CausalityNote(&models.IntegrationRun{PhaseResults: []models.PhaseResult{{Name: "ok", Success: true}}}))
}

func TestMergeRecommendationsOrdersAndDedupes(t *testing.T) {
	run := &models.IntegrationRun{Correlations: []models.CorrelationRecord{
		{Recommendations: []models.Recommendation{
			{Priority: models.SeverityLow, Message: "Add monitoring and tests for this class of failure", Confidence: 0.5},
			{Priority: models.SeverityHigh, Message: "increase timeout", Confidence: 0.9},
		}},
		{Recommendations: []models.Recommendation{
			{Priority: models.SeverityLow, Message: "Add monitoring and tests for this class of failure", Confidence: 0.5},
		}},
	}}
	extra := []models.Recommendation{
		{Priority: models.SeverityCritical, Message: "fix build", Confidence: 0.95},
		{Priority: models.SeverityMedium, Message: "slow phase", Confidence: 0.7},
	}

	got := MergeRecommendations(run, extra)
	require.Len(t, got, 4)
	want := []models.Severity{models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow}
	for i, rec := range got {
		assert.Equal(t, want[i], rec.Priority, "position %d", i)
	}
}

func TestRunRecommendations(t *testing.T) {
	start := time.Now()
	run := &models.IntegrationRun{
		StartTime:     start,
		EndTime:       start.Add(40 * time.Minute),
		OverallStatus: models.RunAborted,
		AbortReason:   `critical phase "build" failed`,
		PhaseResults: []models.PhaseResult{
			{Name: "build", Critical: true, Success: false, Failures: 1, Results: make([]models.SubsystemExecutionResult, 1)},
		},
		Correlations: []models.CorrelationRecord{{Unmatched: true}},
	}

	recs := RunRecommendations(run, []Bottleneck{{Phase: "build", Kind: BottleneckThreshold, DurationMs: 400_000, LimitMs: 300_000}}, Options{
		RunBudget:            30 * time.Minute,
		FailureRateThreshold: 0.2,
	})

	var priorities []models.Severity
	for _, r := range recs {
		assert.Equal(t, models.SourceOrchestrator, r.Source)
		priorities = append(priorities, r.Priority)
	}
	assert.Equal(t, []models.Severity{
		models.SeverityCritical, // critical phase
		models.SeverityHigh,     // failure rate
		models.SeverityMedium,   // bottleneck
		models.SeverityMedium,   // budget
		models.SeverityLow,      // learning queue
	}, priorities)
}

func TestFinalizePersistsAndWritesArtifacts(t *testing.T) {
	ctx := context.Background()
	store, err := repo.NewFileStore(filepath.Join(t.TempDir(), "history"), utils.DiscardLogger())
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, score := range []float64{0.6, 0.7} {
		require.NoError(t, store.Save(ctx, &models.IntegrationRun{
			ID:           "old-" + string(rune('a'+i)),
			StartTime:    base.Add(time.Duration(i) * time.Hour),
			OverallScore: score,
		}))
	}

	out := filepath.Join(t.TempDir(), "reports")
	reporter := NewReporter(utils.DiscardLogger(), store, Options{OutputDir: out, TrendWindow: 5, SuccessThreshold: 0.85})

	run := &models.IntegrationRun{
		ID:            "run-1",
		Plan:          "quick",
		StartTime:     base.Add(5 * time.Hour),
		EndTime:       base.Add(5*time.Hour + time.Minute),
		OverallScore:  0.9,
		OverallStatus: models.RunSuccess,
		PhaseResults:  []models.PhaseResult{{Name: "build", Success: true, Score: 0.9, Weight: 1}},
	}
	report, err := reporter.Finalize(ctx, run)
	require.NoError(t, err)

	assert.Equal(t, Improving, report.Trend.Direction)
	assert.Equal(t, 2, report.Trend.Samples)
	assert.Empty(t, report.Warnings)
	require.Len(t, report.Artifacts, 2)

	saved, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, saved.OverallStatus)

	_, err = os.Stat(filepath.Join(out, "run-run-1.json"))
	require.NoError(t, err)
	summary, err := os.ReadFile(filepath.Join(out, "run-run-1.txt"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(summary), "Status: SUCCESS"))
	assert.Contains(t, string(summary), "run-1")

	again, err := reporter.Finalize(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Trend.Samples, "a run never counts toward its own trend")
}
