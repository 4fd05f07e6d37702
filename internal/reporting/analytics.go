package reporting

import (
	"fmt"
	"sort"
	"time"

	"github.com/miradorstack/release-gate/internal/extractors"
	"github.com/miradorstack/release-gate/internal/models"
	"github.com/miradorstack/release-gate/internal/utils"
)

// Direction of the score trend.
type Direction string

const (
	Improving Direction = "improving"
	Declining Direction = "declining"
	Stable    Direction = "stable"
)

// NoiseBand is the score delta below which a change counts as stable.
const NoiseBand = 0.02

// Trend compares a run with the mean of previous runs.
type Trend struct {
	Direction Direction `json:"direction"`
	Baseline  float64   `json:"baseline"`
	Delta     float64   `json:"delta"`
	Samples   int       `json:"samples"`
}

// ComputeTrend is stable when there is no history.
func ComputeTrend(score float64, history []models.IntegrationRun) Trend {
	t := Trend{Direction: Stable, Samples: len(history)}
	if len(history) == 0 {
		return t
	}
	var sum float64
	for _, h := range history {
		sum += h.OverallScore
	}
	t.Baseline = sum / float64(len(history))
	t.Delta = score - t.Baseline
	switch {
	case t.Delta > NoiseBand:
		t.Direction = Improving
	case t.Delta < -NoiseBand:
		t.Direction = Declining
	}
	return t
}

// Bottleneck kinds.
const (
	BottleneckThreshold  = "threshold"
	BottleneckRegression = "regression"
)

// Bottleneck is a phase that was slow in absolute terms or against history.
type Bottleneck struct {
	Phase      string  `json:"phase"`
	Kind       string  `json:"kind"`
	DurationMs int64   `json:"durationMs"`
	LimitMs    int64   `json:"limitMs,omitempty"`
	MeanMs     float64 `json:"meanMs,omitempty"`
	ZScore     float64 `json:"zScore,omitempty"`
}

// FindBottlenecks flags phases slower than threshold, then phases whose
// duration regressed against their history.
func FindBottlenecks(run *models.IntegrationRun, history []models.IntegrationRun, threshold time.Duration, durations *extractors.DurationExtractor) []Bottleneck {
	out := make([]Bottleneck, 0)
	flagged := make(map[string]struct{})
	limit := threshold.Milliseconds()
	current := make(map[string]int64, len(run.PhaseResults))
	for _, p := range run.PhaseResults {
		current[p.Name] = p.DurationMs
		if limit > 0 && p.DurationMs > limit {
			out = append(out, Bottleneck{Phase: p.Name, Kind: BottleneckThreshold, DurationMs: p.DurationMs, LimitMs: limit})
			flagged[p.Name] = struct{}{}
		}
	}

	if durations == nil || len(history) == 0 {
		return out
	}
	past := make(map[string][]int64)
	for _, h := range history {
		for _, p := range h.PhaseResults {
			past[p.Name] = append(past[p.Name], p.DurationMs)
		}
	}
	anomalies := durations.Detect(current, past)
	sort.Slice(anomalies, func(i, j int) bool {
		return anomalies[i].Score > anomalies[j].Score
	})
	for _, a := range anomalies {
		if _, dup := flagged[a.Name]; dup {
			continue
		}
		out = append(out, Bottleneck{Phase: a.Name, Kind: BottleneckRegression, DurationMs: a.DurationMs, MeanMs: a.MeanMs, ZScore: a.Score})
	}
	return out
}

// CausalityNote names the earliest failing phase. Later failures are likely
// downstream of it.
func CausalityNote(run *models.IntegrationRun) string {
	first := -1
	downstream := 0
	for i, p := range run.PhaseResults {
		if p.Success {
			continue
		}
		if first < 0 {
			first = i
			continue
		}
		downstream++
	}
	if first < 0 {
		return ""
	}
	phase := run.PhaseResults[first]
	culprit := ""
	for _, r := range phase.Results {
		if r.Failed() {
			culprit = r.Subsystem
			break
		}
	}
	note := fmt.Sprintf("phase %q failed first", phase.Name)
	if culprit != "" {
		note += fmt.Sprintf(" (subsystem %s)", culprit)
	}
	if downstream > 0 {
		note += fmt.Sprintf("; %d later phase(s) also failed and may be downstream effects", downstream)
	}
	return note
}

// RunRecommendations derives orchestrator-level advice from the run itself.
func RunRecommendations(run *models.IntegrationRun, bottlenecks []Bottleneck, opts Options) []models.Recommendation {
	recs := make([]models.Recommendation, 0)
	add := func(priority models.Severity, confidence float64, msg string, steps ...string) {
		recs = append(recs, models.Recommendation{
			Priority:   priority,
			Source:     models.SourceOrchestrator,
			Confidence: confidence,
			Message:    msg,
			Steps:      steps,
		})
	}

	for _, p := range run.PhaseResults {
		if p.Critical && !p.Success {
			add(models.SeverityCritical, 0.95,
				fmt.Sprintf("Critical phase %q failed; fix it before deploying", p.Name),
				"Inspect the failing subsystem output in the run report",
				"Re-run the plan once the failure is resolved")
		}
	}
	if run.OverallStatus == models.RunAborted && run.AbortReason == "run timeout exceeded" {
		add(models.SeverityHigh, 0.8, "Run hit its timeout before all phases executed",
			"Raise orchestrator.runTimeout or split the plan")
	}

	total, failed := 0, 0
	for _, p := range run.PhaseResults {
		total += len(p.Results)
		failed += p.Failures
	}
	if total > 0 && opts.FailureRateThreshold > 0 {
		rate := float64(failed) / float64(total)
		if rate > opts.FailureRateThreshold {
			add(models.SeverityHigh, 0.8,
				fmt.Sprintf("%d of %d subsystem runs failed (%.0f%%)", failed, total, rate*100),
				"Stabilise failing subsystems before adding new checks")
		}
	}

	for _, b := range bottlenecks {
		switch b.Kind {
		case BottleneckThreshold:
			add(models.SeverityMedium, 0.7,
				fmt.Sprintf("Phase %q took %s, above the %s threshold", b.Phase, utils.FormatMillis(b.DurationMs), utils.FormatMillis(b.LimitMs)),
				"Parallelise or cache the slowest subsystem in this phase")
		case BottleneckRegression:
			add(models.SeverityMedium, 0.6,
				fmt.Sprintf("Phase %q slowed to %s against a %s average", b.Phase, utils.FormatMillis(b.DurationMs), utils.FormatMillis(int64(b.MeanMs))),
				"Compare the latest changes touching this phase")
		}
	}

	if budget := opts.RunBudget.Milliseconds(); budget > 0 {
		if d := run.Duration().Milliseconds(); d > budget {
			add(models.SeverityMedium, 0.7,
				fmt.Sprintf("Run took %s, over the %s budget", utils.FormatMillis(d), utils.FormatMillis(budget)),
				"Move slow checks to the monitor plan")
		}
	}

	unmatched := 0
	for _, c := range run.Correlations {
		if c.Unmatched {
			unmatched++
		}
	}
	if unmatched > 0 {
		add(models.SeverityLow, 0.5,
			fmt.Sprintf("%d failure(s) matched no known pattern; review the learning queue", unmatched),
			"Run `release-gate learning suggest`")
	}
	return recs
}

// MergeRecommendations flattens correlation and run-level advice into one
// list ordered critical > high > medium > low. Duplicate messages keep the
// highest priority entry.
func MergeRecommendations(run *models.IntegrationRun, extra []models.Recommendation) []models.Recommendation {
	all := make([]models.Recommendation, 0, len(extra))
	for _, c := range run.Correlations {
		all = append(all, c.Recommendations...)
	}
	all = append(all, extra...)

	sort.SliceStable(all, func(i, j int) bool {
		ri, rj := all[i].Priority.Rank(), all[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return all[i].Confidence > all[j].Confidence
	})

	seen := make(map[string]struct{}, len(all))
	out := make([]models.Recommendation, 0, len(all))
	for _, rec := range all {
		if _, dup := seen[rec.Message]; dup {
			continue
		}
		seen[rec.Message] = struct{}{}
		out = append(out, rec)
	}
	return out
}
