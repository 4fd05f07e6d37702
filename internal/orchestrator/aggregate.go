package orchestrator

import "github.com/miradorstack/release-gate/internal/models"

// PhaseScore folds member scores into one phase score. Weighted aggregation
// uses the SubsystemRef weights and falls back to the mean when they sum to 0.
func PhaseScore(phase models.Phase, results []models.SubsystemExecutionResult) float64 {
	if len(results) == 0 {
		return 0
	}

	if phase.Aggregation == models.AggregationWeighted {
		weights := make(map[string]float64, len(phase.Systems))
		for _, ref := range phase.Systems {
			weights[ref.Name] = ref.Weight
		}
		var num, den float64
		for _, r := range results {
			w := weights[r.Subsystem]
			num += r.Score * w
			den += w
		}
		if den > 0 {
			return clamp(num / den)
		}
	}

	var sum float64
	for _, r := range results {
		sum += r.Score
	}
	return clamp(sum / float64(len(results)))
}

// OverallScore is Σ(score·weight)/Σweight over the executed phases. Phases
// cut by an abort never appear in phases. All-zero weights fall back to the
// unweighted mean; no executed phase scores 0.
func OverallScore(phases []models.PhaseResult) float64 {
	if len(phases) == 0 {
		return 0
	}
	var num, den, sum float64
	for _, p := range phases {
		num += p.Score * p.Weight
		den += p.Weight
		sum += p.Score
	}
	if den == 0 {
		return clamp(sum / float64(len(phases)))
	}
	return clamp(num / den)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
