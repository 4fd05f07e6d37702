package extractors

import "math"

// DurationAnomaly flags a duration that significantly exceeds its history.
type DurationAnomaly struct {
	Name       string
	DurationMs int64
	Score      float64
	MeanMs     float64
}

// DurationExtractor detects slow phases using a z-score against prior runs.
type DurationExtractor struct {
	threshold  float64
	minHistory int
}

// NewDurationExtractor constructs a DurationExtractor with default threshold (2.0).
func NewDurationExtractor() *DurationExtractor {
	return &DurationExtractor{threshold: 2.0, minHistory: 3}
}

// Detect compares current durations with per-name history and returns the regressions.
func (e *DurationExtractor) Detect(current map[string]int64, history map[string][]int64) []DurationAnomaly {
	anomalies := make([]DurationAnomaly, 0)
	for name, dur := range current {
		past := history[name]
		if len(past) < e.minHistory {
			continue
		}
		values := make([]float64, len(past))
		for i, v := range past {
			values[i] = float64(v)
		}
		m := mean(values)
		std := stdDev(values, m)
		if std == 0 {
			std = math.Max(m*0.05, 1)
		}
		score := (float64(dur) - m) / std
		if score >= e.threshold {
			anomalies = append(anomalies, DurationAnomaly{Name: name, DurationMs: dur, Score: score, MeanMs: m})
		}
	}
	return anomalies
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

func stdDev(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		diff := v - mean
		sum += diff * diff
	}
	variance := sum / float64(len(values))
	return math.Sqrt(variance)
}
