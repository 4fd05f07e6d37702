package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeMatched labels analyses that produced at least one match.
	OutcomeMatched = "matched"
	// OutcomeUnmatched labels analyses routed to the learning queue.
	OutcomeUnmatched = "unmatched"
	// OutcomeDuplicate labels analyses suppressed by the dedupe cache.
	OutcomeDuplicate = "duplicate"

	// OutcomeSuccess labels successful recoveries.
	OutcomeSuccess = "success"
	// OutcomeFailure labels failed recoveries.
	OutcomeFailure = "failure"
)

const namespace = "release_gate"

var (
	analysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Total number of error analyses, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	analysisDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_seconds",
			Help:      "Correlation latency in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	recoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Recovery procedure attempts, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	learningEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "learning_queue_entries_total",
			Help:      "Unmatched errors appended to the learning queue.",
		},
	)

	subsystemDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "subsystem_seconds",
			Help:      "Subsystem execution time in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"subsystem", "status"},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Integration runs, partitioned by overall status.",
		},
		[]string{"status"},
	)

	runScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_score",
			Help:      "Overall score of the latest run per plan.",
		},
		[]string{"plan"},
	)
)

// Register attaches release-gate collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		analysesTotal,
		analysisDurationSeconds,
		recoveriesTotal,
		learningEntriesTotal,
		subsystemDurationSeconds,
		runsTotal,
		runScore,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveAnalysis records one correlation call.
func ObserveAnalysis(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeUnmatched, OutcomeDuplicate:
	default:
		outcome = OutcomeMatched
	}
	analysesTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeUnmatched {
		learningEntriesTotal.Inc()
	}
	if duration < 0 {
		duration = 0
	}
	analysisDurationSeconds.Observe(duration.Seconds())
}

// ObserveRecovery records one recovery outcome.
func ObserveRecovery(success bool) {
	label := OutcomeFailure
	if success {
		label = OutcomeSuccess
	}
	recoveriesTotal.WithLabelValues(label).Inc()
}

// ObserveSubsystem records a subsystem execution.
func ObserveSubsystem(name, status string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	subsystemDurationSeconds.WithLabelValues(name, status).Observe(duration.Seconds())
}

// ObserveRun records the verdict of an integration run.
func ObserveRun(plan, status string, score float64) {
	runsTotal.WithLabelValues(status).Inc()
	runScore.WithLabelValues(plan).Set(score)
}
