package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/release-gate/internal/cache"
	"github.com/miradorstack/release-gate/internal/metrics"
	"github.com/miradorstack/release-gate/internal/models"
	"github.com/miradorstack/release-gate/internal/telemetry"
	"github.com/miradorstack/release-gate/internal/utils"
)

// ErrEmptyError is returned when the ingested error carries no message.
var ErrEmptyError = errors.New("error payload has no message")

// Recovery skip reasons.
const (
	SkipDisabled     = "recovery disabled"
	SkipNoCandidates = "no auto-recoverable match"
	SkipDuplicate    = "duplicate within dedupe window"
)

const dedupeKeyPrefix = "release-gate:dedupe:"

// Analyzer correlates one error against the pattern store.
type Analyzer interface {
	Analyze(ctx context.Context, source string, raw models.RawError) models.CorrelationRecord
}

// Recoverer attempts automated remediation for correlation matches.
type Recoverer interface {
	AttemptRecovery(ctx context.Context, matches []models.CorrelationMatch, info models.ErrorInfo) ([]models.RecoveryOutcome, models.RunMetrics)
}

// AnalysisReport condenses a correlation record for callers.
type AnalysisReport struct {
	Summary         string                  `json:"summary"`
	TopPattern      string                  `json:"topPattern,omitempty"`
	Confidence      float64                 `json:"confidence"`
	ErrorType       models.ErrorType        `json:"errorType"`
	Severity        models.Severity         `json:"severity"`
	Unmatched       bool                    `json:"unmatched"`
	Recommendations []models.Recommendation `json:"recommendations"`
}

// RecoveryReport describes what recovery did for one analysis.
type RecoveryReport struct {
	Outcomes []models.RecoveryOutcome `json:"outcomes"`
	Metrics  models.RunMetrics        `json:"metrics"`
	Skipped  string                   `json:"skipped,omitempty"`
}

// AnalyzeResponse is the result of one ingestion.
type AnalyzeResponse struct {
	Success      bool                       `json:"success"`
	Correlations []models.CorrelationRecord `json:"correlations"`
	Report       AnalysisReport             `json:"report"`
	Recovery     RecoveryReport             `json:"recovery"`
	Timestamp    time.Time                  `json:"timestamp"`
}

// IngestService is the analyze boundary shared by the CLI, the gRPC server
// and the orchestrator.
type IngestService struct {
	logger     *slog.Logger
	correlator Analyzer
	recovery   Recoverer
	cache      cache.Provider
	dedupeTTL  time.Duration
	tracer     trace.Tracer
	latencies  *utils.LatencyTracker
}

// NewIngestService constructs the service. recovery may be nil to disable
// remediation; cacheProvider may be nil to disable dedupe.
func NewIngestService(logger *slog.Logger, correlator Analyzer, recovery Recoverer, cacheProvider cache.Provider, dedupeTTL time.Duration) *IngestService {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	return &IngestService{
		logger:     logger,
		correlator: correlator,
		recovery:   recovery,
		cache:      cacheProvider,
		dedupeTTL:  dedupeTTL,
		tracer:     telemetry.Tracer(),
		latencies:  utils.NewLatencyTracker(1024),
	}
}

// Analyze correlates raw, attempts recovery for auto-recoverable matches and
// reports the outcome. Failures inside correlation or recovery are data on the
// response; only an empty payload is rejected.
func (s *IngestService) Analyze(ctx context.Context, source string, raw models.RawError) (*AnalyzeResponse, error) {
	if isEmpty(raw) {
		return nil, ErrEmptyError
	}
	if s.correlator == nil {
		return nil, errors.New("correlator not configured")
	}

	ctx, span := s.tracer.Start(ctx, "analyze", trace.WithAttributes(attribute.String("error.source", source)))
	defer span.End()

	start := time.Now()
	record := s.correlator.Analyze(ctx, source, raw)
	duration := time.Since(start)

	resp := &AnalyzeResponse{
		Success:      true,
		Correlations: []models.CorrelationRecord{record},
		Report:       buildReport(record),
		Recovery:     RecoveryReport{Outcomes: []models.RecoveryOutcome{}},
		Timestamp:    record.AnalyzedAt,
	}
	resp.Recovery.Metrics.Analyses = 1
	if record.Unmatched {
		resp.Recovery.Metrics.Unmatched = 1
	}

	outcome := metrics.OutcomeMatched
	if record.Unmatched {
		outcome = metrics.OutcomeUnmatched
	}

	switch {
	case s.recovery == nil:
		resp.Recovery.Skipped = SkipDisabled
	case len(record.RecoveryOptions) == 0:
		resp.Recovery.Skipped = SkipNoCandidates
	case s.duplicate(ctx, record.ErrorInfo):
		resp.Recovery.Skipped = SkipDuplicate
		outcome = metrics.OutcomeDuplicate
	default:
		outcomes, m := s.recovery.AttemptRecovery(ctx, record.Matches, record.ErrorInfo)
		resp.Recovery.Outcomes = outcomes
		resp.Recovery.Metrics.Merge(m)
		for _, o := range outcomes {
			metrics.ObserveRecovery(o.Success)
		}
	}

	s.latencies.Observe(duration)
	metrics.ObserveAnalysis(duration, outcome)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("analysis latency",
			slog.Duration("p95", s.latencies.Percentile(95)),
			slog.Duration("mean", s.latencies.Mean()),
			slog.Int("samples", count),
		)
	}

	span.SetAttributes(
		attribute.Bool("error.unmatched", record.Unmatched),
		attribute.Int("recovery.attempts", resp.Recovery.Metrics.RecoveryAttempts),
	)
	s.logger.Info("error analysed",
		slog.String("source", source),
		slog.String("record_id", record.ID),
		slog.String("type", string(record.ErrorInfo.Type)),
		slog.Int("matches", len(record.Matches)),
		slog.Int("recoveries", len(resp.Recovery.Outcomes)),
		slog.String("skipped", resp.Recovery.Skipped),
	)
	return resp, nil
}

// AnalyzeFailure adapts Analyze to the orchestrator's failure sink.
func (s *IngestService) AnalyzeFailure(ctx context.Context, source string, raw models.RawError) (models.FailureAnalysis, error) {
	resp, err := s.Analyze(ctx, source, raw)
	if err != nil {
		return models.FailureAnalysis{}, err
	}
	return models.FailureAnalysis{
		Correlation: resp.Correlations[0],
		Recoveries:  resp.Recovery.Outcomes,
		Metrics:     resp.Recovery.Metrics,
		Duplicate:   resp.Recovery.Skipped == SkipDuplicate,
	}, nil
}

// LatencyP95 returns the current p95 correlation latency.
func (s *IngestService) LatencyP95() time.Duration {
	return s.latencies.Percentile(95)
}

// duplicate claims the fingerprint of info. Cache errors fail open.
func (s *IngestService) duplicate(ctx context.Context, info models.ErrorInfo) bool {
	if s.dedupeTTL <= 0 {
		return false
	}
	key := dedupeKeyPrefix + Fingerprint(info)
	fresh, err := s.cache.SetNX(ctx, key, []byte(time.Now().UTC().Format(time.RFC3339)), s.dedupeTTL)
	if err != nil {
		s.logger.Warn("dedupe cache unavailable", slog.Any("error", err))
		return false
	}
	return !fresh
}

// Fingerprint identifies an error by source, type and message.
func Fingerprint(info models.ErrorInfo) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%s", info.Source, info.Type, info.Message)))
	return hex.EncodeToString(sum[:16])
}

func isEmpty(raw models.RawError) bool {
	if text, ok := raw.Text(); ok {
		return text == ""
	}
	info, _ := raw.Info()
	return info.Message == ""
}

func buildReport(record models.CorrelationRecord) AnalysisReport {
	report := AnalysisReport{
		ErrorType:       record.ErrorInfo.Type,
		Severity:        record.ErrorInfo.Severity,
		Unmatched:       record.Unmatched,
		Recommendations: record.Recommendations,
	}
	top, ok := record.TopMatch()
	if !ok {
		report.Summary = fmt.Sprintf("no known pattern matched this %s error; queued for review", record.ErrorInfo.Type)
		return report
	}
	report.TopPattern = top.PatternID
	report.Confidence = top.Confidence
	report.Summary = fmt.Sprintf("matched %s with confidence %.2f", top.PatternID, top.Confidence)
	if extra := len(record.Matches) - 1; extra > 0 {
		report.Summary += fmt.Sprintf(" (+%d more)", extra)
	}
	return report
}
