package recovery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/miradorstack/release-gate/internal/models"
	"github.com/miradorstack/release-gate/internal/retry"
	"github.com/miradorstack/release-gate/internal/utils"
)

// Outcome reasons.
const (
	ReasonMissingProcedure = "missing procedure"
	ReasonTimeout          = "timeout"
	ReasonFailed           = "procedure failed"
	ReasonCancelled        = "cancelled"
)

const (
	defaultMaxAttempts = 5
	maxOutputBytes     = 4 << 10
)

var errAttemptFailed = errors.New("recovery attempt failed")

// ResolutionRecorder receives successful recoveries.
type ResolutionRecorder interface {
	RecordResolution(id string) error
}

// Options tune the recovery executor.
type Options struct {
	MaxAttempts   int
	Threshold     float64
	RatePerSecond float64
	Burst         int
	Retry         retry.Policy
}

// Executor attempts bounded automated remediation for auto-recoverable matches.
type Executor struct {
	logger      *slog.Logger
	registry    *Registry
	recorder    ResolutionRecorder
	limiter     *rate.Limiter
	policy      retry.Policy
	maxAttempts int
	threshold   float64
}

// NewExecutor wires an Executor. recorder may be nil.
func NewExecutor(logger *slog.Logger, registry *Registry, recorder ResolutionRecorder, opts Options) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Executor{
		logger:      logger,
		registry:    registry,
		recorder:    recorder,
		limiter:     rate.NewLimiter(limit, opts.Burst),
		policy:      opts.Retry,
		maxAttempts: opts.MaxAttempts,
		threshold:   opts.Threshold,
	}
}

// AttemptRecovery invokes the procedure of every eligible match in confidence
// order. It never short-circuits on failure. The returned metrics are scoped
// to this call; callers merge them into their run.
func (e *Executor) AttemptRecovery(ctx context.Context, matches []models.CorrelationMatch, info models.ErrorInfo) ([]models.RecoveryOutcome, models.RunMetrics) {
	outcomes := make([]models.RecoveryOutcome, 0)
	var metrics models.RunMetrics

	for _, m := range matches {
		if len(outcomes) >= e.maxAttempts {
			e.logger.Debug("recovery attempt budget exhausted", slog.Int("max_attempts", e.maxAttempts))
			break
		}
		if !m.AutoRecoverable || m.Confidence < e.threshold {
			continue
		}

		outcome := e.attempt(ctx, m, info)
		metrics.RecoveryAttempts++
		if outcome.Success {
			metrics.Recovered++
			if e.recorder != nil {
				if err := e.recorder.RecordResolution(m.PatternID); err != nil {
					e.logger.Warn("record resolution failed", slog.String("pattern", m.PatternID), slog.Any("error", err))
				}
			}
		}
		e.logger.Info("recovery attempted",
			slog.String("pattern", m.PatternID),
			slog.String("procedure", m.RecoveryProcedureRef),
			slog.Bool("success", outcome.Success),
			slog.String("reason", outcome.Reason),
			slog.Int64("duration_ms", outcome.DurationMs),
		)
		outcomes = append(outcomes, outcome)
	}
	return outcomes, metrics
}

func (e *Executor) attempt(ctx context.Context, m models.CorrelationMatch, info models.ErrorInfo) models.RecoveryOutcome {
	outcome := models.RecoveryOutcome{PatternID: m.PatternID, ProcedureRef: m.RecoveryProcedureRef}

	proc, err := e.registry.Resolve(m.RecoveryProcedureRef)
	if err != nil {
		e.logger.Warn("recovery procedure not registered", slog.String("pattern", m.PatternID), slog.Any("error", err))
		outcome.Reason = ReasonMissingProcedure
		return outcome
	}

	start := time.Now()
	var last ProcedureResult
	attempts, err := e.policy.Run(ctx, func(ctx context.Context, attempt int) error {
		if err := e.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		last = proc.Invoke(ctx, RecoveryContext{PatternID: m.PatternID, Match: m, ErrorInfo: info})
		if last.Success {
			return nil
		}
		return errAttemptFailed
	}, func(attempt int, err error, next time.Duration) {
		e.logger.Debug("retrying recovery procedure",
			slog.String("procedure", m.RecoveryProcedureRef),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", next),
		)
	})

	outcome.Attempts = attempts
	outcome.DurationMs = utils.Millis(time.Since(start))
	outcome.Output = tail(last.Output, maxOutputBytes)
	switch {
	case err == nil:
		outcome.Success = true
	case ctx.Err() != nil && !last.TimedOut:
		outcome.Reason = ReasonCancelled
	case last.TimedOut:
		outcome.Reason = ReasonTimeout
	default:
		outcome.Reason = ReasonFailed
		if last.Error != "" {
			outcome.Reason = ReasonFailed + ": " + last.Error
		}
	}
	return outcome
}

func tail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}
