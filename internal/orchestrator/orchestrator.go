package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/release-gate/internal/config"
	"github.com/miradorstack/release-gate/internal/executor"
	"github.com/miradorstack/release-gate/internal/extractors"
	"github.com/miradorstack/release-gate/internal/metrics"
	"github.com/miradorstack/release-gate/internal/models"
	"github.com/miradorstack/release-gate/internal/retry"
	"github.com/miradorstack/release-gate/internal/tasks"
	"github.com/miradorstack/release-gate/internal/telemetry"
	"github.com/miradorstack/release-gate/internal/utils"
)

// ErrOrchestratorInit marks failures detected before any phase runs.
var ErrOrchestratorInit = errors.New("orchestrator initialisation failed")

const (
	defaultSuccessThreshold = 0.85
	defaultTimeout          = 10 * time.Minute
	defaultOutputTail       = 4096
	minWarningScore         = 3
)

var errSubsystemFailed = errors.New("subsystem failed")

// FailureSink receives every failed subsystem result for correlation.
type FailureSink interface {
	AnalyzeFailure(ctx context.Context, source string, raw models.RawError) (models.FailureAnalysis, error)
}

// Options tune plan execution.
type Options struct {
	SuccessThreshold float64
	RunTimeout       time.Duration
	DefaultTimeout   time.Duration
	AnalysisWorkers  int
	AnalysisQueue    int
	AnalyzeWarnings  bool
	OutputTail       int
	Retry            retry.Policy
	Now              func() time.Time
	// LookPath resolves a command on PATH; defaults to executor.Available.
	LookPath func(command []string) (string, error)
}

// OptionsFromConfig maps the orchestrator section of the config.
func OptionsFromConfig(cfg config.OrchestratorConfig) Options {
	return Options{
		SuccessThreshold: cfg.SuccessThreshold,
		RunTimeout:       cfg.RunTimeout,
		DefaultTimeout:   cfg.DefaultTimeout,
		AnalysisWorkers:  cfg.AnalysisWorkers,
		AnalysisQueue:    cfg.AnalysisQueue,
		AnalyzeWarnings:  cfg.AnalyzeWarnings,
		OutputTail:       cfg.OutputTail,
		Retry:            retry.FromConfig(cfg.Retry),
	}
}

// Orchestrator executes plans of phases against configured subsystems.
type Orchestrator struct {
	logger     *slog.Logger
	runner     executor.Runner
	subsystems map[string]config.SubsystemConfig
	sink       FailureSink
	scores     *extractors.ScoreExtractor
	outputs    *extractors.OutputExtractor
	tracer     trace.Tracer
	opts       Options
}

// New wires an Orchestrator. sink may be nil, in which case failures are only recorded.
func New(logger *slog.Logger, runner executor.Runner, subsystems map[string]config.SubsystemConfig, sink FailureSink, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = defaultSuccessThreshold
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultTimeout
	}
	if opts.OutputTail <= 0 {
		opts.OutputTail = defaultOutputTail
	}
	if opts.AnalysisWorkers <= 0 {
		opts.AnalysisWorkers = 2
	}
	if opts.AnalysisQueue <= 0 {
		opts.AnalysisQueue = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LookPath == nil {
		opts.LookPath = executor.Available
	}
	return &Orchestrator{
		logger:     logger,
		runner:     runner,
		subsystems: subsystems,
		sink:       sink,
		scores:     extractors.NewScoreExtractor(),
		outputs:    extractors.NewOutputExtractor(),
		tracer:     telemetry.Tracer(),
		opts:       opts,
	}
}

// SuccessThreshold reports the score a run needs to pass.
func (o *Orchestrator) SuccessThreshold() float64 {
	return o.opts.SuccessThreshold
}

// Run executes plan and returns the run record. Subsystem and phase failures
// are data on the record; only initialisation failures return an error, and
// the record is still returned so the caller can finalise it.
func (o *Orchestrator) Run(ctx context.Context, plan models.Plan) (*models.IntegrationRun, error) {
	run := &models.IntegrationRun{
		ID:              uuid.NewString(),
		Plan:            plan.Name,
		StartTime:       o.opts.Now(),
		State:           models.StateInit,
		PhaseResults:    []models.PhaseResult{},
		Errors:          []string{},
		Correlations:    []models.CorrelationRecord{},
		Recoveries:      []models.RecoveryOutcome{},
		Recommendations: []models.Recommendation{},
	}

	ctx, span := o.tracer.Start(ctx, "run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.plan", plan.Name),
	))
	defer span.End()

	logger := o.logger.With(slog.String("run_id", run.ID), slog.String("plan", plan.Name))
	logger.Info("integration run starting", slog.Int("phases", len(plan.Phases)))

	if err := o.initialise(plan); err != nil {
		run.State = models.StateAborted
		run.OverallStatus = models.RunAborted
		run.AbortReason = err.Error()
		run.Errors = append(run.Errors, err.Error())
		run.EndTime = o.opts.Now()
		span.SetStatus(codes.Error, err.Error())
		logger.Error("integration run aborted during initialisation", slog.Any("error", err))
		metrics.ObserveRun(plan.Name, string(run.OverallStatus), 0)
		return run, fmt.Errorf("%w: %v", ErrOrchestratorInit, err)
	}

	runCtx := ctx
	if o.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.opts.RunTimeout)
		defer cancel()
	}

	acc := &accumulator{}
	queue := tasks.NewQueue(context.WithoutCancel(ctx), logger, o.opts.AnalysisWorkers, o.opts.AnalysisQueue)
	forward := func(result models.SubsystemExecutionResult, message string, warning bool) {
		if !warning {
			acc.addError(fmt.Sprintf("%s (phase %s): %s", result.Subsystem, result.Phase, describeFailure(result)))
		}
		// Members interrupted by the run deadline or a signal are not tool
		// failures and stay out of correlation.
		if o.sink == nil || runCtx.Err() != nil {
			return
		}
		raw := o.rawError(result, message)
		err := queue.Submit(context.WithoutCancel(ctx), func(taskCtx context.Context) error {
			analysis, err := o.sink.AnalyzeFailure(taskCtx, result.Subsystem, raw)
			if err != nil {
				return fmt.Errorf("analyze failure of %s: %w", result.Subsystem, err)
			}
			acc.addAnalysis(analysis)
			return nil
		})
		if err != nil {
			logger.Warn("failure not forwarded", slog.String("subsystem", result.Subsystem), slog.Any("error", err))
		}
	}

	run.State = models.StateExecutingPhases
	for _, phase := range plan.Phases {
		if err := runCtx.Err(); err != nil {
			run.AbortReason = abortReason(ctx, err)
			break
		}

		run.State = models.StateRunningPhase
		result := o.runPhase(runCtx, logger, phase, forward)
		run.PhaseResults = append(run.PhaseResults, result)

		if phase.Critical && !result.Success {
			run.AbortReason = fmt.Sprintf("critical phase %q failed", phase.Name)
			break
		}
		run.State = models.StateExecutingPhases
	}
	if run.AbortReason == "" && runCtx.Err() != nil {
		run.AbortReason = abortReason(ctx, runCtx.Err())
	}

	run.State = models.StateFinalizing
	if err := queue.Wait(); err != nil {
		logger.Warn("failure analysis queue ended with error", slog.Any("error", err))
	}
	acc.mergeInto(run)

	run.OverallScore = OverallScore(run.PhaseResults)
	switch {
	case run.AbortReason != "":
		run.State = models.StateAborted
		run.OverallStatus = models.RunAborted
		run.Errors = append(run.Errors, run.AbortReason)
		span.SetStatus(codes.Error, run.AbortReason)
	case run.OverallScore >= o.opts.SuccessThreshold:
		run.State = models.StateDone
		run.OverallStatus = models.RunSuccess
	default:
		run.State = models.StateDone
		run.OverallStatus = models.RunFailure
	}
	run.EndTime = o.opts.Now()

	span.SetAttributes(
		attribute.Float64("run.score", run.OverallScore),
		attribute.String("run.status", string(run.OverallStatus)),
	)
	metrics.ObserveRun(plan.Name, string(run.OverallStatus), run.OverallScore)
	logger.Info("integration run finished",
		slog.String("status", string(run.OverallStatus)),
		slog.Float64("score", run.OverallScore),
		slog.Int("errors", len(run.Errors)),
		slog.Duration("duration", run.Duration()),
	)
	return run, nil
}

func abortReason(parent context.Context, err error) string {
	if parent.Err() != nil {
		return "run cancelled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "run timeout exceeded"
	}
	return err.Error()
}

// initialise validates the plan and checks that every critical subsystem it
// references can be found on PATH.
func (o *Orchestrator) initialise(plan models.Plan) error {
	if err := ValidatePlan(plan, o.subsystems); err != nil {
		return err
	}
	checked := make(map[string]struct{})
	for _, phase := range plan.Phases {
		for _, ref := range phase.Systems {
			if _, done := checked[ref.Name]; done {
				continue
			}
			checked[ref.Name] = struct{}{}
			cfg := o.subsystems[ref.Name]
			if !cfg.Critical {
				continue
			}
			if _, err := o.opts.LookPath(cfg.Command); err != nil {
				return fmt.Errorf("critical subsystem %q unavailable: %w", ref.Name, err)
			}
		}
	}
	return nil
}

// forwardFunc hands a result to failure analysis. Warnings come from
// successful members and are not recorded as run errors.
type forwardFunc func(result models.SubsystemExecutionResult, message string, warning bool)

func (o *Orchestrator) runPhase(ctx context.Context, logger *slog.Logger, phase models.Phase, forward forwardFunc) models.PhaseResult {
	ctx, span := o.tracer.Start(ctx, "phase", trace.WithAttributes(
		attribute.String("phase.name", phase.Name),
		attribute.String("phase.mode", string(phase.Mode)),
	))
	defer span.End()

	logger = logger.With(slog.String("phase", phase.Name))
	logger.Info("phase starting", slog.String("mode", string(phase.Mode)), slog.Int("systems", len(phase.Systems)))
	start := time.Now()

	var results []models.SubsystemExecutionResult
	if phase.Mode == models.ModeParallel {
		results = make([]models.SubsystemExecutionResult, len(phase.Systems))
		var g errgroup.Group
		for i, ref := range phase.Systems {
			g.Go(func() error {
				results[i] = o.runMember(ctx, logger, phase, ref, forward)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, ref := range phase.Systems {
			res := o.runMember(ctx, logger, phase, ref, forward)
			results = append(results, res)
			if res.Failed() && phase.Critical {
				logger.Warn("critical phase member failed, skipping remaining members", slog.String("subsystem", ref.Name))
				break
			}
		}
	}

	pr := models.PhaseResult{
		Name:       phase.Name,
		Mode:       phase.Mode,
		Weight:     phase.Weight,
		Critical:   phase.Critical,
		Score:      PhaseScore(phase, results),
		DurationMs: utils.Millis(time.Since(start)),
		Results:    results,
	}
	for _, r := range results {
		if r.Failed() {
			pr.Failures++
		}
	}
	pr.Success = pr.Failures == 0

	if !pr.Success {
		span.SetStatus(codes.Error, fmt.Sprintf("%d member(s) failed", pr.Failures))
	}
	logger.Info("phase finished",
		slog.Bool("success", pr.Success),
		slog.Float64("score", pr.Score),
		slog.Int("failures", pr.Failures),
		slog.Int64("duration_ms", pr.DurationMs),
	)
	return pr
}

func (o *Orchestrator) runMember(ctx context.Context, logger *slog.Logger, phase models.Phase, ref models.SubsystemRef, forward forwardFunc) models.SubsystemExecutionResult {
	ctx, span := o.tracer.Start(ctx, "subsystem", trace.WithAttributes(attribute.String("subsystem.name", ref.Name)))
	defer span.End()

	cfg := o.subsystems[ref.Name]
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = o.opts.DefaultTimeout
	}
	spec := executor.CommandSpec{Name: ref.Name, Command: cfg.Command, Dir: cfg.Dir, Env: cfg.Env}

	policy := o.opts.Retry
	if phase.Retries > 0 {
		policy = policy.WithAttempts(phase.Retries + 1)
	}

	var res executor.Result
	attempts, _ := policy.Run(ctx, func(ctx context.Context, attempt int) error {
		res = o.runner.Execute(ctx, spec, timeout)
		if res.Success {
			return nil
		}
		if ctx.Err() != nil {
			return retry.Permanent(errSubsystemFailed)
		}
		return errSubsystemFailed
	}, func(attempt int, err error, next time.Duration) {
		logger.Warn("subsystem failed, retrying",
			slog.String("subsystem", ref.Name),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", next),
		)
	})

	result := models.SubsystemExecutionResult{
		Subsystem:  ref.Name,
		Phase:      phase.Name,
		Status:     models.StatusFailure,
		DurationMs: utils.Millis(res.Duration),
		RawOutput:  tail(res.Output, o.opts.OutputTail),
		Error:      res.Error,
		ExitCode:   res.ExitCode,
		TimedOut:   res.TimedOut,
		Attempts:   attempts,
	}
	if res.Success {
		result.Status = models.StatusSuccess
	}
	if !res.TimedOut {
		result.Score, _ = o.scores.Extract(cfg.Scorer, res.Output, res.ExitCode)
	}

	metrics.ObserveSubsystem(ref.Name, string(result.Status), res.Duration)
	span.SetAttributes(attribute.Float64("subsystem.score", result.Score), attribute.Int("subsystem.exit_code", result.ExitCode))
	logger.Info("subsystem finished",
		slog.String("subsystem", ref.Name),
		slog.String("status", string(result.Status)),
		slog.Float64("score", result.Score),
		slog.Int("attempts", attempts),
		slog.Int64("duration_ms", result.DurationMs),
	)

	switch {
	case result.Failed():
		span.SetStatus(codes.Error, result.Error)
		forward(result, o.outputs.FirstError(res.Output), false)
	case o.opts.AnalyzeWarnings:
		if anomalies := o.outputs.Detect(res.Output); len(anomalies) > 0 && anomalies[0].Score >= minWarningScore {
			logger.Warn("error signature in successful output", slog.String("subsystem", ref.Name), slog.String("line", anomalies[0].Text))
			forward(result, anomalies[0].Text, true)
		}
	}
	return result
}

func (o *Orchestrator) rawError(result models.SubsystemExecutionResult, message string) models.RawError {
	if result.TimedOut || message == "" {
		message = result.Error
	}
	return models.Structured(models.ErrorInfo{
		Message: message,
		Source:  result.Subsystem,
		Context: map[string]string{
			"phase":     result.Phase,
			"subsystem": result.Subsystem,
			"exitCode":  strconv.Itoa(result.ExitCode),
		},
	})
}

func describeFailure(result models.SubsystemExecutionResult) string {
	if result.Error != "" {
		return result.Error
	}
	return "failed with exit code " + strconv.Itoa(result.ExitCode)
}

func tail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}

// accumulator collects analysis results produced by background tasks.
type accumulator struct {
	mu       sync.Mutex
	errors   []string
	analyses []models.FailureAnalysis
}

func (a *accumulator) addError(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errors = append(a.errors, msg)
}

func (a *accumulator) addAnalysis(analysis models.FailureAnalysis) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.analyses = append(a.analyses, analysis)
}

func (a *accumulator) mergeInto(run *models.IntegrationRun) {
	a.mu.Lock()
	defer a.mu.Unlock()
	run.Errors = append(run.Errors, a.errors...)
	for _, analysis := range a.analyses {
		run.Correlations = append(run.Correlations, analysis.Correlation)
		run.Recoveries = append(run.Recoveries, analysis.Recoveries...)
		run.Metrics.Merge(analysis.Metrics)
	}
}
