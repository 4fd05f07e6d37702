package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/miradorstack/release-gate/internal/cache"
	"github.com/miradorstack/release-gate/internal/config"
	"github.com/miradorstack/release-gate/internal/engine"
	"github.com/miradorstack/release-gate/internal/executor"
	"github.com/miradorstack/release-gate/internal/learning"
	"github.com/miradorstack/release-gate/internal/models"
	"github.com/miradorstack/release-gate/internal/orchestrator"
	"github.com/miradorstack/release-gate/internal/patterns"
	"github.com/miradorstack/release-gate/internal/recovery"
	"github.com/miradorstack/release-gate/internal/reporting"
	"github.com/miradorstack/release-gate/internal/repo"
	"github.com/miradorstack/release-gate/internal/retry"
	"github.com/miradorstack/release-gate/internal/services"
	"github.com/miradorstack/release-gate/internal/telemetry"
	"github.com/miradorstack/release-gate/internal/utils"
)

// app holds every wired component for one CLI invocation.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	patterns     *patterns.Store
	learning     *learning.Queue
	correlator   *engine.Correlator
	ingest       *services.IngestService
	orchestrator *orchestrator.Orchestrator
	plans        *orchestrator.PlanSet
	reporter     *reporting.Reporter
	history      repo.RunStore
	cache        cache.Provider
	shutdown     telemetry.Shutdown
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return nil, utils.NewAppError("init", "tracing unavailable", err)
	}
	a.shutdown = shutdown

	a.patterns = patterns.NewStore(logger, patterns.Paths{
		Custom: cfg.Correlation.PatternsPath,
		Stats:  cfg.Correlation.StatsPath,
		Matrix: cfg.Correlation.MatrixPath,
	})
	a.patterns.Load()
	a.learning = learning.NewQueue(logger, cfg.Correlation.LearningQueuePath)

	rules, err := engine.NewRuleEngine(cfg.Correlation.RulesPath, logger)
	if err != nil {
		a.close()
		return nil, utils.NewAppError("init", "failed to load rule pack", err)
	}
	a.correlator = engine.NewCorrelator(logger, a.patterns, a.learning, rules, engine.Options{Threshold: cfg.Correlation.Threshold})

	runner := executor.New(logger, cfg.Orchestrator.OutputTail, 0)

	var recoverer services.Recoverer
	if cfg.Recovery.Enabled {
		registry, err := recovery.RegistryFromConfig(runner, cfg.Recovery.Procedures, cfg.Recovery.Timeout)
		if err != nil {
			a.close()
			return nil, utils.NewAppError("init", "invalid recovery procedures", err)
		}
		logger.Debug("recovery procedures registered", slog.Any("refs", registry.Refs()))
		recoverer = recovery.NewExecutor(logger, registry, a.patterns, recovery.Options{
			MaxAttempts:   cfg.Recovery.MaxAttempts,
			Threshold:     a.correlator.Threshold(),
			RatePerSecond: cfg.Recovery.RatePerSecond,
			Burst:         cfg.Recovery.Burst,
			Retry:         retry.FromConfig(cfg.Recovery.Retry),
		})
	}

	provider, err := cache.New(cfg.Cache)
	if err != nil {
		logger.Warn("dedupe cache unavailable", slog.String("addr", cfg.Cache.Addr), slog.Any("error", err))
		provider = cache.NoopProvider{}
	}
	a.cache = provider
	a.ingest = services.NewIngestService(logger, a.correlator, recoverer, provider, cfg.Cache.DedupeTTL)

	a.plans, err = orchestrator.LoadPlans(cfg.Orchestrator.PlansPath)
	if err != nil {
		a.close()
		return nil, utils.NewAppError("init", "failed to load plans", err)
	}
	a.orchestrator = orchestrator.New(logger, runner, cfg.Subsystems, a.ingest, orchestrator.OptionsFromConfig(cfg.Orchestrator))

	history, err := repo.Open(cfg.History, logger)
	if err != nil {
		logger.Warn("run history unavailable", slog.String("backend", cfg.History.Backend), slog.Any("error", err))
	} else {
		a.history = history
	}
	a.reporter = reporting.NewReporter(logger, a.history, reporting.OptionsFromConfig(cfg.Reporting, a.orchestrator.SuccessThreshold()))
	return a, nil
}

// persist flushes pattern statistics; failures are logged only.
func (a *app) persist() {
	if err := a.patterns.Save(); err != nil {
		a.logger.Warn("pattern statistics not persisted", slog.Any("error", err))
	}
}

func (a *app) close() {
	var errs []error
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(context.Background()))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown incomplete", slog.Any("error", err))
	}
}

// runPlan executes one plan, finalises its report and maps the outcome to an error.
func (a *app) runPlan(ctx context.Context, name string) (*reporting.Report, error) {
	plan, err := a.plans.Get(name)
	if err != nil {
		return nil, utils.NewAppError("run", fmt.Sprintf("unknown plan %q (available: %s)", name, strings.Join(a.plans.Names(), ", ")), err)
	}

	run, runErr := a.orchestrator.Run(ctx, plan)
	a.persist()
	if run == nil {
		return nil, utils.NewAppError("run", "run did not start", runErr)
	}

	report, err := a.reporter.Finalize(ctx, run)
	if err != nil {
		return nil, utils.NewAppError("run", "failed to finalise report", err)
	}
	if runErr != nil {
		return report, utils.NewAppError("run", "orchestrator initialisation failed", runErr)
	}
	if run.OverallStatus != models.RunSuccess {
		return report, utils.NewAppError("run", fmt.Sprintf("run %s finished with status %s (score %.3f)", run.ID, run.OverallStatus, run.OverallScore), nil)
	}
	return report, nil
}
