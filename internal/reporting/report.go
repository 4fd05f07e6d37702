package reporting

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/miradorstack/release-gate/internal/config"
	"github.com/miradorstack/release-gate/internal/extractors"
	"github.com/miradorstack/release-gate/internal/models"
	"github.com/miradorstack/release-gate/internal/repo"
	"github.com/miradorstack/release-gate/internal/utils"
)

// Options tune analytics and artifact output.
type Options struct {
	OutputDir            string
	TrendWindow          int
	BottleneckThreshold  time.Duration
	RunBudget            time.Duration
	FailureRateThreshold float64
	SuccessThreshold     float64
}

// OptionsFromConfig maps the reporting section of the config.
func OptionsFromConfig(cfg config.ReportingConfig, successThreshold float64) Options {
	return Options{
		OutputDir:            cfg.OutputDir,
		TrendWindow:          cfg.TrendWindow,
		BottleneckThreshold:  cfg.BottleneckThreshold,
		RunBudget:            cfg.RunBudget,
		FailureRateThreshold: cfg.FailureRateThreshold,
		SuccessThreshold:     successThreshold,
	}
}

// Report is the finalised view of one run.
type Report struct {
	RunID            string                  `json:"runId"`
	Plan             string                  `json:"plan"`
	Status           models.RunStatus        `json:"status"`
	Score            float64                 `json:"score"`
	SuccessThreshold float64                 `json:"successThreshold"`
	DurationMs       int64                   `json:"durationMs"`
	Trend            Trend                   `json:"trend"`
	Bottlenecks      []Bottleneck            `json:"bottlenecks"`
	Causality        string                  `json:"causality,omitempty"`
	Recommendations  []models.Recommendation `json:"recommendations"`
	Warnings         []string                `json:"warnings,omitempty"`
	Artifacts        []string                `json:"artifacts,omitempty"`
	Run              *models.IntegrationRun  `json:"run"`
}

// Reporter finalises runs.
type Reporter struct {
	logger    *slog.Logger
	store     repo.RunStore
	durations *extractors.DurationExtractor
	opts      Options
}

// NewReporter wires a Reporter. store may be nil, which disables history.
func NewReporter(logger *slog.Logger, store repo.RunStore, opts Options) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TrendWindow <= 0 {
		opts.TrendWindow = 5
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = 0.85
	}
	return &Reporter{
		logger:    logger,
		store:     store,
		durations: extractors.NewDurationExtractor(),
		opts:      opts,
	}
}

// Finalize computes analytics, persists run with its merged recommendations,
// and writes the artifacts. Persistence problems become report warnings.
func (r *Reporter) Finalize(ctx context.Context, run *models.IntegrationRun) (*Report, error) {
	if run == nil {
		return nil, fmt.Errorf("finalize: nil run")
	}

	report := &Report{
		RunID:            run.ID,
		Plan:             run.Plan,
		Status:           run.OverallStatus,
		Score:            run.OverallScore,
		SuccessThreshold: r.opts.SuccessThreshold,
		DurationMs:       run.Duration().Milliseconds(),
		Run:              run,
	}

	history := r.history(ctx, run, report)
	report.Trend = ComputeTrend(run.OverallScore, history)
	report.Bottlenecks = FindBottlenecks(run, history, r.opts.BottleneckThreshold, r.durations)
	report.Causality = CausalityNote(run)
	run.Recommendations = MergeRecommendations(run, RunRecommendations(run, report.Bottlenecks, r.opts))
	report.Recommendations = run.Recommendations

	if r.store != nil {
		if err := r.store.Save(ctx, run); err != nil {
			r.logger.Warn("run history not persisted", slog.String("run_id", run.ID), slog.Any("error", err))
			report.Warnings = append(report.Warnings, "history: "+err.Error())
		}
	}

	if r.opts.OutputDir != "" {
		paths, err := r.writeArtifacts(report)
		if err != nil {
			r.logger.Warn("report artifacts not written", slog.String("run_id", run.ID), slog.Any("error", err))
			report.Warnings = append(report.Warnings, "artifacts: "+err.Error())
		}
		report.Artifacts = paths
	}

	r.logger.Info("run finalised",
		slog.String("run_id", run.ID),
		slog.String("status", string(run.OverallStatus)),
		slog.Float64("score", run.OverallScore),
		slog.String("trend", string(report.Trend.Direction)),
		slog.Int("recommendations", len(report.Recommendations)),
	)
	return report, nil
}

func (r *Reporter) history(ctx context.Context, run *models.IntegrationRun, report *Report) []models.IntegrationRun {
	if r.store == nil {
		return nil
	}
	recent, err := r.store.Recent(ctx, r.opts.TrendWindow+1)
	if err != nil {
		r.logger.Warn("run history unavailable", slog.Any("error", err))
		report.Warnings = append(report.Warnings, "history: "+err.Error())
		return nil
	}
	out := make([]models.IntegrationRun, 0, len(recent))
	for _, h := range recent {
		if h.ID == run.ID {
			continue
		}
		out = append(out, h)
	}
	if len(out) > r.opts.TrendWindow {
		out = out[:r.opts.TrendWindow]
	}
	return out
}

func (r *Reporter) writeArtifacts(report *Report) ([]string, error) {
	jsonPath := filepath.Join(r.opts.OutputDir, "run-"+report.RunID+".json")
	if err := utils.WriteJSONAtomic(jsonPath, report); err != nil {
		return nil, err
	}
	txtPath := filepath.Join(r.opts.OutputDir, "run-"+report.RunID+".txt")
	if err := os.WriteFile(txtPath, []byte(Summary(report)), 0o644); err != nil {
		return []string{jsonPath}, fmt.Errorf("write summary: %w", err)
	}
	return []string{jsonPath, txtPath}, nil
}

// Summary renders the human-readable report.
func Summary(report *Report) string {
	var b strings.Builder
	run := report.Run

	fmt.Fprintf(&b, "Release gate run %s (plan %s)\n", report.RunID, report.Plan)
	fmt.Fprintf(&b, "Status: %s   Score: %.3f (threshold %.2f)   Duration: %s\n",
		strings.ToUpper(string(report.Status)), report.Score, report.SuccessThreshold, utils.FormatMillis(report.DurationMs))
	if run != nil && run.AbortReason != "" {
		fmt.Fprintf(&b, "Aborted: %s\n", run.AbortReason)
	}
	fmt.Fprintf(&b, "Trend: %s", report.Trend.Direction)
	if report.Trend.Samples > 0 {
		fmt.Fprintf(&b, " (%+.3f vs mean of %d runs)", report.Trend.Delta, report.Trend.Samples)
	}
	b.WriteString("\n")

	if run != nil && len(run.PhaseResults) > 0 {
		b.WriteString("\nPhases:\n")
		for _, p := range run.PhaseResults {
			mark := "ok"
			if !p.Success {
				mark = "FAIL"
			}
			fmt.Fprintf(&b, "  [%s] %-12s score=%.2f weight=%.2f %s\n", mark, p.Name, p.Score, p.Weight, utils.FormatMillis(p.DurationMs))
			for _, res := range p.Results {
				fmt.Fprintf(&b, "      - %-12s %s score=%.2f %s\n", res.Subsystem, res.Status, res.Score, utils.FormatMillis(res.DurationMs))
			}
		}
	}

	if report.Causality != "" {
		fmt.Fprintf(&b, "\nCausality: %s\n", report.Causality)
	}
	if len(report.Bottlenecks) > 0 {
		b.WriteString("\nBottlenecks:\n")
		for _, bn := range report.Bottlenecks {
			fmt.Fprintf(&b, "  - %s (%s, %s)\n", bn.Phase, bn.Kind, utils.FormatMillis(bn.DurationMs))
		}
	}
	if run != nil && len(run.Errors) > 0 {
		b.WriteString("\nErrors:\n")
		for _, e := range run.Errors {
			fmt.Fprintf(&b, "  - %s\n", e)
		}
	}
	if len(report.Recommendations) > 0 {
		b.WriteString("\nRecommendations:\n")
		for _, rec := range report.Recommendations {
			fmt.Fprintf(&b, "  [%s] %s\n", rec.Priority, rec.Message)
		}
	}
	return b.String()
}
