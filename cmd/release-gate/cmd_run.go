package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/miradorstack/release-gate/internal/orchestrator"
	"github.com/miradorstack/release-gate/internal/reporting"
	"github.com/miradorstack/release-gate/internal/utils"
)

func (c *cli) runCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "run [plan]",
		Short: "Execute a plan (full, quick, testing, monitor or a custom plan); exits 0 only on success",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "full"
			if len(args) == 1 {
				name = args[0]
			}
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			report, runErr := a.runPlan(cmd.Context(), name)
			if report != nil {
				if err := printReport(cmd.OutOrStdout(), report, asJSON); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func (c *cli) healthCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe every configured subsystem; exits 0 when at least 80% are healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			report := a.orchestrator.Health(cmd.Context())
			if err := printHealth(cmd.OutOrStdout(), report, asJSON); err != nil {
				return err
			}
			if !report.OK {
				return utils.NewAppError("health", fmt.Sprintf("%d of %d subsystems healthy", report.Healthy, report.Total), nil)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func (c *cli) monitorCmd() *cobra.Command {
	var (
		plan       string
		interval   time.Duration
		iterations int
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Repeat a plan on an interval until terminated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if plan == "" {
				plan = c.cfg.Monitor.Plan
			}
			if interval <= 0 {
				interval = c.cfg.Monitor.Interval
			}
			if interval <= 0 {
				return utils.NewAppError("monitor", "interval must be positive", nil)
			}

			a, err := c.app(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := context.WithCancel(ctx)
			defer stop()
			watchPatterns(ctx, a)
			metricsServer := startMetricsServer(c.cfg.Server.MetricsAddress, c.logger, stop)
			defer shutdownMetricsServer(metricsServer, c.logger)

			c.logger.Info("monitor started", slog.String("plan", plan), slog.Duration("interval", interval))
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for n := 1; ; n++ {
				report, err := a.runPlan(ctx, plan)
				switch {
				case report != nil:
					c.logger.Info("monitor iteration finished",
						slog.Int("iteration", n),
						slog.String("run_id", report.RunID),
						slog.String("status", string(report.Status)),
						slog.Float64("score", report.Score),
						slog.String("trend", string(report.Trend.Direction)),
					)
				case err != nil:
					c.logger.Error("monitor iteration failed", slog.Int("iteration", n), slog.Any("error", err))
				}
				if iterations > 0 && n >= iterations {
					return nil
				}
				select {
				case <-ctx.Done():
					c.logger.Info("monitor stopped")
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().StringVar(&plan, "plan", "", "plan to repeat (defaults to monitor.plan)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "delay between runs (defaults to monitor.interval)")
	cmd.Flags().IntVar(&iterations, "iterations", 0, "stop after this many runs; 0 repeats until terminated")
	return cmd
}

func watchPatterns(ctx context.Context, a *app) {
	if !a.cfg.Correlation.WatchPatterns {
		return
	}
	err := a.patterns.Watch(ctx, func(loaded int, err error) {
		if err != nil {
			a.logger.Warn("pattern reload failed", slog.Any("error", err))
			return
		}
		a.logger.Info("custom patterns reloaded", slog.Int("custom", loaded))
	})
	if err != nil {
		a.logger.Warn("pattern hot reload disabled", slog.Any("error", err))
	}
}

func startMetricsServer(addr string, logger *slog.Logger, stop context.CancelFunc) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server exited", slog.Any("error", err))
			stop()
		}
	}()
	return srv
}

func shutdownMetricsServer(srv *http.Server, logger *slog.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics server shutdown", slog.Any("error", err))
	}
}

func printReport(w io.Writer, report *reporting.Report, asJSON bool) error {
	if asJSON {
		return writeJSON(w, report)
	}
	_, err := io.WriteString(w, reporting.Summary(report))
	return err
}

func printHealth(w io.Writer, report orchestrator.HealthReport, asJSON bool) error {
	if asJSON {
		return writeJSON(w, report)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SUBSYSTEM\tHEALTHY\tVERSION\tDETAIL")
	for _, s := range report.Subsystems {
		detail := s.Path
		if s.Error != "" {
			detail = s.Error
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", s.Name, s.Healthy, s.Version, detail)
	}
	fmt.Fprintf(tw, "\n%d/%d healthy (%.0f%%)\n", report.Healthy, report.Total, report.Ratio*100)
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
