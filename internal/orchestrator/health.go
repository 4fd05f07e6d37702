package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/release-gate/internal/executor"
)

const (
	// HealthyRatio is the share of subsystems that must be healthy.
	HealthyRatio   = 0.8
	versionTimeout = 30 * time.Second
)

// SubsystemHealth is the probe result for one subsystem.
type SubsystemHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Path    string `json:"path,omitempty"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthReport summarises a health probe.
type HealthReport struct {
	Subsystems []SubsystemHealth `json:"subsystems"`
	Healthy    int               `json:"healthy"`
	Total      int               `json:"total"`
	Ratio      float64           `json:"ratio"`
	OK         bool              `json:"ok"`
}

// Health probes every configured subsystem in parallel for presence on PATH
// and, when version arguments are configured, a working version command.
func (o *Orchestrator) Health(ctx context.Context) HealthReport {
	names := make([]string, 0, len(o.subsystems))
	for name := range o.subsystems {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]SubsystemHealth, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			results[i] = o.probe(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	report := HealthReport{Subsystems: results, Total: len(results)}
	for _, r := range results {
		if r.Healthy {
			report.Healthy++
		}
	}
	if report.Total > 0 {
		report.Ratio = float64(report.Healthy) / float64(report.Total)
	}
	report.OK = report.Total > 0 && report.Ratio >= HealthyRatio
	o.logger.Info("health probe finished",
		slog.Int("healthy", report.Healthy),
		slog.Int("total", report.Total),
		slog.Bool("ok", report.OK),
	)
	return report
}

func (o *Orchestrator) probe(ctx context.Context, name string) SubsystemHealth {
	cfg := o.subsystems[name]
	h := SubsystemHealth{Name: name}

	path, err := o.opts.LookPath(cfg.Command)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	h.Path = path
	if len(cfg.VersionArgs) == 0 {
		h.Healthy = true
		return h
	}

	command := append([]string{cfg.Command[0]}, cfg.VersionArgs...)
	res := o.runner.Execute(ctx, executor.CommandSpec{Name: name + ":version", Command: command, Dir: cfg.Dir, Env: cfg.Env}, versionTimeout)
	if !res.Success {
		h.Error = res.Error
		return h
	}
	h.Healthy = true
	h.Version = firstLine(res.Output)
	return h
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
