package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/miradorstack/release-gate/internal/config"
	"github.com/miradorstack/release-gate/internal/metrics"
	"github.com/miradorstack/release-gate/internal/utils"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "release-gate:", err)
	}
	os.Exit(utils.ExitCode(err))
}

// cli carries flags and lazily built state shared by every subcommand.
type cli struct {
	configPath string
	logLevel   string
	jsonLogs   bool

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "release-gate",
		Short:         "Deployment reliability gate: runs validation plans, correlates failures, and attempts recovery",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to configuration file (defaults to $RELEASE_GATE_CONFIG)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override logging.level")
	root.PersistentFlags().BoolVar(&c.jsonLogs, "json-logs", false, "emit JSON logs")

	root.AddCommand(
		c.runCmd(),
		c.healthCmd(),
		c.monitorCmd(),
		c.serveCmd(),
		c.analyzeCmd(),
		c.patternsCmd(),
		c.learningCmd(),
	)
	return root
}

func (c *cli) init() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return utils.NewAppError("config", "failed to load config", err)
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	if c.jsonLogs {
		cfg.Logging.JSON = true
	}
	c.cfg = cfg
	c.logger = utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	slog.SetDefault(c.logger)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return utils.NewAppError("init", "failed to register metrics", err)
	}
	return nil
}

func (c *cli) app(ctx context.Context) (*app, error) {
	return newApp(ctx, c.cfg, c.logger)
}
