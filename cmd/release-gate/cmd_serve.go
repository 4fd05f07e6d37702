package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/miradorstack/release-gate/internal/api"
	"github.com/miradorstack/release-gate/internal/models"
	"github.com/miradorstack/release-gate/internal/services"
	"github.com/miradorstack/release-gate/internal/utils"
)

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Host the gRPC ingestion endpoint and the metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := context.WithCancel(cmd.Context())
			defer stop()

			server, err := api.NewServer(c.logger, c.cfg.Server, api.NewHandler(c.logger, a.ingest, a.patterns))
			if err != nil {
				return utils.NewAppError("serve", "failed to create gRPC server", err)
			}
			watchPatterns(ctx, a)
			metricsServer := startMetricsServer(c.cfg.Server.MetricsAddress, c.logger, stop)

			c.logger.Info("ingestion server listening", slog.String("address", server.Address()))
			serveErr := server.Serve(ctx)
			shutdownMetricsServer(metricsServer, c.logger)
			a.persist()
			if serveErr != nil {
				return utils.NewAppError("serve", "gRPC server exited", serveErr)
			}
			c.logger.Info("release-gate stopped", slog.Duration("analysis_p95", a.ingest.LatencyP95()))
			return nil
		},
	}
}

func (c *cli) analyzeCmd() *cobra.Command {
	var (
		source  string
		remote  string
		errType string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "analyze [message...]",
		Short: "Correlate one error message (read from stdin when no message is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.Join(args, " ")
			if message == "" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return utils.NewAppError("analyze", "failed to read stdin", err)
				}
				message = strings.TrimSpace(string(data))
			}

			raw := models.Raw(message)
			if errType != "" {
				raw = models.Structured(models.ErrorInfo{Message: message, Source: source, Type: models.ErrorType(errType)})
			}

			var (
				resp *services.AnalyzeResponse
				err  error
			)
			if remote != "" {
				resp, err = analyzeRemote(cmd.Context(), remote, timeout, source, raw)
			} else {
				resp, err = c.analyzeLocal(cmd.Context(), source, raw)
			}
			if err != nil {
				return utils.NewAppError("analyze", "analysis failed", err)
			}
			return writeJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&source, "source", "cli", "subsystem or tool that produced the error")
	cmd.Flags().StringVar(&errType, "type", "", "submit as a structured error of this type instead of raw text")
	cmd.Flags().StringVar(&remote, "remote", "", "address of a running release-gate server")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "remote call timeout")
	return cmd
}

func (c *cli) analyzeLocal(ctx context.Context, source string, raw models.RawError) (*services.AnalyzeResponse, error) {
	a, err := c.app(ctx)
	if err != nil {
		return nil, err
	}
	defer a.close()
	resp, err := a.ingest.Analyze(ctx, source, raw)
	a.persist()
	return resp, err
}

func analyzeRemote(ctx context.Context, addr string, timeout time.Duration, source string, raw models.RawError) (*services.AnalyzeResponse, error) {
	client, err := api.Dial(addr, timeout)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Analyze(ctx, source, raw)
}
