package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/release-gate/internal/config"
)

// TracerName is the instrumentation scope used across the release gate.
const TracerName = "github.com/miradorstack/release-gate"

// Shutdown flushes and releases telemetry resources.
type Shutdown func(context.Context) error

// Init installs a global tracer provider exporting spans as JSON lines to
// cfg.TracesPath, or stdout when no path is set. Disabled tracing leaves the
// no-op provider in place.
func Init(ctx context.Context, cfg config.TelemetryConfig, version string) (Shutdown, error) {
	if !cfg.TracingEnabled {
		return func(context.Context) error { return nil }, nil
	}

	var (
		w      io.Writer = os.Stdout
		closer io.Closer
	)
	if cfg.TracesPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.TracesPath), 0o755); err != nil {
			return nil, fmt.Errorf("create traces dir: %w", err)
		}
		f, err := os.OpenFile(cfg.TracesPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open traces file: %w", err)
		}
		w, closer = f, f
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "release-gate"
	}
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", name),
		attribute.String("service.version", version),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if closer != nil {
			err = errors.Join(err, closer.Close())
		}
		return err
	}, nil
}

// Tracer returns the release-gate tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
