package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"AgentRelay/internal/config"
)

const serviceVersion = "1.0.0"

func rotatingFile(dir, name string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    10, // 10 MB
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitLogger initializes structured logging with rotation. The returned
// closer releases the log file.
func InitLogger(cfg config.LoggingConfig, name string, debug bool) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	file := rotatingFile(cfg.Dir, name+".log")

	var w io.Writer = file
	if cfg.Stderr {
		w = io.MultiWriter(os.Stderr, file)
	}

	level := ParseLevel(cfg.Level)
	if debug {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With("service", name)
	slog.SetDefault(logger)

	return logger, file, nil
}

// metricsInterval is how often the meter provider exports.
const metricsInterval = 10 * time.Second

func newTracerProvider(res *resource.Resource, w io.Writer) (*sdktrace.TracerProvider, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res)), nil
}

func newMeterProvider(res *resource.Resource, w io.Writer, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w), stdoutmetric.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res)), nil
}

// InitTelemetry installs global trace and meter providers that write to
// rotated files: <dir>/<name>_traces.log and <dir>/<name>_metrics.log.
// cleanup flushes both providers, then closes the files.
func InitTelemetry(ctx context.Context, dir, name string) (trace.Tracer, metric.Meter, func(), error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(name),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	traceFile := rotatingFile(dir, name+"_traces.log")
	metricsFile := rotatingFile(dir, name+"_metrics.log")
	files := []*lumberjack.Logger{traceFile, metricsFile}

	tp, err := newTracerProvider(res, traceFile)
	if err != nil {
		return nil, nil, nil, err
	}
	mp, err := newMeterProvider(res, metricsFile, metricsInterval)
	if err != nil {
		return nil, nil, nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	shutdowns := []struct {
		what string
		fn   func(context.Context) error
	}{
		{"tracer provider", tp.Shutdown},
		{"meter provider", mp.Shutdown},
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range shutdowns {
			if err := s.fn(ctx); err != nil {
				slog.Error("telemetry shutdown failed", "component", s.what, "error", err)
			}
		}
		for _, f := range files {
			if err := f.Close(); err != nil {
				slog.Error("failed to close telemetry file", "file", f.Filename, "error", err)
			}
		}
	}

	return tp.Tracer(name), mp.Meter(name), cleanup, nil
}
