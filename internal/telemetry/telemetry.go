// Package telemetry installs the OpenTelemetry tracer and meter providers
// selected by configuration.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ErrUnknownExporter is returned for an exporter name Setup does not know.
var ErrUnknownExporter = errors.New("unknown telemetry exporter")

// Exporters.
const (
	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
)

// Config selects what Setup installs.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Exporter is none, stdout (traces and metrics), prometheus (metrics
	// scraped from MetricsHandler) or otlp (traces over gRPC, metrics
	// through prometheus).
	Exporter string

	// OTLPEndpoint is the collector for otlp traces.
	OTLPEndpoint string

	// Writer receives stdout exporter output. Defaults to os.Stdout.
	Writer io.Writer
}

// Telemetry holds the installed providers.
type Telemetry struct {
	shutdown []func(context.Context) error
	metrics  http.Handler
}

// Setup builds the providers for cfg and installs them as the otel globals.
// Call Shutdown on exit.
func Setup(ctx context.Context, cfg Config) (*Telemetry, error) {
	t := &Telemetry{}
	if cfg.Exporter == "" || cfg.Exporter == ExporterNone {
		return t, nil
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	var (
		spans   sdktrace.SpanExporter
		mreader sdkmetric.Reader
		err     error
	)
	switch cfg.Exporter {
	case ExporterStdout:
		spans, err = stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		mexp, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Writer))
		if err != nil {
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		mreader = sdkmetric.NewPeriodicReader(mexp)
	case ExporterOTLP:
		spans, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", err)
		}
		mreader, err = t.prometheusReader()
		if err != nil {
			return nil, err
		}
	case ExporterPrometheus:
		mreader, err = t.prometheusReader()
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.Exporter)
	}

	if spans != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(spans),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		t.shutdown = append(t.shutdown, tp.Shutdown)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(mreader),
	)
	otel.SetMeterProvider(mp)
	t.shutdown = append(t.shutdown, mp.Shutdown)
	return t, nil
}

// prometheusReader registers the exporter on a private registry and keeps
// its scrape handler.
func (t *Telemetry) prometheusReader() (sdkmetric.Reader, error) {
	reg := prometheus.NewRegistry()
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	t.metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return exp, nil
}

// MetricsHandler serves /metrics, or is nil when no prometheus reader is installed.
func (t *Telemetry) MetricsHandler() http.Handler {
	return t.metrics
}

// Shutdown flushes and stops every provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
