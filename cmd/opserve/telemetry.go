package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/albertbausili/opserve/pkg/opserve"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// telemetry holds the reporting pipeline and what has to be flushed on exit.
type telemetry struct {
	reporter      opserve.Reporter
	metricsServer *http.Server
	registry      *prometheus.Registry
	shutdowns     []func(context.Context) error
}

func (t *telemetry) shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdowns) - 1; i >= 0; i-- {
		errs = append(errs, t.shutdowns[i](ctx))
	}
	return errors.Join(errs...)
}

func setupTelemetry(ctx context.Context, cfg opserve.Config, logger *slog.Logger) (*telemetry, error) {
	t := &telemetry{reporter: opserve.NopReporter{}}
	res := resource.NewSchemaless(attribute.String("service.name", cfg.Tracing.ServiceName))

	if cfg.Tracing.Enabled {
		opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
		if cfg.Tracing.Stdout {
			exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
			if err != nil {
				return nil, fmt.Errorf("create trace exporter: %w", err)
			}
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}
		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		t.shutdowns = append(t.shutdowns, tp.Shutdown)
		logger.InfoContext(ctx, "tracing initialized", "stdout", cfg.Tracing.Stdout)
	}

	if !cfg.Metrics.Enabled {
		return t, nil
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	switch cfg.Metrics.Exporter {
	case opserve.ExporterOTel:
		exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(mp)
		t.shutdowns = append(t.shutdowns, mp.Shutdown)

		meterReporter, err := opserve.NewMeterReporter(mp.Meter(opserve.TracerName))
		if err != nil {
			return nil, err
		}
		t.reporter = meterReporter
	default:
		promReporter, err := opserve.NewPrometheusReporter(registry, cfg.Metrics.Namespace)
		if err != nil {
			return nil, err
		}
		t.reporter = promReporter
	}
	t.registry = registry

	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	t.metricsServer = &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	t.shutdowns = append(t.shutdowns, t.metricsServer.Shutdown)

	logger.InfoContext(ctx, "metrics initialized", "addr", cfg.Metrics.Addr, "exporter", cfg.Metrics.Exporter, "namespace", cfg.Metrics.Namespace)
	return t, nil
}
