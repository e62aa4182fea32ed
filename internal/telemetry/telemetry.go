// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
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

	"github.com/jeranaias/imagehive/internal/config"
)

// ServiceName identifies this process in exported telemetry.
const ServiceName = "imagehive"

// shutdownTimeout bounds flushing exporters on exit.
const shutdownTimeout = 5 * time.Second

// Providers holds the tracer and meter handed to instrumented components.
// Both are nil when telemetry is disabled.
type Providers struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	shutdown []func(context.Context) error
}

// Enabled reports whether traces and metrics are being exported.
func (p *Providers) Enabled() bool {
	return p.Tracer != nil && p.Meter != nil
}

// Shutdown flushes exporters and closes the telemetry file.
func (p *Providers) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Init sets up tracing and metrics exported as JSON to a rotating file and
// registers them as the global providers. A disabled config returns empty
// Providers.
func Init(ctx context.Context, cfg config.TelemetryConfig, logging config.LoggingConfig, version string) (*Providers, error) {
	if !cfg.Enabled {
		return &Providers{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
	}
	file := rotatingWriter(cfg.File, logging)

	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(file))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(file))
	if err != nil {
		tp.Shutdown(ctx)
		file.Close()
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(cfg.MetricInterval.Duration)),
		),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return &Providers{
		Tracer: tp.Tracer(ServiceName),
		Meter:  mp.Meter(ServiceName),
		shutdown: []func(context.Context) error{
			tp.Shutdown,
			mp.Shutdown,
			func(context.Context) error { return file.Close() },
		},
	}, nil
}
