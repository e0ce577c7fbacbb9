// Package telemetry configures OpenTelemetry tracing for analysis runs
package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// ShutdownFunc flushes pending spans and releases the exporter
type ShutdownFunc func(context.Context) error

// Init installs a tracer provider writing spans as JSON to path. With an empty
// path the global no-op provider stays in place and the returned func does nothing.
func Init(ctx context.Context, serviceName, serviceVersion, path string) (ShutdownFunc, error) {
	if path == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(file), stdouttrace.WithPrettyPrint())
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if cerr := file.Close(); err == nil {
			err = cerr
		}
		return err
	}, nil
}
