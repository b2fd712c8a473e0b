// Package telemetry wires the OpenTelemetry SDK to an OTLP gRPC exporter and
// correlates zerolog output with the active span.
//
//	shutdown, err := telemetry.SetupTracer(ctx, telemetry.Config{ServiceName: "food-order-service"})
//	if err != nil { ... }
//	defer shutdown(context.Background())
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

type Config struct {
	ServiceName string
	Environment string
	// Endpoint is the collector's host:port. Empty keeps spans in-process
	// (still used for log correlation) without exporting them.
	Endpoint string
	Insecure bool
}

// ShutdownFunc flushes buffered spans and closes the exporter connection.
type ShutdownFunc func(ctx context.Context) error

// SetupTracer installs the global TracerProvider and W3C propagators.
func SetupTracer(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to build resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}

	var conn *grpc.ClientConn
	if cfg.Endpoint != "" {
		creds := credentials.NewClientTLSFromCert(nil, "")
		if cfg.Insecure {
			creds = insecure.NewCredentials()
		}
		endpoint := stripScheme(cfg.Endpoint)
		conn, err = grpc.NewClient(endpoint, grpc.WithTransportCredentials(creds))
		if err != nil {
			return nil, fmt.Errorf("telemetry: failed to dial collector at %s: %w", endpoint, err)
		}
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("telemetry: failed to create trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("telemetry: failed to shut down tracer provider: %w", err)
		}
		if conn != nil {
			return conn.Close()
		}
		return nil
	}, nil
}

// stripScheme turns "http://host:port" into the host:port grpc expects.
func stripScheme(endpoint string) string {
	for _, prefix := range []string{"http://", "https://"} {
		if s, ok := strings.CutPrefix(endpoint, prefix); ok {
			return s
		}
	}
	return endpoint
}
