// Package obs wires a real OpenTelemetry SDK tracer provider for the
// engine's spans, grounded on marmos91-dittofs's internal/telemetry
// package (Init/shutdown pair, sampler picked from a configured rate).
// It exports to stdout rather than dittofs's OTLP-over-gRPC exporter:
// this daemon carries no other gRPC surface, so pulling in the grpc
// stack for tracing alone isn't worth it — stdouttrace still exercises
// the real SDK batching/sampling machinery engine/spans.go relies on.
package obs

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config controls whether and how aggressively spans are sampled.
type Config struct {
	Enabled    bool
	SampleRate float64
}

// Init installs a tracer provider on the global otel package if
// cfg.Enabled, and returns a shutdown function to flush it on exit. When
// disabled, the global no-op provider is left in place and shutdown is
// a no-op, matching engine/spans.go's "no-op until the host wires a
// real one" comment.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return noop, fmt.Errorf("build stdout trace exporter: %w", err)
	}

	sampler := sdktrace.ParentBased(samplerForRate(cfg.SampleRate))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

func samplerForRate(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}
