package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// engineTracer is the OTel tracer for command pipeline spans. It uses
// the global provider, which is a no-op until the host process wires a
// real one (internal/obs), grounded on steveyegge-beads's
// internal/storage/dolt tracer-as-package-var pattern.
var engineTracer = otel.Tracer("github.com/ehrlich-b/wingmux/internal/engine")

// startSpan opens a span for one pipeline stage of a command and
// returns a context carrying it plus an end function.
func startSpan(ctx context.Context, stage, cmdType, laneKey string) (context.Context, func(err error)) {
	ctx, span := engineTracer.Start(ctx, "engine."+stage, trace.WithAttributes(
		attribute.String("command.type", cmdType),
		attribute.String("command.lane", laneKey),
	))
	return ctx, func(err error) {
		endSpan(span, err)
	}
}

// endSpan records an error (if any) and ends the span, matching the
// teacher pack's dolt-store helper of the same name and shape.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
