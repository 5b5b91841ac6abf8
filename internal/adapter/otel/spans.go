package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "helmsman"

// StartTurnSpan starts a span covering one FSM turn.
func StartTurnSpan(ctx context.Context, sessionID, phaseCompleted string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "turn",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("turn.phase_completed", phaseCompleted),
		),
	)
}

// EndTurnSpan records the turn's outcome before ending the span.
func EndTurnSpan(span trace.Span, nextPhase, status string) {
	span.SetAttributes(
		attribute.String("turn.next_phase", nextPhase),
		attribute.String("turn.status", status),
	)
	span.End()
}

// StartFetchSpan starts a span for one outbound knowledge fetch.
func StartFetchSpan(ctx context.Context, endpointID, url string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "fetch",
		trace.WithAttributes(
			attribute.String("endpoint.id", endpointID),
			attribute.String("http.url", url),
		),
	)
}
