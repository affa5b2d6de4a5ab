// Package tracing holds the OpenTelemetry span helpers used by the exporter.
// Spans go to the global tracer provider, which SetupProviders installs
// when an OTLP endpoint is configured; otherwise they are no-ops.
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Sternrassler/graph-exporter"

func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func StartRunSpan(ctx context.Context, trigger time.Time, streams int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "exporter.run",
		trace.WithAttributes(
			attribute.String("run.trigger", trigger.Format(time.RFC3339)),
			attribute.Int("run.streams", streams),
		),
	)
}

func StartWindowSpan(ctx context.Context, stream int, start, end time.Time) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "exporter.window",
		trace.WithAttributes(
			attribute.Int("window.stream", stream),
			attribute.String("window.start", start.Format(time.RFC3339Nano)),
			attribute.String("window.end", end.Format(time.RFC3339Nano)),
		),
	)
}

func StartPageSpan(ctx context.Context, page int, url string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "exporter.page",
		trace.WithAttributes(
			attribute.Int("page.number", page),
			attribute.String("url", url),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

func StartPushSpan(ctx context.Context, mode string, chunk, records int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "exporter.push",
		trace.WithAttributes(
			attribute.String("queue.mode", mode),
			attribute.Int("chunk.index", chunk),
			attribute.Int("chunk.records", records),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// End records err on the span, sets its status and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func RecordWindowResult(span trace.Span, pages, records, throttles int, err error) {
	span.SetAttributes(
		attribute.Int("window.pages", pages),
		attribute.Int("window.records", records),
		attribute.Int("window.throttles", throttles),
	)
	End(span, err)
}

func RecordRunResult(span trace.Span, records, delivered, failedWindows int, err error) {
	span.SetAttributes(
		attribute.Int("run.records", records),
		attribute.Int("run.delivered", delivered),
		attribute.Int("run.failed_windows", failedWindows),
	)
	End(span, err)
}
