package main

import (
	"context"
	"log/slog"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// slogExporter writes finished spans to the logger at debug level.
type slogExporter struct {
	logger *slog.Logger
}

func (e slogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		attrs := []any{
			"span", s.Name(),
			"duration", s.EndTime().Sub(s.StartTime()),
			"status", s.Status().Code.String(),
		}
		for _, kv := range s.Attributes() {
			attrs = append(attrs, string(kv.Key), kv.Value.Emit())
		}
		e.logger.DebugContext(ctx, "trace", attrs...)
	}
	return nil
}

func (slogExporter) Shutdown(context.Context) error { return nil }

// setupTracing returns a tracer provider that reports graph transaction
// spans through the logger.
func setupTracing(logger *slog.Logger) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(slogExporter{logger: logger}),
	)
}
