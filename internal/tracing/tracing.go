// Package tracing wires the session, task manager and scheduler packages
// into a single OpenTelemetry tracer, grounded on the teacher's
// internal/agent/loop_tracing.go span-per-operation idiom (agent span,
// LLM-call span, tool-call span) but using the real otel SDK API rather
// than the teacher's bespoke span-collector/store.SpanData types.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nextlevelbuilder/agentsubstrate"

// Init installs a process-wide TracerProvider. With no exporter configured
// this still records spans in-process (useful for the sampler/processor
// chain and for tests that inspect recorded spans); wiring an OTLP
// exporter is left to the host's managed-mode deployment, not the library
// surface these packages need.
func Init(serviceName string) (shutdown func(context.Context) error) {
	if serviceName == "" {
		serviceName = "agentsubstrate"
	}
	res, _ := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	))
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan starts a span named name on the package-wide tracer, tagging it
// with the given key/value attribute pairs (must be even length: k1, v1,
// k2, v2, ...). Callers must call the returned end func exactly once.
func StartSpan(ctx context.Context, name string, attrs ...string) (context.Context, func(err error)) {
	ctx, span := tracer().Start(ctx, name, trace.WithAttributes(stringAttrs(attrs)...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

func stringAttrs(kv []string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, attribute.String(kv[i], kv[i+1]))
	}
	return out
}
