// Package telemetry wraps OpenTelemetry tracing for runs, reverts, and
// degraded results.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/pentanotes/assist"

// Attribute keys.
const (
	KeyRequestID  = attribute.Key("assist.request_id")
	KeyUserID     = attribute.Key("assist.user_id")
	KeyCapability = attribute.Key("assist.capability")
	KeyKind       = attribute.Key("assist.degraded.kind")
	KeyDetail     = attribute.Key("assist.degraded.detail")
)

var (
	initOnce   sync.Once
	shutdownFn func(context.Context) error
)

// Init installs a global tracer provider. exporter is "" or "none" for a
// no-op provider, or "stdout" to pretty-print spans to stderr.
func Init(service, exporter string) (func(context.Context) error, error) {
	var initErr error
	initOnce.Do(func() {
		switch strings.ToLower(strings.TrimSpace(exporter)) {
		case "", "none":
			otel.SetTracerProvider(noop.NewTracerProvider())
			shutdownFn = func(context.Context) error { return nil }
		case "stdout":
			exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
			if err != nil {
				initErr = err
				return
			}
			tp := sdktrace.NewTracerProvider(
				sdktrace.WithBatcher(exp),
				sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", service))),
			)
			otel.SetTracerProvider(tp)
			shutdownFn = tp.Shutdown
		default:
			initErr = fmt.Errorf("unknown trace exporter %q (want none or stdout)", exporter)
		}
	})
	if shutdownFn == nil {
		shutdownFn = func(context.Context) error { return nil }
	}
	return shutdownFn, initErr
}

// StartSpan starts a span on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordDegraded adds a "degraded" event to the span in ctx.
func RecordDegraded(ctx context.Context, kind, capability, detail string) {
	trace.SpanFromContext(ctx).AddEvent("degraded", trace.WithAttributes(
		KeyKind.String(kind),
		KeyCapability.String(capability),
		KeyDetail.String(detail),
	))
}

// Fail marks span as errored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
