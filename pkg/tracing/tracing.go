// Package tracing provides a process-wide OpenTelemetry TracerProvider and
// a thin StartSpan helper, grounded in the OTel wiring from
// dshills-langgraph-go's graph/emit.OTelEmitter: spans wrap one ingestion
// cycle, one checkpoint job attempt, and one rollback operation, carrying
// the same session_id/job_id/rollback_id attributes the rest of this repo
// puts on log lines via pkg/log.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/cuemby/repograph"

// Config configures the process-wide tracer provider.
type Config struct {
	// ServiceName identifies this process in exported spans.
	ServiceName string
	// SampleRatio is the fraction of traces sampled, in [0,1]. 0 disables
	// sampling entirely (all spans become no-ops via ParentBased(Never)).
	SampleRatio float64
}

// DefaultConfig samples every span, matching a development/debug profile.
func DefaultConfig() Config {
	return Config{ServiceName: "repograph", SampleRatio: 1.0}
}

// provider is the process-wide TracerProvider set up by Init. nil until
// Init runs; callers that never call Init get the otel no-op provider via
// otel.Tracer, so StartSpan is always safe to call.
var provider *sdktrace.TracerProvider

// Init installs a process-wide TracerProvider built from cfg. No exporter
// is wired here, so the provider is local and export-free, suitable for a
// metrics-only deployment; a caller can attach one to the returned
// provider with RegisterSpanProcessor.
func Init(cfg Config) *sdktrace.TracerProvider {
	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tp)
	provider = tp
	return tp
}

// Shutdown flushes and releases the process-wide provider, if one was
// installed via Init.
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}

// StartSpan starts a span named name under the process tracer, returning
// the derived context and the span so the caller can End() it (typically
// via defer).
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// EndWithError sets the span's status from err (ok if nil, error otherwise)
// and ends it. Callers that already defer span.End() should call this
// instead of End() directly so failures show up in trace backends.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// SessionAttr, JobAttr, and RollbackAttr build the identifying attribute
// each kind of span carries, mirroring pkg/log's ForSession/ForJob
// per-entity logger tags.
func SessionAttr(sessionID string) attribute.KeyValue {
	return attribute.String("session_id", sessionID)
}

func JobAttr(jobID string) attribute.KeyValue {
	return attribute.String("job_id", jobID)
}

func RollbackAttr(rollbackID string) attribute.KeyValue {
	return attribute.String("rollback_id", rollbackID)
}
