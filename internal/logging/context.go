package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey struct{}

func ContextWithLogger(ctx context.Context, log *zap.Logger) context.Context {
	if log == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext returns the request logger, or fallback when none is set. The
// current span's trace id is attached when a span is recording.
func FromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	log := fallback
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && l != nil {
		log = l
	}
	if log == nil {
		log = zap.NewNop()
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		log = log.With(zap.String("trace_id", sc.TraceID().String()), zap.String("span_id", sc.SpanID().String()))
	}
	return log
}
