package telemetry

import (
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// TraceHook adds trace_id and span_id to events logged with .Ctx(ctx) inside
// a recording span.
type TraceHook struct{}

func (TraceHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		e.Str("trace_id", sc.TraceID().String())
	}
	if sc.HasSpanID() {
		e.Str("span_id", sc.SpanID().String())
	}
}
