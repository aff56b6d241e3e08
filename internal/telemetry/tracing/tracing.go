// Package tracing provides lightweight trace/span id propagation for log and
// audit correlation. Spans are in-process only; no exporter is attached.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

// SpanContext carries the identifiers of one span.
type SpanContext struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Start        time.Time
}

type spanKey struct{}

// Start opens a span under ctx, reusing the parent trace id if present.
func Start(ctx context.Context, name string) (context.Context, SpanContext) {
	parent := FromContext(ctx)
	traceID := parent.TraceID
	if traceID == "" {
		traceID = newID(16)
	}
	sc := SpanContext{TraceID: traceID, SpanID: newID(8), ParentSpanID: parent.SpanID, Start: time.Now()}
	return context.WithValue(ctx, spanKey{}, sc), sc
}

// FromContext returns the span context stored in ctx, zero if none.
func FromContext(ctx context.Context) SpanContext {
	if ctx == nil {
		return SpanContext{}
	}
	sc, _ := ctx.Value(spanKey{}).(SpanContext)
	return sc
}

// ExtractIDs returns the trace and span ids for correlation fields.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sc := FromContext(ctx)
	return sc.TraceID, sc.SpanID
}

func newID(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
