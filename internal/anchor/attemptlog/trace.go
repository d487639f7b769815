package attemptlog

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// TraceInfo holds the OTel identifiers extracted from a context.
type TraceInfo struct {
	// TraceID is the W3C trace ID (32 lowercase hex chars).
	// Empty if no active span is found in the context.
	TraceID string
	SpanID  string
}

// ExtractTraceInfo reads the active OpenTelemetry span from ctx and returns
// its trace_id and span_id as hex strings. Both are empty when ctx carries no
// valid span (e.g. in unit tests).
func ExtractTraceInfo(ctx context.Context) TraceInfo {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceInfo{}
	}
	return TraceInfo{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

// NewEntry builds an Attempt with the trace info extracted from ctx.
//
//	entry := attemptlog.NewEntry(ctx, "FINALIZATION", "B1", hash, 2, attemptlog.OutcomeConfirmed)
//	_ = repo.Save(ctx, entry)
func NewEntry(ctx context.Context, eventType, batchID, contentHash string, number int, outcome Outcome) *Attempt {
	ti := ExtractTraceInfo(ctx)
	return &Attempt{
		Key:         Key(eventType, batchID),
		EventType:   eventType,
		BatchID:     batchID,
		ContentHash: contentHash,
		Number:      number,
		Outcome:     outcome,
		TraceID:     ti.TraceID,
		SpanID:      ti.SpanID,
		At:          time.Now().UTC(),
	}
}
