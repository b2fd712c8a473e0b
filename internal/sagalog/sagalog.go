// Package sagalog records every state change of a saga run so that a failed
// or interrupted order creation can be traced back to its external calls.
package sagalog

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusStepDone     Status = "STEP_DONE"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusFailed       Status = "FAILED"
)

// Entry is one append-only row of the saga_logs table.
type Entry struct {
	SagaID      string
	Status      Status
	CurrentStep string
	// Errors is a JSON array of failure messages.
	Errors    string
	TraceID   string
	SpanID    string
	CreatedAt time.Time
}

// Repository persists saga log entries.
type Repository interface {
	Save(ctx context.Context, e *Entry) error
}

// NewEntry builds an entry stamped with the span active in ctx, if any.
func NewEntry(ctx context.Context, sagaID string, status Status, step string, errs []string) *Entry {
	e := &Entry{
		SagaID:      sagaID,
		Status:      status,
		CurrentStep: step,
		Errors:      "[]",
		CreatedAt:   time.Now().UTC(),
	}
	if len(errs) > 0 {
		if b, err := json.Marshal(errs); err == nil {
			e.Errors = string(b)
		}
	}

	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.IsValid() {
		e.TraceID = sc.TraceID().String()
		e.SpanID = sc.SpanID().String()
	}
	return e
}
