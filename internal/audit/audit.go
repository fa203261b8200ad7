// Package audit emits structured audit records for every balance-affecting
// operation. The sink is write-only from the financial core's perspective:
// a failed audit write is logged and never rolls back the money movement.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

type contextKey string

const (
	ctxActorID   contextKey = "audit_actor_id"
	ctxRequestID contextKey = "audit_request_id"
)

// WithActor attaches the acting user to the context for audit records.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, ctxActorID, actorID)
}

// WithRequestID attaches a request ID for audit correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestID, requestID)
}

// ActorFromContext returns the acting user, defaulting to "system".
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxActorID).(string); ok && v != "" {
		return v
	}
	return "system"
}

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		return v
	}
	return ""
}

// RiskLevel classifies how sensitive an audited action is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Record is a single audit log entry.
type Record struct {
	ID           int64     `json:"id"`
	PerformedBy  string    `json:"performedBy"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resourceType"`
	ResourceID   string    `json:"resourceId"`
	BeforeState  string    `json:"beforeState,omitempty"`
	AfterState   string    `json:"afterState,omitempty"`
	RiskLevel    RiskLevel `json:"riskLevel"`
	Status       string    `json:"status"`
	RequestID    string    `json:"requestId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Logger persists audit records.
type Logger interface {
	Log(ctx context.Context, rec *Record) error
}

// Emit writes an audit record, filling actor and request ID from context.
// Failures are logged at error level and swallowed — auditing must never
// abort the financial transaction it describes.
func Emit(ctx context.Context, sink Logger, log *slog.Logger, rec *Record) {
	if sink == nil {
		return
	}
	if rec.PerformedBy == "" {
		rec.PerformedBy = ActorFromContext(ctx)
	}
	if rec.RequestID == "" {
		rec.RequestID = requestIDFromContext(ctx)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := sink.Log(ctx, rec); err != nil && log != nil {
		log.Error("audit write failed",
			"action", rec.Action,
			"resource_type", rec.ResourceType,
			"resource_id", rec.ResourceID,
			"error", err,
		)
	}
}

// Snapshot marshals a state object for before/after fields.
func Snapshot(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
