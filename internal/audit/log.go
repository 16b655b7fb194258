package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"mealledger.org/internal/auth"
	"mealledger.org/internal/ledger"
	"mealledger.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and actor context.
func LogEvent(ctx context.Context, event string, fields ...zap.Field) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	base := make([]zap.Field, 0, len(fields)+4)
	base = append(base, zap.String("type", "audit"), zap.String("event", event))
	if rid := RequestIDFromContext(ctx); rid != "" {
		base = append(base, zap.String("request_id", rid))
	}
	if a, ok := auth.ActorFromContext(ctx); ok {
		base = append(base, zap.String("actor_id", a.ID), zap.String("actor_role", string(a.Role)))
	}
	obs.Logger().Info("audit", append(base, fields...)...)
	return nil
}

// Sink records every committed ledger event in the audit log.
type Sink struct{}

func (Sink) Publish(ctx context.Context, ev ledger.Event) {
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("company_id", ev.CompanyID),
		zap.Int("entries", len(ev.Entries)),
		zap.Time("occurred_at", ev.OccurredAt),
	}
	if ev.ActorID != "" {
		fields = append(fields, zap.String("ledger_actor", ev.ActorID))
	}
	if ev.Order != nil {
		fields = append(fields,
			zap.String("order_id", ev.Order.ID),
			zap.String("order_status", string(ev.Order.Status)),
			zap.Stringer("order_cost", ev.Order.TotalCost),
		)
	}
	_ = LogEvent(ctx, string(ev.Type), fields...)
}
