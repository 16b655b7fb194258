package audit

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"mealledger.org/internal/auth"
	"mealledger.org/internal/ledger"
	"mealledger.org/internal/money"
	"mealledger.org/internal/obs"
)

func captureLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	restore := obs.SetLogger(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func TestLogEvent(t *testing.T) {
	logs := captureLogs(t)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithActor(ctx, auth.Actor{ID: "user-42", Role: auth.RoleSuperAdmin})

	if err := LogEvent(ctx, "audit.test", zap.String("foo", "bar")); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	if logs.Len() != 1 {
		t.Fatalf("expected one log entry, got %d", logs.Len())
	}
	entry := logs.All()[0].ContextMap()
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "audit.test" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["actor_id"] != "user-42" {
		t.Fatalf("unexpected actor id: %v", entry["actor_id"])
	}
	if entry["foo"] != "bar" {
		t.Fatalf("field missing or incorrect: %v", entry["foo"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	captureLogs(t)
	if err := LogEvent(context.Background(), "  "); err == nil {
		t.Fatal("expected error for blank event name")
	}
}

func TestSinkRecordsOrderEvents(t *testing.T) {
	logs := captureLogs(t)

	Sink{}.Publish(context.Background(), ledger.Event{
		ID:        "evt_1",
		Type:      ledger.EventOrderCancelled,
		CompanyID: "c1",
		ActorID:   "e1",
		Order: &ledger.Order{
			ID:        "ord_1",
			Status:    ledger.StatusCancelled,
			TotalCost: money.MustParse("16.00"),
		},
		OccurredAt: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
	})

	got := logs.FilterField(zap.String("event", "order.cancelled")).All()
	if len(got) != 1 {
		t.Fatalf("expected one audit entry for the cancellation, got %d", len(got))
	}
	fields := got[0].ContextMap()
	if fields["order_id"] != "ord_1" || fields["order_cost"] != "16.00" {
		t.Fatalf("order fields missing: %v", fields)
	}
}
