package ledger

import (
	"context"
	"time"
)

// EventType names a committed ledger mutation.
type EventType string

const (
	EventWalletFunded      EventType = "wallet.funded"
	EventBudgetAllocated   EventType = "budget.allocated"
	EventBudgetDeallocated EventType = "budget.deallocated"
	EventOrderPlaced       EventType = "order.placed"
	EventOrderCancelled    EventType = "order.cancelled"
	EventOrderStatus       EventType = "order.status_changed"
)

// Event is published after a mutation has committed.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	CompanyID  string    `json:"company_id"`
	ActorID    string    `json:"actor_id,omitempty"`
	Entries    []Entry   `json:"entries,omitempty"`
	Order      *Order    `json:"order,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventSink receives committed events. Publish must not block on the
// network; sinks that ship events elsewhere queue them.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) {}

// Observer is notified about every service operation. internal/obs
// provides the Prometheus implementation.
type Observer interface {
	ObserveOperation(op string, elapsed time.Duration, err error)
	ObserveReconciliation(mismatches int)
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, time.Duration, error) {}
func (nopObserver) ObserveReconciliation(int)                     {}
