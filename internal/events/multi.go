package events

import (
	"context"

	"mealledger.org/internal/ledger"
)

type multi []ledger.EventSink

// Multi publishes every event to each non-nil sink in order.
func Multi(sinks ...ledger.EventSink) ledger.EventSink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Publish(ctx context.Context, ev ledger.Event) {
	for _, s := range m {
		s.Publish(ctx, ev)
	}
}
