package events

import (
	"context"
	"sync"

	"mealledger.org/internal/ledger"
	"mealledger.org/internal/obs"
)

const subscriberBuffer = 16

// Stream fans out committed ledger events to live subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

type subscriber struct {
	ch        chan ledger.Event
	companyID string
}

// NewStream initialises an empty stream.
func NewStream() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. A non-empty companyID restricts delivery to that company. The
// channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context, companyID string) <-chan ledger.Event {
	ch := make(chan ledger.Event, subscriberBuffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, companyID: companyID}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Subscribers reports the number of active subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Publish fans out the event to all matching subscribers.
func (s *Stream) Publish(_ context.Context, ev ledger.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.companyID != "" && sub.companyID != ev.CompanyID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber; never block the ledger.
			obs.EventDropped("stream")
		}
	}
}
