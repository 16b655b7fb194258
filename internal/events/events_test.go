package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mealledger.org/internal/ledger"
)

func event(id, company string) ledger.Event {
	return ledger.Event{
		ID:         id,
		Type:       ledger.EventWalletFunded,
		CompanyID:  company,
		OccurredAt: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
	}
}

func TestStreamFiltersByCompany(t *testing.T) {
	s := NewStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all := s.Subscribe(ctx, "")
	c1 := s.Subscribe(ctx, "c1")
	require.Equal(t, 2, s.Subscribers())

	s.Publish(ctx, event("evt_1", "c2"))
	s.Publish(ctx, event("evt_2", "c1"))

	require.Equal(t, "evt_1", (<-all).ID)
	require.Equal(t, "evt_2", (<-all).ID)
	require.Equal(t, "evt_2", (<-c1).ID)
	select {
	case ev := <-c1:
		t.Fatalf("unexpected event for c1 subscriber: %+v", ev)
	default:
	}
}

func TestStreamDropsForSlowSubscriberAndClosesOnCancel(t *testing.T) {
	s := NewStream()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx, "")

	for i := 0; i < subscriberBuffer+5; i++ {
		s.Publish(context.Background(), event("evt", "c1"))
	}
	require.Len(t, ch, subscriberBuffer)

	cancel()
	require.Eventually(t, func() bool { return s.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	n := 0
	for range ch {
		n++
	}
	require.Equal(t, subscriberBuffer, n)
}

type recordSink struct{ got []string }

func (r *recordSink) Publish(_ context.Context, ev ledger.Event) { r.got = append(r.got, ev.ID) }

func TestMultiSkipsNil(t *testing.T) {
	a, b := &recordSink{}, &recordSink{}
	m := Multi(a, nil, b)
	m.Publish(context.Background(), event("evt_1", "c1"))
	require.Equal(t, []string{"evt_1"}, a.got)
	require.Equal(t, []string{"evt_1"}, b.got)
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	calls  int
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestKafkaSinkWritesKeyedMessages(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaSink(nil, "ledger.events", WithKafkaWriter(w), WithKafkaLogger(zap.NewNop()))

	sink.Publish(context.Background(), event("evt_1", "c1"))
	sink.Publish(context.Background(), event("evt_2", "c2"))
	require.NoError(t, sink.Close(context.Background()))

	require.True(t, w.closed)
	require.Len(t, w.msgs, 2)
	require.Equal(t, "c1", string(w.msgs[0].Key))
	require.Equal(t, "c2", string(w.msgs[1].Key))

	var decoded ledger.Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	require.Equal(t, "evt_1", decoded.ID)
	require.Equal(t, ledger.EventWalletFunded, decoded.Type)

	// After Close, publishing is a counted drop rather than a panic.
	sink.Publish(context.Background(), event("evt_3", "c1"))
	require.Len(t, w.msgs, 2)
}

func TestKafkaSinkBreakerStopsCallingBroker(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	sink := NewKafkaSink(nil, "ledger.events",
		WithKafkaWriter(w),
		WithKafkaLogger(zap.NewNop()),
		WithKafkaBreakerTimeout(time.Hour),
	)
	for i := 0; i < 12; i++ {
		sink.Publish(context.Background(), event("evt", "c1"))
	}
	require.NoError(t, sink.Close(context.Background()))
	require.Equal(t, breakerTripFailures, w.calls)
}
