package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"mealledger.org/internal/ledger"
	"mealledger.org/internal/obs"
)

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 5 * time.Second
	breakerTripFailures = 5
)

// MessageWriter is the subset of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink ships committed ledger events to a Kafka topic. Publish only
// enqueues; a background goroutine writes through a circuit breaker so a
// broker outage costs dropped events, never ledger latency.
type KafkaSink struct {
	writer  MessageWriter
	cb      *gobreaker.CircuitBreaker
	log     *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	done   chan struct{}
}

type KafkaOption func(*kafkaConfig)

type kafkaConfig struct {
	writer       MessageWriter
	log          *zap.Logger
	queueSize    int
	writeTimeout time.Duration
	breaker      time.Duration
}

func WithKafkaWriter(w MessageWriter) KafkaOption {
	return func(c *kafkaConfig) { c.writer = w }
}

func WithKafkaLogger(l *zap.Logger) KafkaOption {
	return func(c *kafkaConfig) { c.log = l }
}

func WithKafkaQueueSize(n int) KafkaOption {
	return func(c *kafkaConfig) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

func WithKafkaWriteTimeout(d time.Duration) KafkaOption {
	return func(c *kafkaConfig) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithKafkaBreakerTimeout sets how long the breaker stays open before
// letting a probe through.
func WithKafkaBreakerTimeout(d time.Duration) KafkaOption {
	return func(c *kafkaConfig) {
		if d > 0 {
			c.breaker = d
		}
	}
}

// NewKafkaSink starts the writer goroutine. Call Close to flush and stop it.
func NewKafkaSink(brokers []string, topic string, opts ...KafkaOption) *KafkaSink {
	cfg := kafkaConfig{
		queueSize:    defaultQueueSize,
		writeTimeout: defaultWriteTimeout,
		breaker:      30 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = obs.Logger()
	}
	if cfg.writer == nil {
		cfg.writer = &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		}
	}
	log := cfg.log.With(zap.String("sink", "kafka"), zap.String("topic", topic))
	s := &KafkaSink{
		writer:  cfg.writer,
		log:     log,
		timeout: cfg.writeTimeout,
		queue:   make(chan kafka.Message, cfg.queueSize),
		done:    make(chan struct{}),
	}
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "kafka-events",
		Timeout: cfg.breaker,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit_breaker_state", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	go s.run()
	return s
}

// Publish enqueues the event keyed by company so per-company order holds
// within a partition. Events are dropped when the queue is full.
func (s *KafkaSink) Publish(_ context.Context, ev ledger.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("event_encode_failed", zap.String("event_id", ev.ID), zap.Error(err))
		obs.EventDropped("kafka")
		return
	}
	msg := kafka.Message{
		Key:   []byte(ev.CompanyID),
		Value: payload,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "event_id", Value: []byte(ev.ID)},
		},
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		obs.EventDropped("kafka")
		return
	}
	select {
	case s.queue <- msg:
	default:
		obs.EventDropped("kafka")
	}
}

func (s *KafkaSink) run() {
	defer close(s.done)
	for msg := range s.queue {
		s.write(msg)
	}
}

func (s *KafkaSink) write(msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.writer.WriteMessages(ctx, msg)
	})
	if err != nil {
		s.log.Warn("event_publish_failed", zap.ByteString("key", msg.Key), zap.Error(err))
		obs.EventDropped("kafka")
	}
}

// Close stops accepting events, drains the queue and closes the writer.
// It returns ctx.Err() if draining outlives ctx.
func (s *KafkaSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.writer.Close()
}
