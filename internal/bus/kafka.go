package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/axm/internal/domain"
	"github.com/segmentio/kafka-go"
)

// KafkaBus implements EventBus on Kafka. Messages are keyed so that every
// event for one claim lands on the same partition. A failing handler is
// retried a few times before the offset is committed.
type KafkaBus struct {
	mu      sync.Mutex
	writer  *kafka.Writer
	readers map[string]*kafkaSubscription
	config  domain.EventBusConfig
	closed  bool
}

type kafkaSubscription struct {
	bus    *KafkaBus
	id     string
	topic  string
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafkaBus creates a Kafka producer. Readers are created per subscription.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers are required", domain.ErrInvalidInput)
	}
	if cfg.KafkaGroupID == "" {
		cfg.KafkaGroupID = "axm"
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            5,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
	}

	slog.Info("Kafka producer created", "brokers", cfg.KafkaBrokers)

	return &KafkaBus{
		writer:  writer,
		readers: make(map[string]*kafkaSubscription),
		config:  cfg,
	}, nil
}

// Publish writes a message to a Kafka topic.
func (b *KafkaBus) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := encodeMessage(topic, key, payload)
	if err != nil {
		return err
	}

	err = b.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	return nil
}

// Subscribe starts a consumer-group reader for topic. Offsets are committed
// after the handler returns, so a crash redelivers the message.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        b.config.KafkaBrokers,
		Topic:          topic,
		GroupID:        b.config.KafkaGroupID,
		CommitInterval: 0,
		StartOffset:    kafka.LastOffset,
		MaxBytes:       10e6,
	})

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		bus:    b,
		id:     uuid.New().String(),
		topic:  topic,
		reader: reader,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	b.readers[sub.id] = sub

	go sub.run(subCtx, handler)

	return sub, nil
}

func (s *kafkaSubscription) run(ctx context.Context, handler domain.MessageHandler) {
	defer close(s.done)
	for {
		km, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("failed to fetch kafka message", "topic", s.topic, "error", err)
			continue
		}

		var msg domain.Message
		if err := json.Unmarshal(km.Value, &msg); err != nil {
			slog.Error("failed to unmarshal kafka message",
				"topic", km.Topic,
				"offset", km.Offset,
				"error", err,
			)
		} else if err := deliver(ctx, handler, &msg, handlerAttempts); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("handler failed, skipping message",
				"topic", km.Topic,
				"offset", km.Offset,
				"message_id", msg.ID,
				"error", err,
			)
		}

		if err := s.reader.CommitMessages(ctx, km); err != nil && ctx.Err() == nil {
			slog.Warn("failed to commit kafka offset", "topic", km.Topic, "error", err)
		}
	}
}

// handlerAttempts bounds redelivery of one Kafka message before its offset is
// committed anyway, so a poison message cannot stall the partition.
const handlerAttempts = 3

// deliver calls handler until it succeeds, attempts run out or ctx ends.
func deliver(ctx context.Context, handler domain.MessageHandler, msg *domain.Message, attempts uint) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, handler(ctx, msg)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(attempts),
	)
	return err
}

// Ping dials the first reachable broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range b.config.KafkaBrokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Close stops all readers and flushes the writer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*kafkaSubscription, 0, len(b.readers))
	for _, sub := range b.readers {
		subs = append(subs, sub)
	}
	b.readers = make(map[string]*kafkaSubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.stop()
	}
	return b.writer.Close()
}

func (s *kafkaSubscription) stop() error {
	s.cancel()
	<-s.done
	return s.reader.Close()
}

// Unsubscribe stops the reader and leaves the consumer group.
func (s *kafkaSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	_, ok := s.bus.readers[s.id]
	delete(s.bus.readers, s.id)
	s.bus.mu.Unlock()
	if !ok {
		return nil
	}
	return s.stop()
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
