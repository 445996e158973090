package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels, NATS or Kafka.
type EventBus interface {
	// Publish sends a message to a topic. Key selects the partition where the
	// transport has partitions; it may be empty.
	Publish(ctx context.Context, topic string, key string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Key       string            `json:"key,omitempty"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel", "nats" or "kafka"
	Type string `yaml:"type"`

	// Channel settings
	ChannelBufferSize int `yaml:"channel_buffer_size"`

	// NATS settings
	NATSUrl           string `yaml:"nats_url"`
	NATSToken         string `yaml:"nats_token"`
	NATSMaxReconnects int    `yaml:"nats_max_reconnects"`
	NATSReconnectWait int    `yaml:"nats_reconnect_wait"` // seconds

	// Kafka settings
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaGroupID string   `yaml:"kafka_group_id"`
}

// Standard topic names for the scoring pipeline.
const (
	TopicClaimIngested = "axm.claim.ingested"
	TopicCaseScored    = "axm.case.scored"
	TopicCaseAlert     = "axm.case.alert"
	TopicCaseClosed    = "axm.case.closed"
)

// CaseEvent is the payload published on case topics.
type CaseEvent struct {
	ClaimID    string     `json:"claimId"`
	Generation int        `json:"generation"`
	Status     CaseStatus `json:"status"`
	Score      *CaseScore `json:"score,omitempty"`
	Decision   *Decision  `json:"decision,omitempty"`
	Resolution Resolution `json:"resolution,omitempty"`
}
