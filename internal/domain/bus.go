package domain

import (
	"context"
)

// EventBus defines the interface for outbound event publication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

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
	// Type is the bus type: "channel", "nats" or "none"
	Type string `mapstructure:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `mapstructure:"channel_buffer_size"`

	// NATS settings (Pro tier)
	NATSUrl           string `mapstructure:"nats_url"`
	NATSToken         string `mapstructure:"nats_token"`
	NATSMaxReconnects int    `mapstructure:"nats_max_reconnects"`
	NATSReconnectWait int    `mapstructure:"nats_reconnect_wait"` // seconds
	NATSSubjectPrefix string `mapstructure:"nats_subject_prefix"`

	// NATSQueueGroup load-balances each subject across subscribers sharing
	// the group, so several workers persist a stream once.
	NATSQueueGroup string `mapstructure:"nats_queue_group"`
}

// Topics published by the processor.
const (
	TopicTransactionReady    = "kestrel.transaction.ready"
	TopicTransactionEnriched = "kestrel.transaction.enriched"
	TopicTransactionFailed   = "kestrel.transaction.failed"
)

// TopicForStatus returns the outbound topic for a final status.
func TopicForStatus(status TransactionStatus) string {
	switch status {
	case StatusReadyForInvoice:
		return TopicTransactionReady
	case StatusEnriched:
		return TopicTransactionEnriched
	default:
		return TopicTransactionFailed
	}
}
