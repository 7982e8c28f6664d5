package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
// "none" returns a bus that drops every event.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	case "none":
		return NopBus{}, nil

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// NopBus discards published events.
type NopBus struct{}

func (NopBus) Publish(ctx context.Context, topic string, payload []byte) error { return nil }

func (NopBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return nopSubscription(topic), nil
}

func (NopBus) Ping(ctx context.Context) error { return nil }

func (NopBus) Close() error { return nil }

type nopSubscription string

func (s nopSubscription) Unsubscribe() error { return nil }

func (s nopSubscription) Topic() string { return string(s) }

func newMessage(topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  map[string]string{"content-type": "application/json"},
		Timestamp: time.Now().UnixNano(),
	}
}
