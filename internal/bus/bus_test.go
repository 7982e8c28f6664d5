package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func waitFor(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var received atomic.Pointer[domain.Message]

		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, domain.TopicTransactionReady, func(ctx context.Context, msg *domain.Message) error {
			received.Store(msg)
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, domain.TopicTransactionReady, []byte(`{"id":"tx-1"}`)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		waitFor(t, &wg)

		msg := received.Load()
		if msg == nil {
			t.Fatal("message not received")
		}
		if string(msg.Payload) != `{"id":"tx-1"}` {
			t.Errorf("unexpected payload: %s", msg.Payload)
		}
		if msg.Topic != domain.TopicTransactionReady {
			t.Errorf("expected topic %s, got %s", domain.TopicTransactionReady, msg.Topic)
		}
		if msg.ID == "" || msg.Timestamp == 0 {
			t.Error("expected message envelope to carry id and timestamp")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var failed atomic.Int32

		_, _ = bus.Subscribe(ctx, domain.TopicTransactionFailed, func(ctx context.Context, msg *domain.Message) error {
			failed.Add(1)
			return nil
		})

		var wg sync.WaitGroup
		wg.Add(1)
		_, _ = bus.Subscribe(ctx, domain.TopicTransactionEnriched, func(ctx context.Context, msg *domain.Message) error {
			wg.Done()
			return nil
		})

		_ = bus.Publish(ctx, domain.TopicTransactionEnriched, []byte("x"))
		waitFor(t, &wg)

		if failed.Load() != 0 {
			t.Error("subscriber of another topic received the message")
		}
	})

	t.Run("RequiresTopic", func(t *testing.T) {
		if err := bus.Publish(ctx, "", []byte("x")); err == nil {
			t.Error("expected error for empty topic")
		}
		if _, err := bus.Subscribe(ctx, "", nil); err == nil {
			t.Error("expected error for empty topic")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, err := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}

		_ = bus.Publish(ctx, "unsub.topic", []byte("after"))
		time.Sleep(20 * time.Millisecond)

		if count.Load() != 0 {
			t.Errorf("expected 0 messages after unsubscribe, got %d", count.Load())
		}

		bus.mu.RLock()
		remaining := len(bus.subscriptions["unsub.topic"])
		bus.mu.RUnlock()
		if remaining != 0 {
			t.Errorf("expected subscription to be removed, %d remain", remaining)
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(3)

		for i := 0; i < 3; i++ {
			_, _ = bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
				wg.Done()
				return nil
			})
		}

		_ = bus.Publish(ctx, "multi.topic", []byte("fanout"))
		waitFor(t, &wg)
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, "named.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		defer sub.Unsubscribe()

		if sub.Topic() != "named.topic" {
			t.Errorf("expected topic 'named.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(10)
	ctx := context.Background()

	_, _ = bus.Subscribe(ctx, "t", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if err := bus.Publish(ctx, "t", []byte("x")); err == nil {
		t.Error("expected error publishing to closed bus")
	}
	if _, err := bus.Subscribe(ctx, "t", nil); err == nil {
		t.Error("expected error subscribing to closed bus")
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping to fail on closed bus")
	}

	// Double close is a no-op.
	if err := bus.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 10})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer b.Close()

		if _, ok := b.(*ChannelBus); !ok {
			t.Errorf("expected *ChannelBus, got %T", b)
		}
	})

	t.Run("NoneType", func(t *testing.T) {
		b, err := New(domain.EventBusConfig{Type: "none"})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if err := b.Publish(context.Background(), domain.TopicTransactionReady, []byte("x")); err != nil {
			t.Errorf("nop publish failed: %v", err)
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unsupported bus type")
		}
	})
}

func TestChannelBusConcurrentPublish(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()
	const publishers = 10
	const perPublisher = 50

	var received atomic.Int32
	var wg sync.WaitGroup
	wg.Add(publishers * perPublisher)

	_, err := bus.Subscribe(ctx, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for p := 0; p < publishers; p++ {
		go func() {
			for i := 0; i < perPublisher; i++ {
				_ = bus.Publish(ctx, "load.topic", []byte("m"))
			}
		}()
	}

	waitFor(t, &wg)

	if got := received.Load(); got != publishers*perPublisher {
		t.Errorf("expected %d messages, got %d", publishers*perPublisher, got)
	}
}

func TestTopicForStatus(t *testing.T) {
	tests := []struct {
		status domain.TransactionStatus
		want   string
	}{
		{domain.StatusReadyForInvoice, domain.TopicTransactionReady},
		{domain.StatusEnriched, domain.TopicTransactionEnriched},
		{domain.StatusFailed, domain.TopicTransactionFailed},
	}

	for _, tt := range tests {
		if got := domain.TopicForStatus(tt.status); got != tt.want {
			t.Errorf("TopicForStatus(%s) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestNATSEnvelope(t *testing.T) {
	msg := newMessage(domain.TopicTransactionReady, []byte(`{"transactionId":"tx-1"}`))

	m, err := encodeNATSMsg("bank."+domain.TopicTransactionReady, msg)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if m.Subject != "bank.kestrel.transaction.ready" {
		t.Errorf("unexpected subject: %s", m.Subject)
	}
	if m.Header.Get(HeaderMessageID) != msg.ID {
		t.Errorf("expected message id header %s, got %s", msg.ID, m.Header.Get(HeaderMessageID))
	}
	if m.Header.Get(HeaderTopic) != domain.TopicTransactionReady {
		t.Errorf("expected topic header, got %s", m.Header.Get(HeaderTopic))
	}

	decoded, err := decodeNATSMsg(m)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.ID != msg.ID || string(decoded.Payload) != string(msg.Payload) {
		t.Errorf("round trip mismatch: %+v", decoded)
	}

	t.Run("HeadersFillMissingFields", func(t *testing.T) {
		raw := nats.NewMsg("kestrel.transaction.failed")
		raw.Data = []byte(`{"payload":"e30="}`)
		raw.Header.Set(HeaderMessageID, "msg-1")
		raw.Header.Set(HeaderTopic, domain.TopicTransactionFailed)

		decoded, err := decodeNATSMsg(raw)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded.ID != "msg-1" || decoded.Topic != domain.TopicTransactionFailed {
			t.Errorf("expected header values, got id=%s topic=%s", decoded.ID, decoded.Topic)
		}
		if string(decoded.Payload) != "{}" {
			t.Errorf("unexpected payload: %s", decoded.Payload)
		}
	})

	t.Run("InvalidData", func(t *testing.T) {
		raw := nats.NewMsg("x")
		raw.Data = []byte("not json")
		if _, err := decodeNATSMsg(raw); err == nil {
			t.Error("expected decode error")
		}
	})
}
