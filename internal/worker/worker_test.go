package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

type memStore struct {
	mu   sync.Mutex
	recs map[string]*domain.ProcessedRecord
	err  error
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]*domain.ProcessedRecord)}
}

func (s *memStore) SaveProcessed(_ context.Context, rec *domain.ProcessedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.recs[rec.TransactionID] = rec
	return nil
}

func (s *memStore) get(id string) *domain.ProcessedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recs[id]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func resultPayload(t *testing.T, txID string, status domain.TransactionStatus, withProcessed bool) []byte {
	t.Helper()
	msg := map[string]any{
		"id":            "res-" + txID,
		"transactionId": txID,
		"success":       withProcessed,
		"status":        status,
		"startedAt":     time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC),
	}
	if withProcessed {
		msg["processedTransaction"] = map[string]any{
			"id":     txID,
			"status": status,
			"metadata": map[string]any{
				"riskLevel":   domain.RiskLow,
				"completedAt": time.Date(2024, 3, 13, 10, 0, 1, 0, time.UTC),
			},
			"enrichment": map[string]any{"category": domain.CategoryATMWithdrawal},
		}
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return payload
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()
	ctx := context.Background()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, newMemStore())
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != len(DefaultTopics) {
			t.Errorf("expected %d subscriptions, got %d", len(DefaultTopics), stats.SubscriptionCount)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := w.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("PersistsPublishedResults", func(t *testing.T) {
		store := newMemStore()
		w := NewWorker(eventBus, store)
		if err := w.Start(Config{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		ready := resultPayload(t, "tx-ready", domain.StatusReadyForInvoice, true)
		if err := eventBus.Publish(ctx, domain.TopicTransactionReady, ready); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		failed := resultPayload(t, "tx-failed", domain.StatusFailed, false)
		if err := eventBus.Publish(ctx, domain.TopicTransactionFailed, failed); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		waitFor(t, func() bool { return w.GetStats().Saved == 2 })

		rec := store.get("tx-ready")
		if rec == nil {
			t.Fatal("expected ready record")
		}
		if rec.Category != domain.CategoryATMWithdrawal || rec.RiskLevel != domain.RiskLow {
			t.Errorf("expected indexed columns, got %s %s", rec.Category, rec.RiskLevel)
		}
		if string(rec.Payload) != string(ready) {
			t.Error("payload should be stored as published")
		}
		if rec := store.get("tx-failed"); rec == nil || rec.Status != domain.StatusFailed {
			t.Errorf("expected failed record, got %+v", rec)
		}
	})

	t.Run("TopicSubset", func(t *testing.T) {
		store := newMemStore()
		w := NewWorker(eventBus, store)
		if err := w.Start(Config{Topics: []string{domain.TopicTransactionFailed}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		eventBus.Publish(ctx, domain.TopicTransactionReady, resultPayload(t, "tx-skip", domain.StatusReadyForInvoice, true))
		eventBus.Publish(ctx, domain.TopicTransactionFailed, resultPayload(t, "tx-keep", domain.StatusFailed, false))

		waitFor(t, func() bool { return store.get("tx-keep") != nil })
		if store.get("tx-skip") != nil {
			t.Error("unsubscribed topic should not be stored")
		}
	})

	t.Run("StoreErrorsCounted", func(t *testing.T) {
		store := newMemStore()
		store.err = errors.New("disk full")
		w := NewWorker(eventBus, store)
		if err := w.Start(Config{Topics: []string{domain.TopicTransactionEnriched}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		eventBus.Publish(ctx, domain.TopicTransactionEnriched, resultPayload(t, "tx-e", domain.StatusEnriched, true))
		eventBus.Publish(ctx, domain.TopicTransactionEnriched, []byte("not json"))

		waitFor(t, func() bool { return w.GetStats().Failed == 2 })
		if w.GetStats().Saved != 0 {
			t.Error("nothing should be saved")
		}
	})
}

func TestDecode(t *testing.T) {
	t.Run("Processed", func(t *testing.T) {
		rec, err := Decode(resultPayload(t, "tx-1", domain.StatusReadyForInvoice, true))
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if rec.TransactionID != "tx-1" || rec.Status != domain.StatusReadyForInvoice {
			t.Errorf("unexpected record %+v", rec)
		}
		if !rec.ProcessedAt.Equal(time.Date(2024, 3, 13, 10, 0, 1, 0, time.UTC)) {
			t.Errorf("expected completion time, got %s", rec.ProcessedAt)
		}
	})

	t.Run("FailedUsesStart", func(t *testing.T) {
		rec, err := Decode(resultPayload(t, "tx-2", domain.StatusFailed, false))
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if rec.Category != "" {
			t.Errorf("failed result has no category, got %s", rec.Category)
		}
		if !rec.ProcessedAt.Equal(time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC)) {
			t.Errorf("expected start time, got %s", rec.ProcessedAt)
		}
	})

	t.Run("MissingID", func(t *testing.T) {
		if _, err := Decode([]byte(`{"status":"FAILED"}`)); err == nil {
			t.Error("expected error for payload without transaction id")
		}
	})
}
