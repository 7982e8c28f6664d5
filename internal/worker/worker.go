// Package worker persists pipeline outcomes published on the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Store receives decoded outcomes.
type Store interface {
	SaveProcessed(ctx context.Context, rec *domain.ProcessedRecord) error
}

// Worker subscribes to the outbound topics and writes every outcome to the store.
type Worker struct {
	bus   domain.EventBus
	store Store

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	saved  atomic.Int64
	failed atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Topics to persist. Empty means every outbound topic.
	Topics []string
}

// DefaultTopics are the topics the processor publishes on.
var DefaultTopics = []string{
	domain.TopicTransactionReady,
	domain.TopicTransactionEnriched,
	domain.TopicTransactionFailed,
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, store Store) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		store:  store,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the configured topics.
func (w *Worker) Start(cfg Config) error {
	topics := cfg.Topics
	if len(topics) == 0 {
		topics = DefaultTopics
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, topic := range topics {
		sub, err := w.bus.Subscribe(w.ctx, topic, w.handleMessage)
		if err != nil {
			for _, s := range w.subscriptions {
				s.Unsubscribe()
			}
			w.subscriptions = nil
			return err
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	slog.Info("persistence worker started",
		"topics", topics,
	)
	return nil
}

// envelope is the part of a published ProcessingResult the worker indexes.
type envelope struct {
	TransactionID        string                   `json:"transactionId"`
	Status               domain.TransactionStatus `json:"status"`
	StartedAt            time.Time                `json:"startedAt"`
	ProcessedTransaction *struct {
		Metadata struct {
			RiskLevel   domain.RiskLevel `json:"riskLevel"`
			CompletedAt time.Time        `json:"completedAt"`
		} `json:"metadata"`
		Enrichment struct {
			Category domain.Category `json:"category"`
		} `json:"enrichment"`
	} `json:"processedTransaction"`
}

// Decode turns a published payload into a storable record.
func Decode(payload []byte) (*domain.ProcessedRecord, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	if env.TransactionID == "" {
		return nil, errors.New("payload has no transaction id")
	}

	rec := &domain.ProcessedRecord{
		TransactionID: env.TransactionID,
		Status:        env.Status,
		Payload:       payload,
		ProcessedAt:   env.StartedAt,
	}
	if pt := env.ProcessedTransaction; pt != nil {
		rec.Category = pt.Enrichment.Category
		rec.RiskLevel = pt.Metadata.RiskLevel
		if !pt.Metadata.CompletedAt.IsZero() {
			rec.ProcessedAt = pt.Metadata.CompletedAt
		}
	}
	return rec, nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	rec, err := Decode(msg.Payload)
	if err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse result message",
			"message_id", msg.ID,
			"topic", msg.Topic,
			"error", err,
		)
		return err
	}

	if err := w.store.SaveProcessed(ctx, rec); err != nil {
		w.failed.Add(1)
		slog.Error("failed to save processed transaction",
			"tx_id", rec.TransactionID,
			"error", err,
		)
		return err
	}
	w.saved.Add(1)

	slog.Debug("processed transaction saved",
		"tx_id", rec.TransactionID,
		"status", rec.Status,
		"topic", msg.Topic,
	)
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("persistence worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Saved             int64    `json:"saved"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Saved:             w.saved.Load(),
		Failed:            w.failed.Load(),
	}
}
