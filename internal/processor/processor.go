// Package processor runs bank transactions through the analysis pipeline and
// assembles the finalised ProcessedTransaction.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/duplicate"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/pattern"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/validation"
)

// EngineVersion is stamped on every processed transaction.
const EngineVersion = "kestrel-1.0"

var tracer = otel.Tracer("kestrel-processor")

// Stages toggles individual pipeline stages.
type Stages struct {
	Validation bool `json:"validation" mapstructure:"validation"`
	Duplicates bool `json:"duplicates" mapstructure:"duplicates"`
	Amount     bool `json:"amount" mapstructure:"amount"`
	Rules      bool `json:"rules" mapstructure:"rules"`
	Pattern    bool `json:"pattern" mapstructure:"pattern"`
	Enrichment bool `json:"enrichment" mapstructure:"enrichment"`
}

// FailFast decides which stage outcomes stop processing.
type FailFast struct {
	ValidationErrors bool             `json:"validationErrors" mapstructure:"validation_errors"`
	Duplicates       bool             `json:"duplicates" mapstructure:"duplicates"`
	RuleViolations   bool             `json:"ruleViolations" mapstructure:"rule_violations"`
	HighRisk         bool             `json:"highRisk" mapstructure:"high_risk"`
	HighRiskLevel    domain.RiskLevel `json:"highRiskLevel" mapstructure:"high_risk_level"`

	// SuspectedDuplicates extends Duplicates to flag-level matches.
	SuspectedDuplicates bool `json:"suspectedDuplicates" mapstructure:"suspected_duplicates"`
}

// Config holds processor configuration.
type Config struct {
	Stages   Stages   `json:"stages" mapstructure:"stages"`
	FailFast FailFast `json:"failFast" mapstructure:"fail_fast"`

	// Batch execution
	Parallel  bool `json:"parallel" mapstructure:"parallel"`
	ChunkSize int  `json:"chunkSize" mapstructure:"chunk_size"`
	Workers   int  `json:"workers" mapstructure:"workers"`

	// AccountClass is passed to the business rules for class-specific limits.
	AccountClass string `json:"accountClass" mapstructure:"account_class"`
}

// DefaultConfig enables every stage. Confirmed duplicates and high fraud risk
// abort processing; suspected duplicates, validation errors and rule
// violations do not.
func DefaultConfig() Config {
	return Config{
		Stages: Stages{
			Validation: true,
			Duplicates: true,
			Amount:     true,
			Rules:      true,
			Pattern:    true,
			Enrichment: true,
		},
		FailFast: FailFast{
			Duplicates:    true,
			HighRisk:      true,
			HighRiskLevel: domain.RiskVeryHigh,
		},
		ChunkSize: 50,
		Workers:   4,
	}
}

// Components are the stage implementations. A component may be nil only when
// its stage is disabled.
type Components struct {
	Validator *validation.Validator
	Detector  *duplicate.Detector
	Amounts   *fraud.Validator
	Rules     *rules.Engine
	Matcher   *pattern.Matcher
}

// ProcessedStore persists pipeline outcomes.
type ProcessedStore interface {
	SaveProcessed(ctx context.Context, rec *domain.ProcessedRecord) error
}

// Option configures a Processor.
type Option func(*Processor)

// WithStore persists every finalised transaction to store.
func WithStore(store ProcessedStore) Option {
	return func(p *Processor) { p.store = store }
}

// WithBus publishes every result on the outbound topic for its status.
func WithBus(bus domain.EventBus) Option {
	return func(p *Processor) { p.bus = bus }
}

// WithClock sets the clock used for timestamps and validation.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// Processor is the pipeline orchestrator. It never mutates a stage result;
// it only aggregates.
type Processor struct {
	cfg   Config
	c     Components
	store ProcessedStore
	bus   domain.EventBus
	now   func() time.Time
}

// New creates a processor.
func New(cfg Config, c Components, opts ...Option) (*Processor, error) {
	missing := func(enabled bool, present bool, stage domain.ProcessingStage) error {
		if enabled && !present {
			return fmt.Errorf("stage %s is enabled without a component", stage)
		}
		return nil
	}
	if err := errors.Join(
		missing(cfg.Stages.Validation, c.Validator != nil, domain.StageValidation),
		missing(cfg.Stages.Duplicates, c.Detector != nil, domain.StageDuplicateDetection),
		missing(cfg.Stages.Amount, c.Amounts != nil, domain.StageAmountValidation),
		missing(cfg.Stages.Rules, c.Rules != nil, domain.StageBusinessRules),
		missing(cfg.Stages.Pattern, c.Matcher != nil, domain.StagePatternMatching),
	); err != nil {
		return nil, err
	}

	if cfg.FailFast.HighRiskLevel == "" {
		cfg.FailFast.HighRiskLevel = domain.RiskVeryHigh
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	p := &Processor{
		cfg: cfg,
		c:   c,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Config returns the processor configuration.
func (p *Processor) Config() Config {
	return p.cfg
}

// Process runs tx through every enabled stage. history, when not nil, is the
// earlier activity used by context-dependent checks. The result is never nil.
func (p *Processor) Process(ctx context.Context, tx *domain.BankTransaction, history *domain.HistoricalContext) *domain.ProcessingResult {
	r := p.newRun(tx, history)
	ctx, span := tracer.Start(ctx, "process", trace.WithAttributes(attribute.String("tx_id", r.txID())))
	defer span.End()

	r.guard(func() {
		if !p.validate(ctx, r) {
			return
		}
		if p.cfg.Stages.Duplicates {
			p.checkDuplicate(ctx, r)
		}
		if !p.gateDuplicate(r) {
			return
		}
		p.assessAmount(ctx, r)
		if !p.gateAmount(r) {
			return
		}
		if !p.evaluateRules(ctx, r) {
			return
		}
		if !p.matchPattern(ctx, r) {
			return
		}
		p.finalize(ctx, r)
	})

	p.complete(ctx, r)
	if !r.result.Success {
		span.SetStatus(codes.Error, string(r.result.ProcessingStage))
	}
	return r.result
}

// complete stamps timing, logs, persists and publishes a finished run.
func (p *Processor) complete(ctx context.Context, r *run) {
	res := r.result
	res.DurationMs = p.now().Sub(r.started).Milliseconds()
	if !res.Success {
		res.Status = domain.StatusFailed
		res.ProcessedTransaction = nil
	}

	// Outbound side effects still happen for cancelled runs.
	out := context.WithoutCancel(ctx)

	if p.store != nil && res.ProcessedTransaction != nil {
		rec, err := domain.NewProcessedRecord(res)
		if err == nil {
			err = p.store.SaveProcessed(out, rec)
		}
		if err != nil {
			slog.Error("failed to save processed transaction",
				"tx_id", res.TransactionID,
				"error", err,
			)
			res.Warnings = append(res.Warnings, fmt.Sprintf("persistence failed: %v", err))
		}
	}

	if p.bus != nil {
		if payload, err := jsonMarshal(res); err == nil {
			if err := p.bus.Publish(out, domain.TopicForStatus(res.Status), payload); err != nil {
				slog.Error("failed to publish result",
					"tx_id", res.TransactionID,
					"error", err,
				)
			}
		}
	}

	level := slog.LevelInfo
	if !res.Success {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "transaction processed",
		"tx_id", res.TransactionID,
		"success", res.Success,
		"stage", res.ProcessingStage,
		"status", res.Status,
		"duration_ms", res.DurationMs,
	)
}

func newResultID() string {
	return uuid.New().String()
}
