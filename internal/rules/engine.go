// Package rules provides the business rule engine: an ordered registry of Go
// and CEL rules evaluated against a transaction and its shared context.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrRuleNotFound  = errors.New("rule not found")
	ErrDuplicateRule = errors.New("rule already registered")
)

// Config controls engine behaviour.
type Config struct {
	// FailFast stops evaluation at the first failed rule of at least
	// FailFastSeverity.
	FailFast         bool            `json:"failFast" mapstructure:"fail_fast"`
	FailFastSeverity domain.Severity `json:"failFastSeverity" mapstructure:"fail_fast_severity"`

	// Reraise makes Evaluate return an error when a rule breaks instead of
	// recording an error result.
	Reraise bool `json:"reraise" mapstructure:"reraise"`

	Disabled   []string                  `json:"disabled" mapstructure:"disabled"`
	Parameters map[string]map[string]any `json:"parameters" mapstructure:"parameters"`
}

// RuleError is returned by Evaluate in re-raise mode.
type RuleError struct {
	RuleID string
	Err    error
}

func (e *RuleError) Error() string { return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err) }
func (e *RuleError) Unwrap() error { return e.Err }

// RuleInfo describes a registered rule.
type RuleInfo struct {
	ID         string          `json:"id"`
	Type       domain.RuleType `json:"type"`
	Severity   domain.Severity `json:"severity"`
	Enabled    bool            `json:"enabled"`
	Source     string          `json:"source"`
	Expression string          `json:"expression,omitempty"`
	Parameters Params          `json:"parameters,omitempty"`
}

type entry struct {
	rule    Rule
	enabled bool
	params  Params
}

// Engine is the business rule engine. Registry changes and evaluation may run
// concurrently.
type Engine struct {
	mu      sync.RWMutex
	env     *cel.Env
	entries []*entry
	cfg     Config
}

// NewEngine creates an engine with an empty registry.
func NewEngine(cfg Config) (*Engine, error) {
	env, err := NewEnv()
	if err != nil {
		return nil, err
	}
	if cfg.FailFastSeverity == "" {
		cfg.FailFastSeverity = domain.SeverityCritical
	}
	return &Engine{env: env, cfg: cfg}, nil
}

// NewDefaultEngine creates an engine loaded with the default rule set and the
// configured toggles and parameter overrides applied.
func NewDefaultEngine(cfg Config) (*Engine, error) {
	e, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	for _, d := range DefaultRules() {
		if err := e.Register(d.Rule, d.Params); err != nil {
			return nil, err
		}
	}
	if err := e.applyConfig(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) applyConfig() error {
	for _, id := range e.cfg.Disabled {
		if err := e.SetEnabled(id, false); err != nil {
			return err
		}
	}
	for id, params := range e.cfg.Parameters {
		if err := e.SetParameters(id, params); err != nil {
			return err
		}
	}
	return nil
}

// Register appends an enabled rule with its default parameters.
func (e *Engine) Register(rule Rule, params Params) error {
	if rule == nil || rule.ID() == "" {
		return fmt.Errorf("rule with an id is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.find(rule.ID()) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.ID())
	}
	e.entries = append(e.entries, &entry{rule: rule, enabled: true, params: params.clone()})
	return nil
}

// SetEnabled toggles a rule.
func (e *Engine) SetEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.find(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	e.entries[i].enabled = enabled
	return nil
}

// SetParameters merges params into a rule's parameters.
func (e *Engine) SetParameters(id string, params map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.find(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	merged := e.entries[i].params.clone()
	for k, v := range params {
		merged[k] = v
	}
	e.entries[i].params = merged
	return nil
}

// ValidateRule compiles an expression rule without touching the registry.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	_, err := CompileRule(e.env, cfg)
	return err
}

// LoadRule compiles an expression rule and registers it, replacing an
// earlier version in place.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	compiled, err := CompileRule(e.env, cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	en := &entry{rule: compiled, enabled: cfg.Enabled, params: Params(cfg.Parameters).clone()}
	if i := e.find(cfg.ID); i >= 0 {
		if _, ok := e.entries[i].rule.(*CELRule); !ok {
			return fmt.Errorf("%w: %s is a built-in rule", ErrDuplicateRule, cfg.ID)
		}
		e.entries[i] = en
		return nil
	}
	e.entries = append(e.entries, en)
	return nil
}

// ReloadRules replaces every expression rule with configs. Built-in rules are
// kept. Nothing changes if any config fails to compile.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	compiled := make([]*entry, 0, len(configs))
	for _, cfg := range configs {
		r, err := CompileRule(e.env, cfg)
		if err != nil {
			return err
		}
		compiled = append(compiled, &entry{rule: r, enabled: cfg.Enabled, params: Params(cfg.Parameters).clone()})
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	kept := make([]*entry, 0, len(e.entries)+len(compiled))
	for _, en := range e.entries {
		if _, ok := en.rule.(*CELRule); !ok {
			kept = append(kept, en)
		}
	}
	for _, en := range compiled {
		for _, k := range kept {
			if k.rule.ID() == en.rule.ID() {
				return fmt.Errorf("%w: %s is a built-in rule", ErrDuplicateRule, en.rule.ID())
			}
		}
		kept = append(kept, en)
	}
	e.entries = kept
	return nil
}

// Store is where expression rules are persisted.
type Store interface {
	ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error)
}

// Sync reloads expression rules from store.
func (e *Engine) Sync(ctx context.Context, store Store) error {
	configs, err := store.ListRuleConfigs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list rule configs: %w", err)
	}
	if err := e.ReloadRules(configs); err != nil {
		return err
	}
	slog.Info("rules synced from store", "expression_rules", len(configs))
	return nil
}

// Rules describes the registry in evaluation order.
func (e *Engine) Rules() []RuleInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]RuleInfo, 0, len(e.entries))
	for _, en := range e.entries {
		info := RuleInfo{
			ID:         en.rule.ID(),
			Type:       en.rule.Type(),
			Severity:   en.rule.Severity(),
			Enabled:    en.enabled,
			Source:     "builtin",
			Parameters: en.params.clone(),
		}
		if c, ok := en.rule.(*CELRule); ok {
			info.Source = "expression"
			info.Expression = c.Config.Expression
		}
		out = append(out, info)
	}
	return out
}

// RulesCount returns the number of registered rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// Evaluate runs every enabled rule in registry order. A rule that errors or
// panics yields an error result with critical severity; only in re-raise
// mode does Evaluate itself fail.
func (e *Engine) Evaluate(ctx context.Context, tx *domain.BankTransaction, rc *Context) (*domain.BusinessRuleEngineResult, error) {
	if tx == nil {
		return nil, errors.New("transaction is nil")
	}
	if rc == nil {
		rc = NewContext(tx, nil)
	}
	if rc.EvaluatedAt.IsZero() {
		c := *rc
		c.EvaluatedAt = time.Now().UTC()
		rc = &c
	}

	e.mu.RLock()
	active := make([]entry, 0, len(e.entries))
	for _, en := range e.entries {
		if en.enabled {
			active = append(active, *en)
		}
	}
	failFast, failFastSeverity, reraise := e.cfg.FailFast, e.cfg.FailFastSeverity, e.cfg.Reraise
	e.mu.RUnlock()

	result := &domain.BusinessRuleEngineResult{
		TransactionID:        tx.ID,
		RuleResults:          make([]domain.RuleResult, 0, len(active)),
		RegulatoryViolations: []domain.RuleResult{},
		CriticalFailures:     []domain.RuleResult{},
		Warnings:             []domain.RuleResult{},
	}

	for _, en := range active {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rr, err := evaluateRule(ctx, en, tx, rc)
		if err != nil && reraise {
			return nil, &RuleError{RuleID: en.rule.ID(), Err: err}
		}
		result.RuleResults = append(result.RuleResults, rr)

		if failFast && rr.Status == domain.RuleStatusFailed && rr.Severity.AtLeast(failFastSeverity) {
			break
		}
	}

	categorize(result)
	return result, nil
}

// evaluateRule runs one rule, converting errors and panics into an error result.
func evaluateRule(ctx context.Context, en entry, tx *domain.BankTransaction, rc *Context) (rr domain.RuleResult, err error) {
	start := time.Now()
	rr = domain.RuleResult{
		RuleID:   en.rule.ID(),
		RuleType: en.rule.Type(),
		Severity: en.rule.Severity(),
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			slog.Warn("rule execution failed", "rule_id", rr.RuleID, "tx_id", tx.ID, "error", err)
			rr.Status = domain.RuleStatusError
			rr.Severity = domain.SeverityCritical
			rr.Message = fmt.Sprintf("rule execution failed: %v", err)
			rr.Details = nil
		}
		rr.ProcessMs = time.Since(start).Milliseconds()
	}()

	out, err := en.rule.Evaluate(ctx, tx, rc, en.params)
	if err != nil {
		return rr, err
	}
	if out.Status == "" {
		out.Status = domain.RuleStatusPassed
	}
	rr.Status = out.Status
	rr.Message = out.Message
	rr.Details = out.Details
	return rr, nil
}

// categorize fills the violation lists, summary and overall status.
func categorize(r *domain.BusinessRuleEngineResult) {
	var s domain.RuleSummary
	for _, rr := range r.RuleResults {
		s.Total++
		switch rr.Status {
		case domain.RuleStatusPassed:
			s.Passed++
		case domain.RuleStatusFailed:
			s.Failed++
			switch {
			case rr.Severity == domain.SeverityRegulatoryViolation:
				r.RegulatoryViolations = append(r.RegulatoryViolations, rr)
			case rr.Severity == domain.SeverityCritical:
				r.CriticalFailures = append(r.CriticalFailures, rr)
			default:
				r.Warnings = append(r.Warnings, rr)
			}
		case domain.RuleStatusWarning:
			s.Warnings++
			r.Warnings = append(r.Warnings, rr)
		case domain.RuleStatusNotApplicable:
			s.NotApplicable++
		case domain.RuleStatusError:
			s.Errors++
		}
	}
	r.Summary = s

	switch {
	case len(r.RegulatoryViolations) > 0, len(r.CriticalFailures) > 0:
		r.OverallStatus = domain.OverallFailed
	case s.Errors > 0:
		r.OverallStatus = domain.OverallError
	case len(r.Warnings) > 0:
		r.OverallStatus = domain.OverallWarning
	default:
		r.OverallStatus = domain.OverallPassed
	}
}

func (e *Engine) find(id string) int {
	for i, en := range e.entries {
		if en.rule.ID() == id {
			return i
		}
	}
	return -1
}
