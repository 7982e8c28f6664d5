// Package validation implements structural and format checks on a single
// bank transaction.
package validation

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// paramNow is injected into every rule's params with the validation-call timestamp.
const paramNow = "now"

// CheckFunc is a pure predicate over a field value. It returns true when the
// value passes.
type CheckFunc func(value any, tx *domain.BankTransaction, params map[string]any) bool

// Rule is a single configurable validation check.
type Rule struct {
	Name     string
	Field    string
	Severity domain.Severity
	Message  string
	Check    CheckFunc
	Params   map[string]any
}

// Config controls the validator.
type Config struct {
	FailFast      bool                       `json:"failFast" mapstructure:"fail_fast"`
	Policy        domain.ValidityPolicy      `json:"policy" mapstructure:"policy"`
	MaxAmount     float64                    `json:"maxAmount" mapstructure:"max_amount"`
	MaxAgeDays    int                        `json:"maxAgeDays" mapstructure:"max_age_days"`
	DisabledRules []string                   `json:"disabledRules" mapstructure:"disabled_rules"`
	Severities    map[string]domain.Severity `json:"severities" mapstructure:"severities"`
}

// DefaultConfig returns the standard validator configuration.
func DefaultConfig() Config {
	return Config{
		MaxAmount:  10_000_000,
		MaxAgeDays: 365,
	}
}

// Context carries per-call inputs. A nil Context uses the validator clock.
type Context struct {
	Now time.Time
}

// Validator applies an ordered list of rules to a transaction.
// It holds no per-transaction state and is safe for concurrent use.
type Validator struct {
	rules  []Rule
	config Config
	now    func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock overrides the clock used when no Context is supplied.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithRules replaces the default rule set.
func WithRules(rules []Rule) Option {
	return func(v *Validator) { v.rules = rules }
}

// New creates a validator. Disabled rules are dropped and severity overrides
// applied once here.
func New(cfg Config, opts ...Option) *Validator {
	v := &Validator{
		config: cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.rules == nil {
		v.rules = DefaultRules(cfg)
	}

	disabled := make(map[string]bool, len(cfg.DisabledRules))
	for _, name := range cfg.DisabledRules {
		disabled[name] = true
	}

	active := make([]Rule, 0, len(v.rules))
	for _, r := range v.rules {
		if disabled[r.Name] {
			continue
		}
		if sev, ok := cfg.Severities[r.Name]; ok && sev.IsValid() {
			r.Severity = sev
		}
		active = append(active, r)
	}
	v.rules = active
	return v
}

// Rules returns the active rules in evaluation order.
func (v *Validator) Rules() []Rule {
	out := make([]Rule, len(v.rules))
	copy(out, v.rules)
	return out
}

// Validate runs every active rule against tx.
func (v *Validator) Validate(tx *domain.BankTransaction, vctx *Context) *domain.ValidationResult {
	now := v.now()
	if vctx != nil && !vctx.Now.IsZero() {
		now = vctx.Now
	}
	now = now.UTC()

	if tx == nil {
		issue := domain.ValidationIssue{
			RuleName:  "transaction_required",
			FieldName: "transaction",
			Severity:  domain.SeverityCritical,
			Message:   "transaction is nil",
		}
		return domain.NewValidationResult("", []domain.ValidationIssue{issue}, v.config.Policy, now)
	}

	var issues []domain.ValidationIssue
	for _, rule := range v.rules {
		issue, failed := v.apply(rule, tx, now)
		if !failed {
			continue
		}
		issues = append(issues, issue)
		if v.config.FailFast && issue.Severity.AtLeast(domain.SeverityError) {
			break
		}
	}

	return domain.NewValidationResult(tx.ID, issues, v.config.Policy, now)
}

// apply evaluates one rule. A panicking predicate is reported as a critical
// issue about the rule itself.
func (v *Validator) apply(rule Rule, tx *domain.BankTransaction, now time.Time) (issue domain.ValidationIssue, failed bool) {
	value := FieldValue(tx, rule.Field)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("validation rule panicked",
				"rule", rule.Name,
				"tx_id", tx.ID,
				"panic", r,
			)
			issue = domain.ValidationIssue{
				RuleName:     rule.Name,
				FieldName:    rule.Field,
				Severity:     domain.SeverityCritical,
				Message:      fmt.Sprintf("rule execution failed: %v", r),
				CurrentValue: display(value),
			}
			failed = true
		}
	}()

	params := make(map[string]any, len(rule.Params)+1)
	for k, val := range rule.Params {
		params[k] = val
	}
	params[paramNow] = now

	if rule.Check(value, tx, params) {
		return domain.ValidationIssue{}, false
	}

	return domain.ValidationIssue{
		RuleName:     rule.Name,
		FieldName:    rule.Field,
		Severity:     rule.Severity,
		Message:      rule.Message,
		CurrentValue: display(value),
	}, true
}

// RiskLevel maps a validation result onto the shared risk scale.
func RiskLevel(r *domain.ValidationResult) domain.RiskLevel {
	switch {
	case r == nil:
		return domain.RiskVeryLow
	case r.CriticalCount > 0:
		return domain.RiskCritical
	case r.ErrorsCount > 0:
		return domain.RiskHigh
	case r.WarningsCount > 0:
		return domain.RiskLow
	default:
		return domain.RiskVeryLow
	}
}

// Confidence expresses how much the validation outcome can be trusted, in [0,1].
func Confidence(r *domain.ValidationResult) float64 {
	if r == nil {
		return 0
	}
	c := 1.0 - 0.1*float64(r.WarningsCount) - 0.25*float64(r.ErrorsCount) - 0.5*float64(r.CriticalCount)
	if c < 0 {
		return 0
	}
	return c
}

func display(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case time.Time:
		if v.IsZero() {
			return ""
		}
		return v.Format(time.RFC3339)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func paramFloat(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func paramInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
