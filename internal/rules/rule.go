package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Context is the shared state every rule may read.
type Context struct {
	// EvaluatedAt is the evaluation timestamp. Zero means now.
	EvaluatedAt time.Time

	// AccountClass selects per-class limits such as daily ceilings.
	AccountClass string

	// DailyTotal and DailyCount cover earlier same-day activity on the
	// account, excluding the transaction under evaluation.
	DailyTotal decimal.Decimal
	DailyCount int

	History *domain.HistoricalContext
}

// NewContext derives the daily totals for tx from history.
func NewContext(tx *domain.BankTransaction, history *domain.HistoricalContext) *Context {
	rc := &Context{History: history}
	if tx == nil {
		return rc
	}
	y, m, d := tx.Date.UTC().Date()
	for _, h := range history.ForAccount(tx.AccountNumber) {
		if h.ID == tx.ID {
			continue
		}
		hy, hm, hd := h.Date.UTC().Date()
		if hy == y && hm == m && hd == d {
			rc.DailyTotal = rc.DailyTotal.Add(h.Amount)
			rc.DailyCount++
		}
	}
	return rc
}

// Outcome is what a rule reports for one transaction.
type Outcome struct {
	Status  domain.RuleStatus
	Message string
	Details map[string]any
}

// Passed, Failed, Warning and NotApplicable build outcomes.
func Passed(msg string) Outcome  { return Outcome{Status: domain.RuleStatusPassed, Message: msg} }
func Failed(msg string) Outcome  { return Outcome{Status: domain.RuleStatusFailed, Message: msg} }
func Warning(msg string) Outcome { return Outcome{Status: domain.RuleStatusWarning, Message: msg} }
func NotApplicable(msg string) Outcome {
	return Outcome{Status: domain.RuleStatusNotApplicable, Message: msg}
}

// With attaches a detail to the outcome.
func (o Outcome) With(key string, value any) Outcome {
	if o.Details == nil {
		o.Details = make(map[string]any)
	}
	o.Details[key] = value
	return o
}

// Rule is a single business rule. Implementations must not retain tx.
type Rule interface {
	ID() string
	Type() domain.RuleType
	Severity() domain.Severity
	Evaluate(ctx context.Context, tx *domain.BankTransaction, rc *Context, params Params) (Outcome, error)
}

// EvalFunc is the body of a FuncRule.
type EvalFunc func(tx *domain.BankTransaction, rc *Context, params Params) Outcome

// FuncRule adapts a Go function to the Rule interface.
type FuncRule struct {
	RuleID       string
	RuleType     domain.RuleType
	RuleSeverity domain.Severity
	Fn           EvalFunc
}

func (r *FuncRule) ID() string                { return r.RuleID }
func (r *FuncRule) Type() domain.RuleType     { return r.RuleType }
func (r *FuncRule) Severity() domain.Severity { return r.RuleSeverity }

func (r *FuncRule) Evaluate(ctx context.Context, tx *domain.BankTransaction, rc *Context, params Params) (Outcome, error) {
	if r.Fn == nil {
		return Outcome{}, fmt.Errorf("rule %s has no evaluation function", r.RuleID)
	}
	return r.Fn(tx, rc, params), nil
}

// Predicate turns a boolean check into an EvalFunc. A true result passes.
func Predicate(check func(tx *domain.BankTransaction, rc *Context, params Params) bool, failMessage string) EvalFunc {
	return func(tx *domain.BankTransaction, rc *Context, params Params) Outcome {
		if check(tx, rc, params) {
			return Passed("")
		}
		return Failed(failMessage)
	}
}

// Params holds rule parameters. Values decoded from JSON arrive as float64,
// string, bool, []any or map[string]any.
type Params map[string]any

// Float returns key as a float64, or def.
func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case decimal.Decimal:
		return v.InexactFloat64()
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d.InexactFloat64()
		}
	}
	return def
}

// Decimal returns key as a decimal, or def. Strings parse exactly.
func (p Params) Decimal(key string, def decimal.Decimal) decimal.Decimal {
	switch v := p[key].(type) {
	case decimal.Decimal:
		return v
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(v)
	case int:
		return decimal.NewFromInt(int64(v))
	case int64:
		return decimal.NewFromInt(v)
	}
	return def
}

// Int returns key as an int, or def.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// String returns key as a string, or def.
func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return def
}

// Map returns key as a nested parameter set, or nil.
func (p Params) Map(key string) Params {
	switch v := p[key].(type) {
	case map[string]any:
		return Params(v)
	case Params:
		return v
	}
	return nil
}

// Decimals returns key as a list of decimals.
func (p Params) Decimals(key string) []decimal.Decimal {
	var out []decimal.Decimal
	switch v := p[key].(type) {
	case []decimal.Decimal:
		return v
	case []any:
		for _, item := range v {
			if d := (Params{"v": item}).Decimal("v", decimal.Zero); !d.IsZero() {
				out = append(out, d)
			}
		}
	case []string:
		for _, s := range v {
			if d, err := decimal.NewFromString(s); err == nil {
				out = append(out, d)
			}
		}
	}
	return out
}

func (p Params) clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
