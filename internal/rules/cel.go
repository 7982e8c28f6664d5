package rules

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// NewEnv creates the CEL environment expression rules compile against.
func NewEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("account_number", cel.StringType),
		cel.Variable("description", cel.StringType),
		cel.Variable("reference", cel.StringType),
		cel.Variable("provider", cel.StringType),
		cel.Variable("has_identity", cel.BoolType),
		// Calendar of the transaction date, UTC. weekday 0 is Sunday.
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.IntType),
		// Same-day account activity including the current transaction
		cel.Variable("daily_total", cel.DoubleType),
		cel.Variable("daily_count", cel.IntType),
		cel.Variable("account_class", cel.StringType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// CELRule evaluates a stored expression. The numeric result is matched
// against the configured bands; without bands a non-zero result fails.
type CELRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// CompileRule builds a CELRule from its stored configuration.
func CompileRule(env *cel.Env, cfg *domain.RuleConfig) (*CELRule, error) {
	if cfg == nil {
		return nil, fmt.Errorf("rule config is required")
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}

	ast, issues := env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CELRule{Config: cfg, Program: program}, nil
}

func (r *CELRule) ID() string            { return r.Config.ID }
func (r *CELRule) Type() domain.RuleType { return r.Config.Type }

func (r *CELRule) Severity() domain.Severity {
	if r.Config.Severity == "" {
		return domain.SeverityWarning
	}
	return r.Config.Severity
}

func (r *CELRule) Evaluate(ctx context.Context, tx *domain.BankTransaction, rc *Context, params Params) (Outcome, error) {
	out, _, err := r.Program.ContextEval(ctx, activation(tx, rc, params))
	if err != nil {
		return Outcome{}, fmt.Errorf("evaluation error: %w", err)
	}

	score := toScore(out)
	if len(r.Config.Bands) == 0 {
		if score != 0 {
			return Failed(r.Config.Description).With("score", score), nil
		}
		return Passed("").With("score", score), nil
	}

	status, reason := matchBand(score, r.Config.Bands)
	return Outcome{Status: status, Message: reason}.With("score", score), nil
}

func activation(tx *domain.BankTransaction, rc *Context, params Params) map[string]any {
	amount := tx.Amount.InexactFloat64()
	dailyTotal := rc.DailyTotal.Add(tx.Amount).InexactFloat64()
	date := tx.Date.UTC()

	p := make(map[string]any, len(params))
	for k, v := range params {
		p[k] = v
	}

	return map[string]any{
		"tx": map[string]any{
			"id":             tx.ID,
			"reference":      tx.Reference,
			"amount":         amount,
			"currency":       tx.Currency,
			"account_number": tx.AccountNumber,
			"description":    tx.Description,
			"provider":       tx.Provider,
		},
		"amount":         amount,
		"currency":       tx.Currency,
		"account_number": tx.AccountNumber,
		"description":    tx.Description,
		"reference":      tx.Reference,
		"provider":       tx.Provider,
		"has_identity":   tx.HasCustomerIdentity(),
		"hour":           int64(date.Hour()),
		"weekday":        int64(date.Weekday()),
		"daily_total":    dailyTotal,
		"daily_count":    int64(rc.DailyCount + 1),
		"account_class":  rc.AccountClass,
		"params":         p,
	}
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// matchBand finds the first band containing score: lower inclusive, upper
// exclusive, a nil upper meaning unbounded.
func matchBand(score float64, bands []domain.RuleBand) (domain.RuleStatus, string) {
	for _, band := range bands {
		if band.LowerLimit != nil && score < *band.LowerLimit {
			continue
		}
		if band.UpperLimit != nil && score >= *band.UpperLimit {
			continue
		}
		return band.Status, band.Reason
	}
	return domain.RuleStatusPassed, "no matching band"
}
