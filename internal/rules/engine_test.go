package rules

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var weekday = time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC)

func testTx(amount string) *domain.BankTransaction {
	return &domain.BankTransaction{
		ID:            "tx-001",
		Reference:     "GTB/2024/000123",
		Amount:        decimal.RequireFromString(amount),
		Currency:      "NGN",
		AccountNumber: "1234567890",
		Date:          weekday,
		Description:   "ATM CASH WITHDRAWAL GTB",
	}
}

func funcRule(id string, severity domain.Severity, out Outcome) *FuncRule {
	return &FuncRule{
		RuleID:       id,
		RuleType:     domain.RuleTypeOperational,
		RuleSeverity: severity,
		Fn: func(*domain.BankTransaction, *Context, Params) Outcome {
			return out
		},
	}
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(Config{})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}

	result, err := engine.Evaluate(context.Background(), testTx("100"), nil)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if result.OverallStatus != domain.OverallPassed {
		t.Errorf("expected PASSED for empty registry, got %s", result.OverallStatus)
	}
}

func TestLoadRule(t *testing.T) {
	engine, _ := NewEngine(Config{})

	rule := &domain.RuleConfig{
		ID:         "test-rule-001",
		Name:       "Test Rule",
		Expression: "amount > 100.0",
		Enabled:    true,
	}

	if err := engine.LoadRule(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}
	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount())
	}

	// Loading a new version replaces in place
	rule2 := *rule
	rule2.Expression = "amount > 200.0"
	if err := engine.LoadRule(&rule2); err != nil {
		t.Fatalf("failed to reload rule: %v", err)
	}
	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule after replace, got %d", engine.RulesCount())
	}
	if got := engine.Rules()[0].Expression; got != "amount > 200.0" {
		t.Errorf("expected replaced expression, got %q", got)
	}
}

func TestLoadInvalidRule(t *testing.T) {
	engine, _ := NewEngine(Config{})

	tests := []struct {
		name string
		cfg  *domain.RuleConfig
	}{
		{"nil", nil},
		{"missing id", &domain.RuleConfig{Expression: "amount > 0.0"}},
		{"bad syntax", &domain.RuleConfig{ID: "bad", Expression: "this is not valid CEL !!!"}},
		{"string output", &domain.RuleConfig{ID: "str", Expression: "description"}},
		{"unknown variable", &domain.RuleConfig{ID: "unk", Expression: "debtor_id == creditor_id"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := engine.ValidateRule(tt.cfg); err == nil {
				t.Error("expected validation error")
			}
			if err := engine.LoadRule(tt.cfg); err == nil {
				t.Error("expected load error")
			}
		})
	}

	if engine.RulesCount() != 0 {
		t.Errorf("invalid rules must not be registered, got %d", engine.RulesCount())
	}
}

func TestEvaluateBandedRule(t *testing.T) {
	engine, _ := NewEngine(Config{})

	zero := 0.0
	half := 0.5
	one := 1.0

	rule := &domain.RuleConfig{
		ID:         "high-value-001",
		Type:       domain.RuleTypeOperational,
		Severity:   domain.SeverityCritical,
		Expression: "amount > 1000000.0 ? 1.0 : (amount > 100000.0 ? 0.5 : 0.0)",
		Bands: []domain.RuleBand{
			{LowerLimit: &zero, UpperLimit: &half, Status: domain.RuleStatusPassed, Reason: "Normal amount"},
			{LowerLimit: &half, UpperLimit: &one, Status: domain.RuleStatusWarning, Reason: "Elevated amount"},
			{LowerLimit: &one, UpperLimit: nil, Status: domain.RuleStatusFailed, Reason: "High amount"},
		},
		Enabled: true,
	}
	if err := engine.LoadRule(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	tests := []struct {
		amount  string
		status  domain.RuleStatus
		overall domain.OverallStatus
	}{
		{"500", domain.RuleStatusPassed, domain.OverallPassed},
		{"150000", domain.RuleStatusWarning, domain.OverallWarning},
		{"2000000", domain.RuleStatusFailed, domain.OverallFailed},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			result, err := engine.Evaluate(context.Background(), testTx(tt.amount), nil)
			if err != nil {
				t.Fatalf("evaluation failed: %v", err)
			}
			if len(result.RuleResults) != 1 {
				t.Fatalf("expected 1 result, got %d", len(result.RuleResults))
			}
			if got := result.RuleResults[0].Status; got != tt.status {
				t.Errorf("expected %s, got %s", tt.status, got)
			}
			if result.OverallStatus != tt.overall {
				t.Errorf("expected overall %s, got %s", tt.overall, result.OverallStatus)
			}
		})
	}
}

func TestEvaluateBooleanRule(t *testing.T) {
	engine, _ := NewEngine(Config{})

	rule := &domain.RuleConfig{
		ID:          "missing-reference",
		Description: "reference is missing",
		Severity:    domain.SeverityWarning,
		Expression:  `reference == ""`,
		Enabled:     true,
	}
	engine.LoadRule(rule)

	ctx := context.Background()

	result, _ := engine.Evaluate(ctx, testTx("100"), nil)
	if result.RuleResults[0].Status != domain.RuleStatusPassed {
		t.Errorf("expected passed with reference, got %s", result.RuleResults[0].Status)
	}

	tx := testTx("100")
	tx.Reference = ""
	result, _ = engine.Evaluate(ctx, tx, nil)
	rr := result.RuleResults[0]
	if rr.Status != domain.RuleStatusFailed {
		t.Errorf("expected failed without reference, got %s", rr.Status)
	}
	if rr.Message != "reference is missing" {
		t.Errorf("expected description as message, got %q", rr.Message)
	}
	if result.OverallStatus != domain.OverallWarning {
		t.Errorf("warning-severity failure should give WARNING, got %s", result.OverallStatus)
	}
}

func TestExpressionContext(t *testing.T) {
	engine, _ := NewEngine(Config{})

	rule := &domain.RuleConfig{
		ID:         "daily-cap",
		Severity:   domain.SeverityCritical,
		Expression: "daily_total > params.limit && daily_count >= 2 && weekday == 3 && hour == 10",
		Parameters: map[string]any{"limit": 20000.0},
		Enabled:    true,
	}
	if err := engine.LoadRule(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	tx := testTx("15000")
	earlier := testTx("10000")
	earlier.ID = "tx-000"
	earlier.Date = weekday.Add(-2 * time.Hour)

	rc := NewContext(tx, domain.NewHistoricalContext([]*domain.BankTransaction{earlier}))
	result, err := engine.Evaluate(context.Background(), tx, rc)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if result.RuleResults[0].Status != domain.RuleStatusFailed {
		t.Errorf("expected failed for daily total 25000, got %s: %s",
			result.RuleResults[0].Status, result.RuleResults[0].Message)
	}

	// Without history the same transaction stays under the cap
	result, _ = engine.Evaluate(context.Background(), tx, nil)
	if result.RuleResults[0].Status != domain.RuleStatusPassed {
		t.Errorf("expected passed without history, got %s", result.RuleResults[0].Status)
	}
}

func TestNewContext(t *testing.T) {
	tx := testTx("100")
	sameDay := testTx("200")
	sameDay.ID = "a"
	sameDay.Date = weekday.Add(-3 * time.Hour)
	dayBefore := testTx("300")
	dayBefore.ID = "b"
	dayBefore.Date = weekday.Add(-24 * time.Hour)
	otherAccount := testTx("400")
	otherAccount.ID = "c"
	otherAccount.AccountNumber = "0987654321"

	rc := NewContext(tx, domain.NewHistoricalContext([]*domain.BankTransaction{sameDay, dayBefore, otherAccount, tx}))

	if rc.DailyCount != 1 {
		t.Errorf("expected 1 same-day transaction, got %d", rc.DailyCount)
	}
	if !rc.DailyTotal.Equal(decimal.NewFromInt(200)) {
		t.Errorf("expected daily total 200, got %s", rc.DailyTotal)
	}
}

func TestRulePrecedence(t *testing.T) {
	tests := []struct {
		name    string
		rules   []Rule
		overall domain.OverallStatus
	}{
		{
			name: "regulatory violation beats many passes",
			rules: []Rule{
				funcRule("p1", domain.SeverityInfo, Passed("")),
				funcRule("p2", domain.SeverityInfo, Passed("")),
				funcRule("reg", domain.SeverityRegulatoryViolation, Failed("limit breached")),
			},
			overall: domain.OverallFailed,
		},
		{
			name: "critical failure",
			rules: []Rule{
				funcRule("crit", domain.SeverityCritical, Failed("no identity")),
				funcRule("boom", domain.SeverityInfo, Outcome{}),
			},
			overall: domain.OverallFailed,
		},
		{
			name: "critical failure beats error",
			rules: []Rule{
				funcRule("crit", domain.SeverityCritical, Failed("no identity")),
				&FuncRule{RuleID: "broken", RuleSeverity: domain.SeverityInfo},
			},
			overall: domain.OverallFailed,
		},
		{
			name: "error beats warning",
			rules: []Rule{
				funcRule("warn", domain.SeverityWarning, Warning("late")),
				&FuncRule{RuleID: "broken", RuleSeverity: domain.SeverityInfo},
			},
			overall: domain.OverallError,
		},
		{
			name: "failure below critical is a warning",
			rules: []Rule{
				funcRule("err", domain.SeverityError, Failed("format")),
			},
			overall: domain.OverallWarning,
		},
		{
			name: "not applicable passes",
			rules: []Rule{
				funcRule("na", domain.SeverityCritical, NotApplicable("weekday")),
				funcRule("ok", domain.SeverityCritical, Passed("")),
			},
			overall: domain.OverallPassed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _ := NewEngine(Config{})
			for _, r := range tt.rules {
				if err := engine.Register(r, nil); err != nil {
					t.Fatalf("register %s: %v", r.ID(), err)
				}
			}

			result, err := engine.Evaluate(context.Background(), testTx("100"), nil)
			if err != nil {
				t.Fatalf("evaluation failed: %v", err)
			}
			if result.OverallStatus != tt.overall {
				t.Errorf("expected %s, got %s", tt.overall, result.OverallStatus)
			}
			if result.Summary.Total != len(tt.rules) {
				t.Errorf("expected %d results, got %d", len(tt.rules), result.Summary.Total)
			}
		})
	}
}

func TestPanickingRule(t *testing.T) {
	engine, _ := NewEngine(Config{})

	engine.Register(&FuncRule{
		RuleID:       "panics",
		RuleType:     domain.RuleTypeOperational,
		RuleSeverity: domain.SeverityInfo,
		Fn: func(*domain.BankTransaction, *Context, Params) Outcome {
			panic("nil map")
		},
	}, nil)
	engine.Register(funcRule("after", domain.SeverityInfo, Passed("")), nil)

	result, err := engine.Evaluate(context.Background(), testTx("100"), nil)
	if err != nil {
		t.Fatalf("panic must not escape: %v", err)
	}

	if len(result.RuleResults) != 2 {
		t.Fatalf("remaining rules must still run, got %d results", len(result.RuleResults))
	}
	rr := result.RuleResults[0]
	if rr.Status != domain.RuleStatusError || rr.Severity != domain.SeverityCritical {
		t.Errorf("expected error/critical, got %s/%s", rr.Status, rr.Severity)
	}
	if !strings.Contains(rr.Message, "nil map") {
		t.Errorf("message should name the panic, got %q", rr.Message)
	}
	if result.OverallStatus != domain.OverallError {
		t.Errorf("expected ERROR, got %s", result.OverallStatus)
	}
	if result.Summary.Errors != 1 || result.Summary.Passed != 1 {
		t.Errorf("unexpected summary %+v", result.Summary)
	}
}

func TestReraise(t *testing.T) {
	engine, _ := NewEngine(Config{Reraise: true})
	engine.Register(&FuncRule{RuleID: "broken", RuleSeverity: domain.SeverityInfo}, nil)

	_, err := engine.Evaluate(context.Background(), testTx("100"), nil)
	var ruleErr *RuleError
	if !errors.As(err, &ruleErr) {
		t.Fatalf("expected RuleError, got %v", err)
	}
	if ruleErr.RuleID != "broken" {
		t.Errorf("expected rule id broken, got %s", ruleErr.RuleID)
	}
}

func TestFailFast(t *testing.T) {
	build := func(cfg Config) *Engine {
		engine, _ := NewEngine(cfg)
		engine.Register(funcRule("warn", domain.SeverityError, Failed("format")), nil)
		engine.Register(funcRule("crit", domain.SeverityCritical, Failed("no identity")), nil)
		engine.Register(funcRule("after", domain.SeverityInfo, Passed("")), nil)
		return engine
	}
	ctx := context.Background()

	result, _ := build(Config{FailFast: true}).Evaluate(ctx, testTx("100"), nil)
	if len(result.RuleResults) != 2 {
		t.Errorf("fail-fast should stop after the critical failure, got %d results", len(result.RuleResults))
	}

	result, _ = build(Config{}).Evaluate(ctx, testTx("100"), nil)
	if len(result.RuleResults) != 3 {
		t.Errorf("default mode runs every rule, got %d results", len(result.RuleResults))
	}
}

func TestRegistry(t *testing.T) {
	engine, _ := NewEngine(Config{})

	var seen Params
	engine.Register(&FuncRule{
		RuleID:       "param-rule",
		RuleSeverity: domain.SeverityWarning,
		Fn: func(_ *domain.BankTransaction, _ *Context, p Params) Outcome {
			seen = p
			return Passed("")
		},
	}, Params{"limit": 10.0})

	t.Run("DuplicateRegister", func(t *testing.T) {
		err := engine.Register(funcRule("param-rule", domain.SeverityInfo, Passed("")), nil)
		if !errors.Is(err, ErrDuplicateRule) {
			t.Errorf("expected ErrDuplicateRule, got %v", err)
		}
	})

	t.Run("SetParameters", func(t *testing.T) {
		if err := engine.SetParameters("param-rule", map[string]any{"extra": "x"}); err != nil {
			t.Fatalf("set parameters: %v", err)
		}
		engine.Evaluate(context.Background(), testTx("100"), nil)
		if seen.Float("limit", 0) != 10 || seen.String("extra", "") != "x" {
			t.Errorf("parameters not merged: %v", seen)
		}
	})

	t.Run("SetEnabled", func(t *testing.T) {
		if err := engine.SetEnabled("param-rule", false); err != nil {
			t.Fatalf("set enabled: %v", err)
		}
		result, _ := engine.Evaluate(context.Background(), testTx("100"), nil)
		if len(result.RuleResults) != 0 {
			t.Errorf("disabled rule must not run, got %d results", len(result.RuleResults))
		}
		if engine.Rules()[0].Enabled {
			t.Error("rule info should report disabled")
		}
	})

	t.Run("UnknownRule", func(t *testing.T) {
		if err := engine.SetEnabled("nope", true); !errors.Is(err, ErrRuleNotFound) {
			t.Errorf("expected ErrRuleNotFound, got %v", err)
		}
		if err := engine.SetParameters("nope", nil); !errors.Is(err, ErrRuleNotFound) {
			t.Errorf("expected ErrRuleNotFound, got %v", err)
		}
	})
}

func TestReloadRules(t *testing.T) {
	engine, _ := NewEngine(Config{})
	engine.Register(funcRule("builtin", domain.SeverityInfo, Passed("")), nil)
	engine.LoadRule(&domain.RuleConfig{ID: "old", Expression: "amount > 0.0", Enabled: true})

	err := engine.ReloadRules([]*domain.RuleConfig{
		{ID: "new-1", Expression: "amount > 10.0", Enabled: true},
		{ID: "new-2", Expression: "amount > 20.0", Enabled: false},
	})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	infos := engine.Rules()
	if len(infos) != 3 {
		t.Fatalf("expected builtin plus 2 expression rules, got %d", len(infos))
	}
	if infos[0].ID != "builtin" || infos[0].Source != "builtin" {
		t.Errorf("builtin rule should be kept first, got %+v", infos[0])
	}
	if infos[1].ID != "new-1" || infos[2].Enabled {
		t.Errorf("unexpected reloaded registry: %+v", infos)
	}

	// A bad config leaves the registry unchanged
	err = engine.ReloadRules([]*domain.RuleConfig{{ID: "bad", Expression: "!!!"}})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if engine.RulesCount() != 3 {
		t.Errorf("failed reload must not change registry, got %d rules", engine.RulesCount())
	}

	// Expression rules cannot shadow built-ins
	if err := engine.LoadRule(&domain.RuleConfig{ID: "builtin", Expression: "true"}); !errors.Is(err, ErrDuplicateRule) {
		t.Errorf("expected ErrDuplicateRule, got %v", err)
	}
}

type stubStore struct {
	configs []*domain.RuleConfig
	err     error
}

func (s stubStore) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	return s.configs, s.err
}

func TestSync(t *testing.T) {
	engine, _ := NewEngine(Config{})

	err := engine.Sync(context.Background(), stubStore{configs: []*domain.RuleConfig{
		{ID: "stored", Expression: "amount > 10.0", Enabled: true},
	}})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount())
	}

	if err := engine.Sync(context.Background(), stubStore{err: errors.New("db down")}); err == nil {
		t.Error("expected store error")
	}
}

func TestCancelledEvaluation(t *testing.T) {
	engine, _ := NewEngine(Config{})
	engine.Register(funcRule("ok", domain.SeverityInfo, Passed("")), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := engine.Evaluate(ctx, testTx("100"), nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
