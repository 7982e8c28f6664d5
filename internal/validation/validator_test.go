package validation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var fixedNow = time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)

func validTx() *domain.BankTransaction {
	return &domain.BankTransaction{
		ID:            "tx-001",
		Reference:     "REF-001",
		Amount:        decimal.RequireFromString("15000.00"),
		Currency:      "NGN",
		AccountNumber: "1234567890",
		Date:          time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC),
		Description:   "ATM CASH WITHDRAWAL GTB",
	}
}

func newValidator(cfg Config) *Validator {
	return New(cfg, WithClock(func() time.Time { return fixedNow }))
}

func issueNames(r *domain.ValidationResult) []string {
	names := make([]string, 0, len(r.Issues))
	for _, i := range r.Issues {
		names = append(names, i.RuleName)
	}
	return names
}

func TestValidateCleanTransaction(t *testing.T) {
	v := newValidator(DefaultConfig())

	result := v.Validate(validTx(), nil)

	require.NotNil(t, result)
	assert.True(t, result.IsValid)
	assert.Empty(t, result.Issues)
	assert.Equal(t, "tx-001", result.TransactionID)
	assert.Equal(t, fixedNow, result.Timestamp)
	assert.Equal(t, domain.RiskVeryLow, RiskLevel(result))
	assert.Equal(t, 1.0, Confidence(result))
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(tx *domain.BankTransaction)
		rule     string
		severity domain.Severity
		valid    bool
	}{
		{"missing id", func(tx *domain.BankTransaction) { tx.ID = "" }, "id_required", domain.SeverityCritical, false},
		{"missing account", func(tx *domain.BankTransaction) { tx.AccountNumber = " " }, "account_required", domain.SeverityCritical, false},
		{"missing date", func(tx *domain.BankTransaction) { tx.Date = time.Time{} }, "date_required", domain.SeverityCritical, false},
		{"three decimals", func(tx *domain.BankTransaction) { tx.Amount = decimal.RequireFromString("10.125") }, "amount_precision", domain.SeverityError, true},
		{"zero amount", func(tx *domain.BankTransaction) { tx.Amount = decimal.Zero }, "amount_positive", domain.SeverityError, true},
		{"negative amount", func(tx *domain.BankTransaction) { tx.Amount = decimal.NewFromInt(-5) }, "amount_positive", domain.SeverityError, true},
		{"above ceiling", func(tx *domain.BankTransaction) { tx.Amount = decimal.NewFromInt(10_000_001) }, "amount_ceiling", domain.SeverityWarning, true},
		{"future date", func(tx *domain.BankTransaction) { tx.Date = fixedNow.Add(time.Hour) }, "date_not_future", domain.SeverityError, true},
		{"stale date", func(tx *domain.BankTransaction) { tx.Date = fixedNow.AddDate(-2, 0, 0) }, "date_max_age", domain.SeverityWarning, true},
		{"short account", func(tx *domain.BankTransaction) { tx.AccountNumber = "12345" }, "account_format", domain.SeverityError, true},
		{"bad phone", func(tx *domain.BankTransaction) { tx.CustomerPhone = "5551234" }, "phone_format", domain.SeverityError, true},
		{"bad email", func(tx *domain.BankTransaction) { tx.CustomerEmail = "not-an-email" }, "email_format", domain.SeverityError, true},
		{"meaningless description", func(tx *domain.BankTransaction) { tx.Description = "test" }, "description_meaningful", domain.SeverityWarning, true},
		{"foreign currency", func(tx *domain.BankTransaction) { tx.Currency = "USD" }, "currency_local", domain.SeverityWarning, true},
	}

	v := newValidator(DefaultConfig())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := validTx()
			tt.mutate(tx)

			result := v.Validate(tx, nil)

			require.Contains(t, issueNames(result), tt.rule)
			for _, issue := range result.Issues {
				if issue.RuleName == tt.rule {
					assert.Equal(t, tt.severity, issue.Severity)
				}
			}
			assert.Equal(t, tt.valid, result.IsValid)
		})
	}
}

func TestValidateAcceptsLocalFormats(t *testing.T) {
	v := newValidator(DefaultConfig())

	for _, phone := range []string{"+2348031234567", "08031234567", "07011234567", "09151234567"} {
		tx := validTx()
		tx.CustomerPhone = phone
		tx.CustomerEmail = "ada@example.com.ng"

		result := v.Validate(tx, nil)
		assert.Empty(t, result.Issues, "phone %s", phone)
	}

	tx := validTx()
	tx.Amount = decimal.RequireFromString("100.50")
	tx.Description = "SALARY"
	assert.Empty(t, v.Validate(tx, nil).Issues)
}

func TestValidateAccumulatesIssues(t *testing.T) {
	v := newValidator(DefaultConfig())
	tx := validTx()
	tx.AccountNumber = "12AB"
	tx.Amount = decimal.NewFromInt(-1)
	tx.Currency = "GBP"

	result := v.Validate(tx, nil)

	assert.Equal(t, []string{"amount_positive", "account_format", "currency_local"}, issueNames(result))
	assert.Equal(t, 2, result.ErrorsCount)
	assert.Equal(t, 1, result.WarningsCount)
	assert.True(t, result.IsValid)
	assert.Equal(t, domain.RiskHigh, RiskLevel(result))
	assert.InDelta(t, 0.4, Confidence(result), 1e-9)
}

func TestValidateFailFast(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailFast = true
	v := newValidator(cfg)

	tx := validTx()
	tx.Currency = "USD"      // warning, does not stop
	tx.Amount = decimal.Zero // error, stops
	tx.AccountNumber = "123" // never reached

	result := v.Validate(tx, nil)

	assert.Equal(t, []string{"amount_positive"}, issueNames(result))
}

func TestValidatePolicy(t *testing.T) {
	tx := validTx()
	tx.Currency = "USD"

	assert.True(t, newValidator(DefaultConfig()).Validate(tx, nil).IsValid)

	cfg := DefaultConfig()
	cfg.Policy.FailOnWarnings = true
	assert.False(t, newValidator(cfg).Validate(tx, nil).IsValid)

	tx = validTx()
	tx.Amount = decimal.Zero
	cfg = DefaultConfig()
	cfg.Policy.FailOnErrors = true
	assert.False(t, newValidator(cfg).Validate(tx, nil).IsValid)
}

func TestValidatePanickingRule(t *testing.T) {
	rules := append(DefaultRules(DefaultConfig()), Rule{
		Name:     "broken_rule",
		Field:    FieldAmount,
		Severity: domain.SeverityInfo,
		Check: func(value any, tx *domain.BankTransaction, params map[string]any) bool {
			var m map[string]int
			m["boom"] = 1
			return true
		},
	})
	v := New(DefaultConfig(), WithRules(rules), WithClock(func() time.Time { return fixedNow }))

	var result *domain.ValidationResult
	require.NotPanics(t, func() { result = v.Validate(validTx(), nil) })

	require.Len(t, result.Issues, 1)
	assert.Equal(t, "broken_rule", result.Issues[0].RuleName)
	assert.Equal(t, domain.SeverityCritical, result.Issues[0].Severity)
	assert.Contains(t, result.Issues[0].Message, "rule execution failed")
	assert.False(t, result.IsValid)
}

func TestValidateUsesCallTimestamp(t *testing.T) {
	v := newValidator(DefaultConfig())
	tx := validTx()
	tx.Date = fixedNow.Add(2 * time.Hour)

	// Relative to the wall clock the date is future; relative to a later call
	// timestamp it is not.
	result := v.Validate(tx, &Context{Now: fixedNow.Add(3 * time.Hour)})

	assert.NotContains(t, issueNames(result), "date_not_future")
	assert.Equal(t, fixedNow.Add(3*time.Hour), result.Timestamp)
}

func TestValidateIdempotent(t *testing.T) {
	v := newValidator(DefaultConfig())
	tx := validTx()
	tx.Currency = "EUR"
	tx.Description = "x"

	first, err := json.Marshal(v.Validate(tx, nil))
	require.NoError(t, err)
	second, err := json.Marshal(v.Validate(tx, nil))
	require.NoError(t, err)

	assert.JSONEq(t, string(first), string(second))
}

func TestConfigOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DisabledRules = []string{"currency_local"}
	cfg.Severities = map[string]domain.Severity{"description_meaningful": domain.SeverityCritical}
	v := newValidator(cfg)

	tx := validTx()
	tx.Currency = "USD"
	tx.Description = "xxx"

	result := v.Validate(tx, nil)

	assert.Equal(t, []string{"description_meaningful"}, issueNames(result))
	assert.Equal(t, domain.SeverityCritical, result.Issues[0].Severity)
	assert.False(t, result.IsValid)

	for _, r := range v.Rules() {
		assert.NotEqual(t, "currency_local", r.Name)
	}
}

func TestNilTransaction(t *testing.T) {
	result := newValidator(DefaultConfig()).Validate(nil, nil)
	assert.False(t, result.IsValid)
	assert.Equal(t, 1, result.CriticalCount)
}

func TestConfidenceFloor(t *testing.T) {
	r := &domain.ValidationResult{CriticalCount: 3}
	assert.Equal(t, 0.0, Confidence(r))
	assert.Equal(t, domain.RiskCritical, RiskLevel(r))
}
