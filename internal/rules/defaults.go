package rules

import (
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Default rule ids.
const (
	RuleSingleLimit      = "single_transaction_limit"
	RuleDailyLimit       = "daily_limit"
	RuleAMLSuspicious    = "aml_suspicious_amount"
	RuleAMLStructuring   = "aml_structuring"
	RuleBusinessHours    = "business_hours_high_value"
	RuleWeekendHighValue = "weekend_high_value"
	RuleKYCIdentity      = "kyc_identity"
	RuleCurrency         = "currency_compliance"
	RuleAccountFormat    = "account_format"
	RuleReference        = "security_reference"
	RuleTaxReporting     = "tax_reporting"
)

// Account classes used for daily limits.
const (
	ClassIndividual = "individual"
	ClassBusiness   = "business"
	ClassCorporate  = "corporate"
)

// Default is a rule with its default parameters.
type Default struct {
	Rule   Rule
	Params Params
}

var nubanPattern = regexp.MustCompile(`^\d{10}$`)

// DefaultRules returns the default registry in evaluation order.
func DefaultRules() []Default {
	return []Default{
		{
			Rule: &FuncRule{RuleSingleLimit, domain.RuleTypeRegulatory, domain.SeverityRegulatoryViolation, singleLimit},
			Params: Params{
				"max_amount": "50000000",
			},
		},
		{
			Rule: &FuncRule{RuleDailyLimit, domain.RuleTypeRegulatory, domain.SeverityCritical, dailyLimit},
			Params: Params{
				"limits": map[string]any{
					ClassIndividual: "10000000",
					ClassBusiness:   "100000000",
					ClassCorporate:  "500000000",
				},
				"default_class": ClassIndividual,
			},
		},
		{
			Rule: &FuncRule{RuleAMLSuspicious, domain.RuleTypeAML, domain.SeverityWarning, suspiciousAmount},
			Params: Params{
				"amounts":    []any{"1000000", "2000000", "5000000", "10000000", "4999999", "9999999"},
				"round_unit": "1000000",
			},
		},
		{
			Rule: &FuncRule{RuleAMLStructuring, domain.RuleTypeAML, domain.SeverityError, structuring},
			Params: Params{
				"threshold": "5000000",
				"margin":    0.10,
			},
		},
		{
			Rule: &FuncRule{RuleBusinessHours, domain.RuleTypeBusinessHours, domain.SeverityWarning, businessHours},
			Params: Params{
				"min_amount": "1000000",
				"open_hour":  8,
				"close_hour": 17,
			},
		},
		{
			Rule: &FuncRule{RuleWeekendHighValue, domain.RuleTypeBusinessHours, domain.SeverityWarning, weekendHighValue},
			Params: Params{
				"min_amount": "1000000",
			},
		},
		{
			Rule: &FuncRule{RuleKYCIdentity, domain.RuleTypeKYC, domain.SeverityCritical, kycIdentity},
			Params: Params{
				"threshold": "5000000",
			},
		},
		{
			Rule: &FuncRule{RuleCurrency, domain.RuleTypeCompliance, domain.SeverityWarning, currencyCompliance},
			Params: Params{
				"currency": domain.LocalCurrency,
			},
		},
		{
			Rule: &FuncRule{RuleAccountFormat, domain.RuleTypeCompliance, domain.SeverityError, Predicate(
				func(tx *domain.BankTransaction, _ *Context, _ Params) bool {
					return nubanPattern.MatchString(tx.AccountNumber)
				},
				"account number is not a 10-digit NUBAN",
			)},
		},
		{
			Rule: &FuncRule{RuleReference, domain.RuleTypeSecurity, domain.SeverityWarning, securityReference},
			Params: Params{
				"min_amount": "100000",
			},
		},
		{
			Rule: &FuncRule{RuleTaxReporting, domain.RuleTypeTax, domain.SeverityInfo, taxReporting},
			Params: Params{
				"threshold": "10000000",
			},
		},
	}
}

func singleLimit(tx *domain.BankTransaction, _ *Context, p Params) Outcome {
	limit := p.Decimal("max_amount", decimal.NewFromInt(50_000_000))
	if tx.Amount.GreaterThan(limit) {
		return Failed(fmt.Sprintf("amount %s exceeds single transaction limit %s", tx.Amount, limit)).
			With("limit", limit.String())
	}
	return Passed("")
}

func dailyLimit(tx *domain.BankTransaction, rc *Context, p Params) Outcome {
	class := rc.AccountClass
	if class == "" {
		class = p.String("default_class", ClassIndividual)
	}
	limit := p.Map("limits").Decimal(class, decimal.Zero)
	if limit.IsZero() {
		return NotApplicable(fmt.Sprintf("no daily limit for account class %q", class))
	}

	total := rc.DailyTotal.Add(tx.Amount)
	out := Passed("").With("daily_total", total.String()).With("limit", limit.String())
	if total.GreaterThan(limit) {
		out.Status = domain.RuleStatusFailed
		out.Message = fmt.Sprintf("daily total %s exceeds %s limit %s", total, class, limit)
	}
	return out.With("account_class", class)
}

func suspiciousAmount(tx *domain.BankTransaction, _ *Context, p Params) Outcome {
	for _, a := range p.Decimals("amounts") {
		if tx.Amount.Equal(a) {
			return Warning("amount matches a known suspicious value")
		}
	}
	unit := p.Decimal("round_unit", decimal.Zero)
	if unit.IsPositive() && tx.Amount.GreaterThanOrEqual(unit) && tx.Amount.Mod(unit).IsZero() {
		return Warning(fmt.Sprintf("amount is an exact multiple of %s", unit))
	}
	return Passed("")
}

func structuring(tx *domain.BankTransaction, _ *Context, p Params) Outcome {
	threshold := p.Decimal("threshold", decimal.NewFromInt(5_000_000))
	margin := decimal.NewFromFloat(p.Float("margin", 0.10))
	floor := threshold.Sub(threshold.Mul(margin))

	if tx.Amount.GreaterThanOrEqual(floor) && tx.Amount.LessThan(threshold) {
		return Failed(fmt.Sprintf("amount is just below the reporting threshold %s", threshold)).
			With("threshold", threshold.String())
	}
	return Passed("")
}

func businessHours(tx *domain.BankTransaction, _ *Context, p Params) Outcome {
	if tx.Amount.LessThan(p.Decimal("min_amount", decimal.NewFromInt(1_000_000))) {
		return NotApplicable("below high-value threshold")
	}
	hour := tx.Date.Hour()
	opens, closes := p.Int("open_hour", 8), p.Int("close_hour", 17)
	if hour < opens || hour >= closes {
		return Warning(fmt.Sprintf("high-value transaction outside business hours (%02d:00)", hour)).
			With("hour", hour)
	}
	return Passed("")
}

func weekendHighValue(tx *domain.BankTransaction, _ *Context, p Params) Outcome {
	wd := tx.Date.Weekday()
	if wd != time.Saturday && wd != time.Sunday {
		return NotApplicable("weekday")
	}
	if tx.Amount.GreaterThanOrEqual(p.Decimal("min_amount", decimal.NewFromInt(1_000_000))) {
		return Warning("high-value transaction on a weekend").With("weekday", wd.String())
	}
	return Passed("")
}

func kycIdentity(tx *domain.BankTransaction, _ *Context, p Params) Outcome {
	threshold := p.Decimal("threshold", decimal.NewFromInt(5_000_000))
	if tx.Amount.LessThan(threshold) {
		return NotApplicable("below KYC threshold")
	}
	if !tx.HasCustomerIdentity() {
		return Failed(fmt.Sprintf("customer identity required above %s", threshold))
	}
	return Passed("")
}

func currencyCompliance(tx *domain.BankTransaction, _ *Context, p Params) Outcome {
	want := p.String("currency", domain.LocalCurrency)
	if tx.Currency != want {
		return Warning(fmt.Sprintf("currency %q is not %s", tx.Currency, want))
	}
	return Passed("")
}

func securityReference(tx *domain.BankTransaction, _ *Context, p Params) Outcome {
	if tx.Amount.LessThan(p.Decimal("min_amount", decimal.NewFromInt(100_000))) {
		return NotApplicable("below reference threshold")
	}
	if tx.Reference == "" {
		return Warning("transaction reference is missing")
	}
	return Passed("")
}

func taxReporting(tx *domain.BankTransaction, _ *Context, p Params) Outcome {
	threshold := p.Decimal("threshold", decimal.NewFromInt(10_000_000))
	if tx.Amount.GreaterThanOrEqual(threshold) {
		return Passed("transaction is reportable for tax purposes").With("reportable", true)
	}
	return Passed("").With("reportable", false)
}
