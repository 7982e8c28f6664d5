package validation

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Field names understood by FieldValue.
const (
	FieldID            = "id"
	FieldAmount        = "amount"
	FieldCurrency      = "currency"
	FieldDate          = "date"
	FieldAccountNumber = "account_number"
	FieldDescription   = "description"
	FieldReference     = "reference"
	FieldCustomerEmail = "customer_email"
	FieldCustomerPhone = "customer_phone"
)

var (
	accountPattern = regexp.MustCompile(`^\d{10}$`)
	phonePattern   = regexp.MustCompile(`^(\+234|0)[789][01]\d{8}$`)
	emailPattern   = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)
	hasLetter      = regexp.MustCompile(`[A-Za-z]`)
)

// meaningless single-token descriptions seen from connectors that had nothing to say.
var meaninglessTokens = map[string]bool{
	"test": true, "testing": true, "xxx": true, "n/a": true, "na": true,
	"none": true, "null": true, "nil": true, "misc": true, "other": true,
	"payment": true, "trf": true, "txn": true, "tx": true, "asdf": true,
}

// FieldValue extracts the named field from tx.
func FieldValue(tx *domain.BankTransaction, field string) any {
	switch field {
	case FieldID:
		return tx.ID
	case FieldAmount:
		return tx.Amount
	case FieldCurrency:
		return tx.Currency
	case FieldDate:
		return tx.Date
	case FieldAccountNumber:
		return tx.AccountNumber
	case FieldDescription:
		return tx.Description
	case FieldReference:
		return tx.Reference
	case FieldCustomerEmail:
		return tx.CustomerEmail
	case FieldCustomerPhone:
		return tx.CustomerPhone
	default:
		return nil
	}
}

// DefaultRules returns the standard rule set in evaluation order.
func DefaultRules(cfg Config) []Rule {
	maxAmount := cfg.MaxAmount
	if maxAmount <= 0 {
		maxAmount = 10_000_000
	}
	maxAge := cfg.MaxAgeDays
	if maxAge <= 0 {
		maxAge = 365
	}

	return []Rule{
		required("id_required", FieldID, domain.SeverityCritical),
		required("account_required", FieldAccountNumber, domain.SeverityCritical),
		required("date_required", FieldDate, domain.SeverityCritical),
		required("description_required", FieldDescription, domain.SeverityError),
		{
			Name:     "amount_precision",
			Field:    FieldAmount,
			Severity: domain.SeverityError,
			Message:  "amount has more than 2 decimal places",
			Check:    checkPrecision,
			Params:   map[string]any{"max_places": 2},
		},
		{
			Name:     "amount_positive",
			Field:    FieldAmount,
			Severity: domain.SeverityError,
			Message:  "amount must be greater than zero",
			Check: func(value any, _ *domain.BankTransaction, _ map[string]any) bool {
				amount, ok := value.(decimal.Decimal)
				return ok && amount.IsPositive()
			},
		},
		{
			Name:     "amount_ceiling",
			Field:    FieldAmount,
			Severity: domain.SeverityWarning,
			Message:  "amount exceeds the configured ceiling",
			Check:    checkCeiling,
			Params:   map[string]any{"max_amount": maxAmount},
		},
		{
			Name:     "date_not_future",
			Field:    FieldDate,
			Severity: domain.SeverityError,
			Message:  "transaction date is in the future",
			Check:    checkNotFuture,
		},
		{
			Name:     "date_max_age",
			Field:    FieldDate,
			Severity: domain.SeverityWarning,
			Message:  "transaction date is older than the accepted window",
			Check:    checkMaxAge,
			Params:   map[string]any{"max_age_days": maxAge},
		},
		{
			Name:     "account_format",
			Field:    FieldAccountNumber,
			Severity: domain.SeverityError,
			Message:  "account number must be 10 digits",
			Check:    matchesIfPresent(accountPattern),
		},
		{
			Name:     "phone_format",
			Field:    FieldCustomerPhone,
			Severity: domain.SeverityError,
			Message:  "customer phone is not a valid local number",
			Check:    matchesIfPresent(phonePattern),
		},
		{
			Name:     "email_format",
			Field:    FieldCustomerEmail,
			Severity: domain.SeverityError,
			Message:  "customer email is malformed",
			Check:    matchesIfPresent(emailPattern),
		},
		{
			Name:     "description_meaningful",
			Field:    FieldDescription,
			Severity: domain.SeverityWarning,
			Message:  "description carries no information",
			Check:    checkMeaningful,
		},
		{
			Name:     "currency_local",
			Field:    FieldCurrency,
			Severity: domain.SeverityWarning,
			Message:  "currency differs from " + domain.LocalCurrency,
			Check: func(value any, _ *domain.BankTransaction, _ map[string]any) bool {
				s, _ := value.(string)
				return strings.EqualFold(strings.TrimSpace(s), domain.LocalCurrency)
			},
		},
	}
}

func required(name, field string, severity domain.Severity) Rule {
	return Rule{
		Name:     name,
		Field:    field,
		Severity: severity,
		Message:  field + " is required",
		Check: func(value any, _ *domain.BankTransaction, _ map[string]any) bool {
			switch v := value.(type) {
			case string:
				return strings.TrimSpace(v) != ""
			case time.Time:
				return !v.IsZero()
			default:
				return value != nil
			}
		},
	}
}

// matchesIfPresent leaves empty values to the required rules.
func matchesIfPresent(re *regexp.Regexp) CheckFunc {
	return func(value any, _ *domain.BankTransaction, _ map[string]any) bool {
		s, _ := value.(string)
		s = strings.TrimSpace(s)
		return s == "" || re.MatchString(s)
	}
}

func checkPrecision(value any, _ *domain.BankTransaction, params map[string]any) bool {
	amount, ok := value.(decimal.Decimal)
	if !ok {
		return false
	}
	maxPlaces := paramInt(params, "max_places", 2)
	return decimalPlaces(amount) <= maxPlaces
}

func checkCeiling(value any, _ *domain.BankTransaction, params map[string]any) bool {
	amount, ok := value.(decimal.Decimal)
	if !ok {
		return false
	}
	ceiling := decimal.NewFromFloat(paramFloat(params, "max_amount", 10_000_000))
	return amount.LessThanOrEqual(ceiling)
}

func checkNotFuture(value any, _ *domain.BankTransaction, params map[string]any) bool {
	date, ok := value.(time.Time)
	if !ok || date.IsZero() {
		return true
	}
	now, _ := params[paramNow].(time.Time)
	return !date.After(now)
}

func checkMaxAge(value any, _ *domain.BankTransaction, params map[string]any) bool {
	date, ok := value.(time.Time)
	if !ok || date.IsZero() {
		return true
	}
	now, _ := params[paramNow].(time.Time)
	window := time.Duration(paramInt(params, "max_age_days", 365)) * 24 * time.Hour
	return !date.Before(now.Add(-window))
}

func checkMeaningful(value any, _ *domain.BankTransaction, _ map[string]any) bool {
	s, _ := value.(string)
	s = strings.TrimSpace(s)
	if s == "" {
		return true
	}
	if len(strings.Fields(s)) > 1 {
		return true
	}
	lower := strings.ToLower(s)
	if meaninglessTokens[lower] || len(s) < 3 || !hasLetter.MatchString(s) {
		return false
	}
	return !repeatedChar(lower)
}

func repeatedChar(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}

// decimalPlaces counts significant digits after the point; trailing zeros are ignored.
func decimalPlaces(d decimal.Decimal) int {
	s := d.String()
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return 0
	}
	return len(strings.TrimRight(s[idx+1:], "0"))
}
