package pattern

import (
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Temporal predicates a rule may declare.
type Temporal string

const (
	Weekday       Temporal = "weekday"
	Weekend       Temporal = "weekend"
	BusinessHours Temporal = "business_hours"
	MonthStart    Temporal = "month_start"
	MonthEnd      Temporal = "month_end"
)

// Holds reports whether the predicate is true at t.
func (p Temporal) Holds(t time.Time) bool {
	wd := t.Weekday()
	weekend := wd == time.Saturday || wd == time.Sunday
	switch p {
	case Weekday:
		return !weekend
	case Weekend:
		return weekend
	case BusinessHours:
		return !weekend && t.Hour() >= 8 && t.Hour() < 17
	case MonthStart:
		return t.Day() <= 5
	case MonthEnd:
		return t.Day() >= 25
	default:
		return false
	}
}

// AmountRange is an inclusive amount interval. A zero Max is unbounded.
type AmountRange struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Contains reports whether amount lies in the range.
func (r AmountRange) Contains(amount decimal.Decimal) bool {
	if amount.LessThan(r.Min) {
		return false
	}
	return r.Max.IsZero() || amount.LessThanOrEqual(r.Max)
}

// Rule is a categorisation rule. Each declared signal set scores 1 when any
// of its patterns matches.
type Rule struct {
	ID               string
	Category         domain.Category
	ConfidenceWeight float64

	Description []*regexp.Regexp
	Merchant    []*regexp.Regexp
	Amounts     []AmountRange
	Temporal    []Temporal

	// MerchantType rules can confirm merchant identification.
	MerchantType bool
}

func (r *Rule) textual() bool {
	return len(r.Description) > 0 || len(r.Merchant) > 0
}

func rng(lo, hi int64) AmountRange {
	return AmountRange{Min: decimal.NewFromInt(lo), Max: decimal.NewFromInt(hi)}
}

func re(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// DefaultRules returns the categorisation rules for Nigerian bank narrations.
func DefaultRules() []*Rule {
	return []*Rule{
		{
			ID:               "atm_withdrawal",
			Category:         domain.CategoryATMWithdrawal,
			ConfidenceWeight: 0.95,
			Description:      re(`\bATM\b`, `CASH\s*(WDL|WITHDRAWAL)`),
			Amounts:          []AmountRange{rng(500, 500_000)},
		},
		{
			ID:               "pos_purchase",
			Category:         domain.CategoryPOSPurchase,
			ConfidenceWeight: 0.9,
			Description:      re(`\bPOS\b`, `\bPOS\s+PURCHASE\b`, `\bPURCHASE\s+AT\b`),
			Merchant:         re(`SHOPRITE`, `\bSPAR\b`, `JUSTRITE`, `CHICKEN\s+REPUBLIC`, `\bKFC\b`, `DOMINOS`, `ROBAN`, `PRINCE\s+EBEANO`),
			Amounts:          []AmountRange{rng(100, 5_000_000)},
			MerchantType:     true,
		},
		{
			ID:               "online_purchase",
			Category:         domain.CategoryOnlinePurchase,
			ConfidenceWeight: 0.85,
			Description:      re(`\bWEB\s+(PURCHASE|PMT|PAYMENT)\b`, `\bONLINE\b`, `PAYSTACK`, `\bFLW\b`, `FLUTTERWAVE`),
			Merchant:         re(`JUMIA`, `KONGA`, `\bJIJI\b`, `\bBOLT\b`, `\bUBER\b`, `GLOVO`, `CHOWDECK`),
			MerchantType:     true,
		},
		{
			ID:               "transfer",
			Category:         domain.CategoryTransfer,
			ConfidenceWeight: 0.8,
			Description:      re(`\bTRF\b`, `TRANSFER`, `\bNIP\b`, `\bFT\b`, `NIBSS`, `\bNEFT\b`),
		},
		{
			ID:               "salary",
			Category:         domain.CategorySalary,
			ConfidenceWeight: 0.9,
			Description:      re(`SALARY`, `\bSAL\b`, `PAYROLL`, `WAGES`),
			Amounts:          []AmountRange{rng(30_000, 10_000_000)},
			Temporal:         []Temporal{MonthEnd, MonthStart},
		},
		{
			ID:               "utilities",
			Category:         domain.CategoryUtilities,
			ConfidenceWeight: 0.9,
			Description:      re(`ELECTRICITY`, `PREPAID\s+METER`, `WATER\s+BOARD`, `\bNEPA\b`, `\bPHCN\b`),
			Merchant:         re(`\bIKEDC\b`, `\bEKEDC\b`, `\bAEDC\b`, `\bPHED\b`, `\bIBEDC\b`, `\bEEDC\b`),
			Amounts:          []AmountRange{rng(500, 500_000)},
			MerchantType:     true,
		},
		{
			ID:               "airtime_data",
			Category:         domain.CategoryAirtimeData,
			ConfidenceWeight: 0.9,
			Description:      re(`AIRTIME`, `RECHARGE`, `DATA\s+(BUNDLE|PLAN|SUB)`, `\bVTU\b`),
			Merchant:         re(`\bMTN\b`, `AIRTEL`, `\bGLO\b`, `9MOBILE`),
			Amounts:          []AmountRange{rng(50, 100_000)},
			MerchantType:     true,
		},
		{
			ID:               "bank_charges",
			Category:         domain.CategoryBankCharges,
			ConfidenceWeight: 0.85,
			Description:      re(`\bCHARGES?\b`, `\bCOMM(ISSION)?\b`, `SMS\s+ALERT`, `MAINTENANCE\s+FEE`, `STAMP\s+DUTY`, `\bVAT\s+ON\b`, `\bFEE\b`),
			Amounts:          []AmountRange{rng(0, 10_000)},
		},
		{
			ID:               "loan_repayment",
			Category:         domain.CategoryLoanRepayment,
			ConfidenceWeight: 0.8,
			Description:      re(`\bLOAN\b`, `REPAYMENT`, `\bEMI\b`),
			Merchant:         re(`CARBON`, `FAIRMONEY`, `RENMONEY`, `PALMCREDIT`, `\bBRANCH\s+INTL\b`),
			MerchantType:     true,
		},
		{
			ID:               "subscription",
			Category:         domain.CategorySubscription,
			ConfidenceWeight: 0.9,
			Description:      re(`SUBSCRIPTION`, `\bRENEWAL\b`),
			Merchant:         re(`\bDSTV\b`, `\bGOTV\b`, `STARTIMES`, `NETFLIX`, `SHOWMAX`, `SPOTIFY`, `APPLE\.COM`),
			Amounts:          []AmountRange{rng(500, 100_000)},
			Temporal:         []Temporal{MonthStart},
			MerchantType:     true,
		},
		{
			ID:               "fuel",
			Category:         domain.CategoryFuel,
			ConfidenceWeight: 0.85,
			Description:      re(`\bFUEL\b`, `FILLING\s+STATION`, `PETROL`, `\bPMS\b`),
			Merchant:         re(`\bNNPC\b`, `TOTAL\s*ENERGIES`, `\bOANDO\b`, `CONOIL`, `\bMOBIL\b`, `ARDOVA`, `\bMRS\b`),
			Amounts:          []AmountRange{rng(1_000, 500_000)},
			MerchantType:     true,
		},
		{
			ID:               "rent",
			Category:         domain.CategoryRent,
			ConfidenceWeight: 0.8,
			Description:      re(`\bRENT\b`, `LANDLORD`, `TENANCY`),
			Amounts:          []AmountRange{rng(50_000, 50_000_000)},
			Temporal:         []Temporal{MonthStart},
		},
		{
			ID:               "tax_payment",
			Category:         domain.CategoryTaxPayment,
			ConfidenceWeight: 0.9,
			Description:      re(`\bFIRS\b`, `\bLIRS\b`, `\bTAX\b`, `\bPAYE\b`, `\bWHT\b`, `REMITA`),
		},
	}
}
