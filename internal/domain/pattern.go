package domain

// Category is a transaction category assigned by the pattern matcher.
type Category string

const (
	CategoryATMWithdrawal  Category = "atm_withdrawal"
	CategoryPOSPurchase    Category = "pos_purchase"
	CategoryOnlinePurchase Category = "online_purchase"
	CategoryTransfer       Category = "transfer"
	CategorySalary         Category = "salary"
	CategoryUtilities      Category = "utilities"
	CategoryAirtimeData    Category = "airtime_data"
	CategoryBankCharges    Category = "bank_charges"
	CategoryLoanRepayment  Category = "loan_repayment"
	CategorySubscription   Category = "subscription"
	CategoryFuel           Category = "fuel"
	CategoryRent           Category = "rent"
	CategoryTaxPayment     Category = "tax_payment"
	CategoryUncategorized  Category = "uncategorized"
)

// Pattern flags raised by the matcher.
const (
	PatternFlagRepetitive    = "repetitive_pattern"
	PatternFlagRecurring     = "recurring_transaction"
	PatternFlagNoMatch       = "no_pattern_match"
	PatternFlagAmbiguous     = "ambiguous_category"
	PatternFlagAmountOutlier = "amount_outside_category_range"
)

// PatternMatch is one rule's contribution to categorisation.
type PatternMatch struct {
	RuleID          string             `json:"ruleId"`
	Category        Category           `json:"category"`
	ConfidenceScore float64            `json:"confidenceScore"`
	SignalScores    map[string]float64 `json:"signalScores"`
	MatchedSignals  []string           `json:"matchedSignals"`
	MerchantRule    bool               `json:"merchantRule,omitempty"`
}

// PatternResult is the output of the pattern matcher.
type PatternResult struct {
	TransactionID      string         `json:"transactionId"`
	PrimaryCategory    Category       `json:"primaryCategory"`
	ConfidenceScore    float64        `json:"confidenceScore"`
	PatternMatches     []PatternMatch `json:"patternMatches"`
	MerchantIdentified bool           `json:"merchantIdentified"`
	MerchantName       string         `json:"merchantName,omitempty"`
	PatternFlags       []string       `json:"patternFlags"`
}

// HasCategory reports whether a real category was assigned.
func (r *PatternResult) HasCategory() bool {
	return r != nil && r.PrimaryCategory != "" && r.PrimaryCategory != CategoryUncategorized
}

// HasFlag reports whether flag was raised.
func (r *PatternResult) HasFlag(flag string) bool {
	for _, f := range r.PatternFlags {
		if f == flag {
			return true
		}
	}
	return false
}
