package domain

import "github.com/shopspring/decimal"

// AmountFlag is a fraud indicator raised by the amount validator.
type AmountFlag string

const (
	FlagLimitExceeded        AmountFlag = "limit_exceeded"
	FlagSuspectedStructuring AmountFlag = "suspected_structuring"
	FlagVelocityExceeded     AmountFlag = "velocity_exceeded"
	FlagStatisticalOutlier   AmountFlag = "statistical_outlier"
	FlagPatternAnomaly       AmountFlag = "pattern_anomaly"
	FlagRoundNumber          AmountFlag = "round_number"
	FlagUnusualDecimal       AmountFlag = "unusual_decimal"
	FlagDailyLimitExceeded   AmountFlag = "daily_limit_exceeded"
)

// AllAmountFlags lists every flag in a stable order.
var AllAmountFlags = []AmountFlag{
	FlagLimitExceeded,
	FlagSuspectedStructuring,
	FlagVelocityExceeded,
	FlagStatisticalOutlier,
	FlagPatternAnomaly,
	FlagRoundNumber,
	FlagUnusualDecimal,
	FlagDailyLimitExceeded,
}

// AmountValidationResult is the output of the amount (fraud) validator.
type AmountValidationResult struct {
	TransactionID   string          `json:"transactionId"`
	Amount          decimal.Decimal `json:"amount"`
	IsValid         bool            `json:"isValid"`
	RiskLevel       RiskLevel       `json:"riskLevel"`
	RiskScore       float64         `json:"riskScore"`
	Flags           []AmountFlag    `json:"flags"`
	FraudIndicators map[string]any  `json:"fraudIndicators,omitempty"`
	Warnings        []string        `json:"warnings,omitempty"`
}

// HasFlag reports whether flag was raised.
func (r *AmountValidationResult) HasFlag(flag AmountFlag) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}
