package domain

import "time"

// ValidationIssue is a single rule failure raised by the validator.
type ValidationIssue struct {
	RuleName     string   `json:"ruleName"`
	FieldName    string   `json:"fieldName"`
	Severity     Severity `json:"severity"`
	Message      string   `json:"message"`
	CurrentValue string   `json:"currentValue,omitempty"`
}

// ValidityPolicy decides which severities make a transaction invalid.
// The zero value fails only on critical issues.
type ValidityPolicy struct {
	FailOnErrors   bool `json:"failOnErrors" mapstructure:"fail_on_errors"`
	FailOnWarnings bool `json:"failOnWarnings" mapstructure:"fail_on_warnings"`
}

// ValidationResult is the output of the transaction validator.
type ValidationResult struct {
	TransactionID string            `json:"transactionId"`
	IsValid       bool              `json:"isValid"`
	Issues        []ValidationIssue `json:"issues"`
	WarningsCount int               `json:"warningsCount"`
	ErrorsCount   int               `json:"errorsCount"`
	CriticalCount int               `json:"criticalCount"`
	Timestamp     time.Time         `json:"timestamp"`
}

// NewValidationResult tallies issues and computes validity under policy.
func NewValidationResult(txID string, issues []ValidationIssue, policy ValidityPolicy, at time.Time) *ValidationResult {
	if issues == nil {
		issues = []ValidationIssue{}
	}
	r := &ValidationResult{
		TransactionID: txID,
		Issues:        issues,
		Timestamp:     at,
	}
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityWarning:
			r.WarningsCount++
		case SeverityError:
			r.ErrorsCount++
		case SeverityCritical, SeverityRegulatoryViolation:
			r.CriticalCount++
		}
	}
	r.IsValid = r.CriticalCount == 0
	if policy.FailOnErrors && r.ErrorsCount > 0 {
		r.IsValid = false
	}
	if policy.FailOnWarnings && r.WarningsCount > 0 {
		r.IsValid = false
	}
	return r
}

// HasErrors reports whether any error or critical issue was raised.
func (r *ValidationResult) HasErrors() bool {
	return r.ErrorsCount > 0 || r.CriticalCount > 0
}
