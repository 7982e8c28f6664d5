package domain

// RuleType classifies a business rule.
type RuleType string

const (
	RuleTypeRegulatory    RuleType = "regulatory"
	RuleTypeCompliance    RuleType = "compliance"
	RuleTypeOperational   RuleType = "operational"
	RuleTypeSecurity      RuleType = "security"
	RuleTypeBusinessHours RuleType = "business_hours"
	RuleTypeAML           RuleType = "aml"
	RuleTypeKYC           RuleType = "kyc"
	RuleTypeTax           RuleType = "tax"
)

// RuleStatus is the outcome of a single rule evaluation.
type RuleStatus string

const (
	RuleStatusPassed        RuleStatus = "passed"
	RuleStatusFailed        RuleStatus = "failed"
	RuleStatusWarning       RuleStatus = "warning"
	RuleStatusNotApplicable RuleStatus = "not_applicable"
	RuleStatusError         RuleStatus = "error"
)

// OverallStatus is the aggregated business rule verdict.
type OverallStatus string

const (
	OverallPassed  OverallStatus = "PASSED"
	OverallWarning OverallStatus = "WARNING"
	OverallFailed  OverallStatus = "FAILED"
	OverallError   OverallStatus = "ERROR"
)

// RuleResult is the output of a rule evaluation.
type RuleResult struct {
	RuleID    string         `json:"ruleId"`
	RuleType  RuleType       `json:"ruleType"`
	Status    RuleStatus     `json:"status"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	ProcessMs int64          `json:"processMs"`
}

// RuleSummary counts rule outcomes.
type RuleSummary struct {
	Total         int `json:"total"`
	Passed        int `json:"passed"`
	Failed        int `json:"failed"`
	Warnings      int `json:"warnings"`
	NotApplicable int `json:"notApplicable"`
	Errors        int `json:"errors"`
}

// BusinessRuleEngineResult aggregates every rule evaluated for a transaction.
type BusinessRuleEngineResult struct {
	TransactionID        string        `json:"transactionId"`
	OverallStatus        OverallStatus `json:"overallStatus"`
	RuleResults          []RuleResult  `json:"ruleResults"`
	RegulatoryViolations []RuleResult  `json:"regulatoryViolations"`
	CriticalFailures     []RuleResult  `json:"criticalFailures"`
	Warnings             []RuleResult  `json:"warnings"`
	Summary              RuleSummary   `json:"summary"`
}

// RuleConfig defines an expression rule stored in the relational store.
// Expressions are CEL and must return bool, int or double.
type RuleConfig struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Version     string         `json:"version"`
	Type        RuleType       `json:"type"`
	Severity    Severity       `json:"severity"`
	Expression  string         `json:"expression"`
	Bands       []RuleBand     `json:"bands,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Enabled     bool           `json:"enabled"`
}

// RuleBand maps a score range to a rule status.
type RuleBand struct {
	LowerLimit *float64   `json:"lowerLimit,omitempty"`
	UpperLimit *float64   `json:"upperLimit,omitempty"`
	Status     RuleStatus `json:"status"`
	Reason     string     `json:"reason"`
}
