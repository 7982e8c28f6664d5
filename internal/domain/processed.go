package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ProcessingStage names a step of the processing pipeline.
type ProcessingStage string

const (
	StageValidation         ProcessingStage = "validation"
	StageDuplicateDetection ProcessingStage = "duplicate_detection"
	StageAmountValidation   ProcessingStage = "amount_validation"
	StageBusinessRules      ProcessingStage = "business_rules"
	StagePatternMatching    ProcessingStage = "pattern_matching"
	StageEnrichment         ProcessingStage = "enrichment"
	StageFinalization       ProcessingStage = "finalization"
	StageCompleted          ProcessingStage = "completed"
)

// Stages lists the pipeline stages in execution order.
var Stages = []ProcessingStage{
	StageValidation,
	StageDuplicateDetection,
	StageAmountValidation,
	StageBusinessRules,
	StagePatternMatching,
	StageEnrichment,
	StageFinalization,
}

// TransactionStatus is the final verdict of the pipeline.
type TransactionStatus string

const (
	StatusReadyForInvoice TransactionStatus = "READY_FOR_INVOICE"
	StatusEnriched        TransactionStatus = "ENRICHED"
	StatusFailed          TransactionStatus = "FAILED"
)

// ProcessingMetadata contains processing information.
type ProcessingMetadata struct {
	RiskLevel       RiskLevel                 `json:"riskLevel"`
	ConfidenceScore float64                   `json:"confidenceScore"`
	ProcessingNotes []string                  `json:"processingNotes"`
	StartedAt       time.Time                 `json:"startedAt"`
	CompletedAt     time.Time                 `json:"completedAt"`
	StageMs         map[ProcessingStage]int64 `json:"stageMs"`
	TotalMs         int64                     `json:"totalMs"`
	EngineVersion   string                    `json:"engineVersion"`
}

func (m ProcessingMetadata) clone() ProcessingMetadata {
	m.ProcessingNotes = append([]string(nil), m.ProcessingNotes...)
	if m.StageMs != nil {
		stages := make(map[ProcessingStage]int64, len(m.StageMs))
		for k, v := range m.StageMs {
			stages[k] = v
		}
		m.StageMs = stages
	}
	return m
}

// CustomerInfo is the customer identity attached to a transaction.
type CustomerInfo struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Matched bool   `json:"matched"`
}

// EnrichmentData is derived data added during the enrichment stage.
type EnrichmentData struct {
	Customer           CustomerInfo `json:"customer"`
	Category           Category     `json:"category"`
	MerchantName       string       `json:"merchantName,omitempty"`
	MerchantIdentified bool         `json:"merchantIdentified"`
	OriginalCurrency   string       `json:"originalCurrency"`
	RequiresConversion bool         `json:"requiresConversion"`
	TaxReportable      bool         `json:"taxReportable"`
}

// RiskAssessment is the consumer view of the fraud verdict.
type RiskAssessment struct {
	RiskLevel       RiskLevel      `json:"riskLevel"`
	RiskScore       float64        `json:"riskScore"`
	Flags           []AmountFlag   `json:"flags"`
	AmountValid     bool           `json:"amountValid"`
	FraudIndicators map[string]any `json:"fraudIndicators,omitempty"`
}

// CategorizationInfo is the consumer view of the categorisation verdict.
type CategorizationInfo struct {
	Category           Category `json:"category"`
	ConfidenceScore    float64  `json:"confidenceScore"`
	MerchantIdentified bool     `json:"merchantIdentified"`
	MerchantName       string   `json:"merchantName,omitempty"`
	Flags              []string `json:"flags"`
}

// ProcessedTransaction is the finalised record produced by the processor.
// It is built once by NewProcessedTransaction and exposes only read accessors.
type ProcessedTransaction struct {
	tx         BankTransaction
	validation *ValidationResult
	duplicate  *DuplicateResult
	amount     *AmountValidationResult
	rules      *BusinessRuleEngineResult
	pattern    *PatternResult
	metadata   ProcessingMetadata
	enrichment EnrichmentData
	status     TransactionStatus
}

// ProcessedParts carries the stage outputs assembled by the processor.
// Stages that were disabled are left nil.
type ProcessedParts struct {
	Transaction *BankTransaction
	Validation  *ValidationResult
	Duplicate   *DuplicateResult
	Amount      *AmountValidationResult
	Rules       *BusinessRuleEngineResult
	Pattern     *PatternResult
	Metadata    ProcessingMetadata
	Enrichment  EnrichmentData
	Status      TransactionStatus
}

// NewProcessedTransaction finalises parts into an immutable record.
func NewProcessedTransaction(parts ProcessedParts) *ProcessedTransaction {
	pt := &ProcessedTransaction{
		validation: parts.Validation,
		duplicate:  parts.Duplicate,
		amount:     parts.Amount,
		rules:      parts.Rules,
		pattern:    parts.Pattern,
		enrichment: parts.Enrichment,
		status:     parts.Status,
	}
	if parts.Transaction != nil {
		pt.tx = *parts.Transaction
	}
	pt.metadata = parts.Metadata.clone()
	return pt
}

// ID returns the transaction identifier.
func (p *ProcessedTransaction) ID() string {
	return p.tx.ID
}

// Amount returns the transaction amount.
func (p *ProcessedTransaction) Amount() decimal.Decimal {
	return p.tx.Amount
}

// Date returns the transaction date.
func (p *ProcessedTransaction) Date() time.Time {
	return p.tx.Date
}

// Description returns the bank narration.
func (p *ProcessedTransaction) Description() string {
	return p.tx.Description
}

// Category returns the assigned category.
func (p *ProcessedTransaction) Category() Category {
	return p.enrichment.Category
}

// Status returns the final pipeline verdict.
func (p *ProcessedTransaction) Status() TransactionStatus {
	return p.status
}

// Transaction returns a copy of the original transaction.
func (p *ProcessedTransaction) Transaction() BankTransaction { return p.tx }

// Metadata returns a copy of the processing metadata.
func (p *ProcessedTransaction) Metadata() ProcessingMetadata { return p.metadata.clone() }

// Enrichment returns a copy of the enrichment data.
func (p *ProcessedTransaction) Enrichment() EnrichmentData { return p.enrichment }

// IsValid reports whether validation and amount checks both passed.
// Disabled stages do not invalidate the transaction.
func (p *ProcessedTransaction) IsValid() bool {
	if p.validation != nil && !p.validation.IsValid {
		return false
	}
	if p.amount != nil && !p.amount.IsValid {
		return false
	}
	return true
}

// IsDuplicate reports whether the duplicate detector matched an earlier transaction.
func (p *ProcessedTransaction) IsDuplicate() bool {
	return p.duplicate != nil && p.duplicate.IsDuplicate
}

// IsReadyForInvoice reports whether the transaction may feed invoice generation.
func (p *ProcessedTransaction) IsReadyForInvoice() bool {
	return p.status == StatusReadyForInvoice
}

// CustomerInfo returns the customer identity.
func (p *ProcessedTransaction) CustomerInfo() CustomerInfo { return p.enrichment.Customer }

// RiskAssessment returns the fraud verdict.
func (p *ProcessedTransaction) RiskAssessment() RiskAssessment {
	ra := RiskAssessment{
		RiskLevel:   p.metadata.RiskLevel,
		AmountValid: true,
	}
	if p.amount != nil {
		ra.RiskScore = p.amount.RiskScore
		ra.Flags = append([]AmountFlag(nil), p.amount.Flags...)
		ra.AmountValid = p.amount.IsValid
		ra.FraudIndicators = p.amount.FraudIndicators
	}
	return ra
}

// CategorizationInfo returns the categorisation verdict.
func (p *ProcessedTransaction) CategorizationInfo() CategorizationInfo {
	ci := CategorizationInfo{
		Category:           p.enrichment.Category,
		MerchantIdentified: p.enrichment.MerchantIdentified,
		MerchantName:       p.enrichment.MerchantName,
	}
	if p.pattern != nil {
		ci.ConfidenceScore = p.pattern.ConfidenceScore
		ci.Flags = append([]string(nil), p.pattern.PatternFlags...)
	}
	return ci
}

// Validation returns the validator output, or nil when the stage was disabled.
func (p *ProcessedTransaction) Validation() *ValidationResult {
	return p.validation
}

// Duplicate returns the duplicate detector output.
func (p *ProcessedTransaction) Duplicate() *DuplicateResult {
	return p.duplicate
}

// AmountValidation returns the amount validator output.
func (p *ProcessedTransaction) AmountValidation() *AmountValidationResult {
	return p.amount
}

// BusinessRules returns the rule engine output.
func (p *ProcessedTransaction) BusinessRules() *BusinessRuleEngineResult {
	return p.rules
}

// Pattern returns the pattern matcher output.
func (p *ProcessedTransaction) Pattern() *PatternResult {
	return p.pattern
}

type processedJSON struct {
	ID                 string                    `json:"id"`
	Status             TransactionStatus         `json:"status"`
	IsValid            bool                      `json:"isValid"`
	IsDuplicate        bool                      `json:"isDuplicate"`
	IsReadyForInvoice  bool                      `json:"isReadyForInvoice"`
	Transaction        BankTransaction           `json:"transaction"`
	Validation         *ValidationResult         `json:"validation,omitempty"`
	Duplicate          *DuplicateResult          `json:"duplicate,omitempty"`
	AmountValidation   *AmountValidationResult   `json:"amountValidation,omitempty"`
	BusinessRules      *BusinessRuleEngineResult `json:"businessRules,omitempty"`
	Pattern            *PatternResult            `json:"pattern,omitempty"`
	RiskAssessment     RiskAssessment            `json:"riskAssessment"`
	CategorizationInfo CategorizationInfo        `json:"categorizationInfo"`
	Metadata           ProcessingMetadata        `json:"metadata"`
	Enrichment         EnrichmentData            `json:"enrichment"`
}

// MarshalJSON renders the full audit representation.
func (p *ProcessedTransaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(processedJSON{
		ID:                 p.tx.ID,
		Status:             p.status,
		IsValid:            p.IsValid(),
		IsDuplicate:        p.IsDuplicate(),
		IsReadyForInvoice:  p.IsReadyForInvoice(),
		Transaction:        p.tx,
		Validation:         p.validation,
		Duplicate:          p.duplicate,
		AmountValidation:   p.amount,
		BusinessRules:      p.rules,
		Pattern:            p.pattern,
		RiskAssessment:     p.RiskAssessment(),
		CategorizationInfo: p.CategorizationInfo(),
		Metadata:           p.metadata,
		Enrichment:         p.enrichment,
	})
}

// ProcessingResult is the outcome of running one transaction through the pipeline.
// ProcessedTransaction is set only when Success is true; partial stage results are
// attached for diagnostics either way.
type ProcessingResult struct {
	ID                   string                    `json:"id"`
	TransactionID        string                    `json:"transactionId"`
	Success              bool                      `json:"success"`
	ProcessingStage      ProcessingStage           `json:"processingStage"`
	Status               TransactionStatus         `json:"status"`
	Errors               []string                  `json:"errors,omitempty"`
	Warnings             []string                  `json:"warnings,omitempty"`
	TimedOut             bool                      `json:"timedOut,omitempty"`
	ProcessedTransaction *ProcessedTransaction     `json:"processedTransaction,omitempty"`
	Validation           *ValidationResult         `json:"validation,omitempty"`
	Duplicate            *DuplicateResult          `json:"duplicate,omitempty"`
	AmountValidation     *AmountValidationResult   `json:"amountValidation,omitempty"`
	BusinessRules        *BusinessRuleEngineResult `json:"businessRules,omitempty"`
	Pattern              *PatternResult            `json:"pattern,omitempty"`
	StartedAt            time.Time                 `json:"startedAt"`
	DurationMs           int64                     `json:"durationMs"`
}

// ProcessedRecord is the stored form of a pipeline outcome. Payload is the
// ProcessingResult JSON.
type ProcessedRecord struct {
	TransactionID string            `json:"transactionId"`
	Status        TransactionStatus `json:"status"`
	Category      Category          `json:"category,omitempty"`
	RiskLevel     RiskLevel         `json:"riskLevel,omitempty"`
	Payload       []byte            `json:"payload"`
	ProcessedAt   time.Time         `json:"processedAt"`
}

// NewProcessedRecord encodes r for storage.
func NewProcessedRecord(r *ProcessingResult) (*ProcessedRecord, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	rec := &ProcessedRecord{
		TransactionID: r.TransactionID,
		Status:        r.Status,
		Payload:       payload,
		ProcessedAt:   time.Now().UTC(),
	}
	if pt := r.ProcessedTransaction; pt != nil {
		rec.Category = pt.Category()
		rec.RiskLevel = pt.Metadata().RiskLevel
	}
	return rec, nil
}
