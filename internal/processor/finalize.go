package processor

import (
	"context"
	"math"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/validation"
)

// Confidence blend weights. Disabled stages drop out and the remaining
// weights are renormalised.
const (
	weightValidation = 0.4
	weightAmount     = 0.3
	weightPattern    = 0.3
)

// finalize runs enrichment and assembles the ProcessedTransaction.
func (p *Processor) finalize(ctx context.Context, r *run) {
	var enrichment domain.EnrichmentData
	ok := r.stage(ctx, domain.StageEnrichment, func(context.Context) error {
		enrichment = p.enrich(r)
		return nil
	})
	if !ok {
		return
	}

	var (
		parts      domain.ProcessedParts
		risk       domain.RiskLevel
		confidence float64
	)
	ok = r.stage(ctx, domain.StageFinalization, func(context.Context) error {
		res := r.result
		risk = riskLevel(res)
		confidence = blendConfidence(res)

		parts = domain.ProcessedParts{
			Transaction: r.tx,
			Validation:  res.Validation,
			Duplicate:   res.Duplicate,
			Amount:      res.AmountValidation,
			Rules:       res.BusinessRules,
			Pattern:     res.Pattern,
			Enrichment:  enrichment,
		}
		parts.Status = finalStatus(parts, risk)
		if parts.Status == domain.StatusEnriched {
			r.note("categorization pending")
		}
		return nil
	})
	if !ok {
		return
	}

	// Built after the stage so its own timing is part of the record.
	completed := p.now()
	parts.Metadata = domain.ProcessingMetadata{
		RiskLevel:       risk,
		ConfidenceScore: confidence,
		ProcessingNotes: r.notes,
		StartedAt:       r.started,
		CompletedAt:     completed,
		StageMs:         r.stageMs,
		TotalMs:         completed.Sub(r.started).Milliseconds(),
		EngineVersion:   EngineVersion,
	}

	res := r.result
	res.ProcessedTransaction = domain.NewProcessedTransaction(parts)
	res.Status = parts.Status
	res.Success = true
	res.ProcessingStage = domain.StageCompleted
}

// enrich derives customer, category, merchant and currency data. With the
// enrichment stage disabled only the category is carried.
func (p *Processor) enrich(r *run) domain.EnrichmentData {
	e := domain.EnrichmentData{Category: domain.CategoryUncategorized}
	if pr := r.result.Pattern; pr != nil && pr.PrimaryCategory != "" {
		e.Category = pr.PrimaryCategory
	}
	if !p.cfg.Stages.Enrichment {
		return e
	}

	tx := r.tx
	e.Customer = domain.CustomerInfo{
		Name:    tx.CustomerName,
		Email:   tx.CustomerEmail,
		Phone:   tx.CustomerPhone,
		Matched: tx.HasCustomerIdentity(),
	}
	if pr := r.result.Pattern; pr != nil {
		e.MerchantIdentified = pr.MerchantIdentified
		e.MerchantName = pr.MerchantName
	}
	e.OriginalCurrency = strings.ToUpper(strings.TrimSpace(tx.Currency))
	if e.OriginalCurrency == "" {
		e.OriginalCurrency = domain.LocalCurrency
	}
	e.RequiresConversion = e.OriginalCurrency != domain.LocalCurrency
	if e.RequiresConversion {
		r.note("currency %s requires conversion", e.OriginalCurrency)
	}
	e.TaxReportable = taxReportable(r.result.BusinessRules)
	return e
}

func taxReportable(br *domain.BusinessRuleEngineResult) bool {
	if br == nil {
		return false
	}
	for _, rr := range br.RuleResults {
		if rr.RuleType != domain.RuleTypeTax {
			continue
		}
		if v, ok := rr.Details["reportable"].(bool); ok && v {
			return true
		}
	}
	return false
}

// riskLevel is the higher of the validation and amount risks.
func riskLevel(res *domain.ProcessingResult) domain.RiskLevel {
	risk := domain.RiskVeryLow
	if res.Validation != nil {
		risk = domain.MaxRisk(risk, validation.RiskLevel(res.Validation))
	}
	if res.AmountValidation != nil {
		risk = domain.MaxRisk(risk, res.AmountValidation.RiskLevel)
	}
	return risk
}

func blendConfidence(res *domain.ProcessingResult) float64 {
	var sum, weights float64
	if res.Validation != nil {
		sum += weightValidation * validation.Confidence(res.Validation)
		weights += weightValidation
	}
	if res.AmountValidation != nil {
		sum += weightAmount * (1 - res.AmountValidation.RiskScore)
		weights += weightAmount
	}
	if res.Pattern != nil {
		sum += weightPattern * res.Pattern.ConfidenceScore
		weights += weightPattern
	}
	if weights == 0 {
		return 0
	}
	return math.Round(sum/weights*10000) / 10000
}

func finalStatus(parts domain.ProcessedParts, risk domain.RiskLevel) domain.TransactionStatus {
	valid := (parts.Validation == nil || parts.Validation.IsValid) &&
		(parts.Amount == nil || parts.Amount.IsValid)
	duplicate := parts.Duplicate.Confirmed()
	switch {
	case !valid, duplicate, risk == domain.RiskCritical:
		return domain.StatusFailed
	case parts.Pattern.HasCategory():
		return domain.StatusReadyForInvoice
	default:
		return domain.StatusEnriched
	}
}
