package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/validation"
)

var errNilTransaction = errors.New("transaction is nil")

// validate runs the validator and its fail-fast gate. A nil transaction
// always stops here.
func (p *Processor) validate(ctx context.Context, r *run) bool {
	return r.stage(ctx, domain.StageValidation, func(ctx context.Context) error {
		if r.tx == nil {
			return errNilTransaction
		}
		if !p.cfg.Stages.Validation {
			return nil
		}
		v := p.c.Validator.Validate(r.tx, &validation.Context{Now: p.now()})
		r.result.Validation = v
		if len(v.Issues) > 0 {
			r.note("validation: %d warnings, %d errors, %d critical", v.WarningsCount, v.ErrorsCount, v.CriticalCount)
		}
		if p.cfg.FailFast.ValidationErrors && (!v.IsValid || v.HasErrors()) {
			return fmt.Errorf("validation failed: %s", issueMessages(v))
		}
		return nil
	})
}

// checkDuplicate runs the detector for a single transaction.
func (p *Processor) checkDuplicate(ctx context.Context, r *run) {
	r.stage(ctx, domain.StageDuplicateDetection, func(ctx context.Context) error {
		d, err := p.c.Detector.CheckDuplicate(ctx, r.tx)
		if err != nil {
			return err
		}
		r.result.Duplicate = d
		return nil
	})
}

// gateDuplicate applies the duplicate fail-fast policy to an attached result.
// Flag-level matches continue with a note unless SuspectedDuplicates is set.
func (p *Processor) gateDuplicate(r *run) bool {
	if r.stopped {
		return false
	}
	d := r.result.Duplicate
	if d == nil {
		return true
	}
	for _, e := range d.Errors {
		r.warn("duplicate detection: %s", e)
	}
	if !d.IsDuplicate {
		return true
	}
	best := d.BestMatch()
	r.note("duplicate: matches %s (%s, action %s)", best.OriginalID, best.Confidence, d.RecommendedAction)
	if !d.Confirmed() && !p.cfg.FailFast.SuspectedDuplicates {
		return true
	}
	if p.cfg.FailFast.Duplicates {
		r.fail(domain.StageDuplicateDetection,
			fmt.Errorf("duplicate of %s detected by %s (confidence %s)", best.OriginalID, best.DetectionRule, best.Confidence))
		return false
	}
	return true
}

// assessAmount runs the fraud validator.
func (p *Processor) assessAmount(ctx context.Context, r *run) {
	if !p.cfg.Stages.Amount {
		return
	}
	r.stage(ctx, domain.StageAmountValidation, func(ctx context.Context) error {
		r.result.AmountValidation = p.c.Amounts.Validate(ctx, r.tx, r.history)
		return nil
	})
}

// gateAmount applies the high risk fail-fast policy.
func (p *Processor) gateAmount(r *run) bool {
	if r.stopped {
		return false
	}
	a := r.result.AmountValidation
	if a == nil {
		return true
	}
	if len(a.Flags) > 0 {
		r.note("amount: risk %s (%.2f), flags %v", a.RiskLevel, a.RiskScore, a.Flags)
	}
	if p.cfg.FailFast.HighRisk && (!a.IsValid || a.RiskLevel.AtLeast(p.cfg.FailFast.HighRiskLevel)) {
		r.fail(domain.StageAmountValidation,
			fmt.Errorf("amount rejected: risk %s (score %.2f)", a.RiskLevel, a.RiskScore))
		return false
	}
	return true
}

// evaluateRules runs the business rule engine and its fail-fast gate.
func (p *Processor) evaluateRules(ctx context.Context, r *run) bool {
	if !p.cfg.Stages.Rules {
		return !r.stopped
	}
	return r.stage(ctx, domain.StageBusinessRules, func(ctx context.Context) error {
		rc := rules.NewContext(r.tx, r.history)
		rc.EvaluatedAt = p.now()
		rc.AccountClass = p.cfg.AccountClass
		br, err := p.c.Rules.Evaluate(ctx, r.tx, rc)
		if err != nil {
			return err
		}
		r.result.BusinessRules = br
		if br.OverallStatus != domain.OverallPassed {
			r.note("business rules: %s (%d failed, %d warnings)", br.OverallStatus, br.Summary.Failed, br.Summary.Warnings)
		}
		if p.cfg.FailFast.RuleViolations && br.OverallStatus == domain.OverallFailed {
			return fmt.Errorf("business rules failed: %s", ruleMessages(br))
		}
		return nil
	})
}

// matchPattern runs the pattern matcher.
func (p *Processor) matchPattern(ctx context.Context, r *run) bool {
	if !p.cfg.Stages.Pattern {
		return !r.stopped
	}
	return r.stage(ctx, domain.StagePatternMatching, func(ctx context.Context) error {
		r.result.Pattern = p.c.Matcher.Match(ctx, r.tx, r.history)
		return nil
	})
}

func issueMessages(v *domain.ValidationResult) string {
	msgs := make([]string, 0, len(v.Issues))
	for _, issue := range v.Issues {
		if issue.Severity.AtLeast(domain.SeverityError) {
			msgs = append(msgs, issue.Message)
		}
	}
	return strings.Join(msgs, "; ")
}

func ruleMessages(br *domain.BusinessRuleEngineResult) string {
	var msgs []string
	for _, rr := range br.RegulatoryViolations {
		msgs = append(msgs, rr.RuleID+": "+rr.Message)
	}
	for _, rr := range br.CriticalFailures {
		msgs = append(msgs, rr.RuleID+": "+rr.Message)
	}
	return strings.Join(msgs, "; ")
}
