// Package fraud scores the fraud risk of a transaction amount against fixed
// thresholds, account velocity and account history.
package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// Validator is the amount validator. Apart from the velocity tracker it is
// stateless and safe for concurrent use.
type Validator struct {
	cfg     Config
	tracker *velocity.Tracker
}

// NewValidator creates an amount validator. A nil tracker gets a private one.
func NewValidator(cfg Config, tracker *velocity.Tracker) *Validator {
	if cfg.FlagWeights == nil {
		cfg.FlagWeights = DefaultFlagWeights()
	}
	if tracker == nil {
		tracker = velocity.NewTracker(0)
	}
	return &Validator{cfg: cfg, tracker: tracker}
}

// Tracker returns the velocity tracker shared with other stages.
func (v *Validator) Tracker() *velocity.Tracker {
	return v.tracker
}

// assessment collects detector output before scoring.
type assessment struct {
	flags      map[domain.AmountFlag]bool
	indicators map[string]any
	warnings   []string
}

func (a *assessment) raise(flag domain.AmountFlag, warning string) {
	if !a.flags[flag] {
		a.warnings = append(a.warnings, warning)
	}
	a.flags[flag] = true
}

// Validate scores tx. When history is nil the process-wide velocity tracker
// stands in for velocity; pattern and statistical checks need history.
// The tracker is updated with tx afterwards in every case.
func (v *Validator) Validate(ctx context.Context, tx *domain.BankTransaction, history *domain.HistoricalContext) *domain.AmountValidationResult {
	a := &assessment{
		flags:      make(map[domain.AmountFlag]bool),
		indicators: make(map[string]any),
	}

	var prior []*domain.BankTransaction
	if history != nil {
		prior = history.ForAccount(tx.AccountNumber)
	}

	v.checkBasic(tx, a)
	v.checkThresholds(tx, history, prior, a)
	v.checkVelocity(tx, history, prior, a)
	if history != nil {
		v.checkPattern(tx, prior, a)
		v.checkStatistics(tx, prior, a)
	}
	v.checkStructuring(tx, a)

	result := v.score(tx, a)

	v.tracker.Record(tx.AccountNumber, tx.Date, tx.Amount)

	slog.DebugContext(ctx, "amount validated",
		"tx_id", tx.ID,
		"account", tx.AccountNumber,
		"risk_score", result.RiskScore,
		"risk_level", result.RiskLevel,
		"flags", result.Flags,
	)
	return result
}

func (v *Validator) checkBasic(tx *domain.BankTransaction, a *assessment) {
	amount := tx.Amount

	for _, s := range v.cfg.SuspiciousAmounts {
		if amount.Equal(decimal.NewFromFloat(s)) {
			a.raise(domain.FlagRoundNumber, fmt.Sprintf("amount %s is a known suspicious value", amount))
			break
		}
	}
	if v.cfg.RoundUnit > 0 && amount.IsPositive() {
		unit := decimal.NewFromFloat(v.cfg.RoundUnit)
		if amount.GreaterThanOrEqual(unit) && amount.Mod(unit).IsZero() {
			a.raise(domain.FlagRoundNumber, fmt.Sprintf("amount %s is a multiple of %s", amount, unit))
		}
	}

	if places := decimalPlaces(amount); places > v.cfg.MaxDecimalPlaces {
		a.indicators["decimal_places"] = places
		a.raise(domain.FlagUnusualDecimal, fmt.Sprintf("amount has %d decimal places", places))
	}

	if v.cfg.Ceiling > 0 && amount.GreaterThan(decimal.NewFromFloat(v.cfg.Ceiling)) {
		a.indicators["ceiling"] = v.cfg.Ceiling
		a.raise(domain.FlagLimitExceeded, fmt.Sprintf("amount exceeds the single-transaction ceiling of %.0f", v.cfg.Ceiling))
	}
}

func (v *Validator) checkThresholds(tx *domain.BankTransaction, history *domain.HistoricalContext, prior []*domain.BankTransaction, a *assessment) {
	amount := tx.Amount.InexactFloat64()

	for _, th := range v.cfg.Thresholds {
		if amount < th.Min || amount >= th.Max || th.DailyLimit <= 0 {
			continue
		}
		daily := v.window(tx, history, prior, velocity.Day)
		total := daily.Sum.Add(tx.Amount).InexactFloat64()
		if total > th.DailyLimit {
			a.indicators["daily_total"] = total
			a.indicators["daily_limit"] = th.DailyLimit
			a.raise(domain.FlagDailyLimitExceeded, fmt.Sprintf("daily total %.2f exceeds limit %.0f", total, th.DailyLimit))
		}
		return
	}
}

func (v *Validator) checkVelocity(tx *domain.BankTransaction, history *domain.HistoricalContext, prior []*domain.BankTransaction, a *assessment) {
	for _, c := range v.cfg.VelocityCaps {
		stats := v.window(tx, history, prior, c.Window)
		count := stats.Count + 1
		sum := stats.Sum.Add(tx.Amount).InexactFloat64()

		label := windowLabel(c.Window)
		a.indicators["velocity_"+label+"_count"] = count
		a.indicators["velocity_"+label+"_sum"] = sum

		// The sum cap needs prior activity in the window; one large transfer is
		// the ceiling's concern.
		if (c.MaxCount > 0 && count > c.MaxCount) || (c.MaxSum > 0 && stats.Count > 0 && sum > c.MaxSum) {
			a.raise(domain.FlagVelocityExceeded, fmt.Sprintf("velocity over %s exceeded: %d transactions totalling %.2f", label, count, sum))
		}
	}
}

func (v *Validator) window(tx *domain.BankTransaction, history *domain.HistoricalContext, prior []*domain.BankTransaction, w time.Duration) velocity.Stats {
	if history != nil {
		return velocity.FromHistory(prior, tx.AccountNumber, tx.Date, w)
	}
	return v.tracker.Window(tx.AccountNumber, tx.Date, w)
}

func (v *Validator) checkPattern(tx *domain.BankTransaction, prior []*domain.BankTransaction, a *assessment) {
	recent := prior
	if v.cfg.PatternLookback > 0 && len(recent) > v.cfg.PatternLookback {
		recent = recent[len(recent)-v.cfg.PatternLookback:]
	}

	identical := 1
	for _, p := range recent {
		if p.Amount.Equal(tx.Amount) {
			identical++
		}
	}
	if v.cfg.IdenticalThreshold > 0 && identical >= v.cfg.IdenticalThreshold {
		a.indicators["identical_amount_count"] = identical
		a.raise(domain.FlagPatternAnomaly, fmt.Sprintf("%d recent transactions share amount %s", identical, tx.Amount))
	}

	run := v.cfg.IncrementRun
	if run >= 3 && len(recent) >= run-1 {
		seq := make([]decimal.Decimal, 0, run)
		for _, p := range recent[len(recent)-(run-1):] {
			seq = append(seq, p.Amount)
		}
		seq = append(seq, tx.Amount)

		step := seq[1].Sub(seq[0])
		constant := !step.IsZero()
		for i := 2; i < len(seq) && constant; i++ {
			constant = seq[i].Sub(seq[i-1]).Equal(step)
		}
		if constant {
			a.indicators["constant_increment"] = step.String()
			a.raise(domain.FlagPatternAnomaly, fmt.Sprintf("amounts rise by a constant %s", step))
		}
	}
}

func (v *Validator) checkStatistics(tx *domain.BankTransaction, prior []*domain.BankTransaction, a *assessment) {
	if len(prior) < v.cfg.MinStatisticalPoints || len(prior) == 0 {
		return
	}

	values := make([]float64, len(prior))
	for i, p := range prior {
		values[i] = p.Amount.InexactFloat64()
	}
	current := tx.Amount.InexactFloat64()

	mean, stdev := meanStdev(values)
	if stdev > 0 {
		z := (current - mean) / stdev
		a.indicators["z_score"] = round4(z)
		switch {
		case math.Abs(z) > v.cfg.OutlierZ:
			a.raise(domain.FlagStatisticalOutlier, fmt.Sprintf("amount is %.1f standard deviations from the account mean", z))
		case math.Abs(z) > v.cfg.AnomalyZ:
			a.raise(domain.FlagPatternAnomaly, fmt.Sprintf("amount deviates from the account mean (z=%.2f)", z))
		}
	}

	if median := median(values); median > 0 {
		ratio := current / median
		a.indicators["median_ratio"] = round4(ratio)
		if ratio > v.cfg.MedianRatioHigh || ratio < v.cfg.MedianRatioLow {
			a.raise(domain.FlagStatisticalOutlier, fmt.Sprintf("amount is %.2fx the account median", ratio))
		}
	}
}

func (v *Validator) checkStructuring(tx *domain.BankTransaction, a *assessment) {
	if v.cfg.ReportingThreshold <= 0 {
		return
	}
	threshold := decimal.NewFromFloat(v.cfg.ReportingThreshold)
	floor := decimal.NewFromFloat(v.cfg.ReportingThreshold * (1 - v.cfg.StructuringMargin))
	if tx.Amount.GreaterThanOrEqual(floor) && tx.Amount.LessThan(threshold) {
		a.indicators["reporting_threshold"] = v.cfg.ReportingThreshold
		a.raise(domain.FlagSuspectedStructuring, fmt.Sprintf("amount sits just below the reporting threshold of %.0f", v.cfg.ReportingThreshold))
	}
}

func (v *Validator) score(tx *domain.BankTransaction, a *assessment) *domain.AmountValidationResult {
	flags := make([]domain.AmountFlag, 0, len(a.flags))
	score := 0.0
	for _, f := range domain.AllAmountFlags {
		if a.flags[f] {
			flags = append(flags, f)
			score += v.cfg.FlagWeights[f]
		}
	}
	score += v.magnitude(tx.Amount)
	score = round4(math.Min(score, 1.0))

	level := domain.RiskLevelForScore(score)
	valid := level != domain.RiskCritical && !a.flags[domain.FlagLimitExceeded]

	return &domain.AmountValidationResult{
		TransactionID:   tx.ID,
		Amount:          tx.Amount,
		IsValid:         valid,
		RiskLevel:       level,
		RiskScore:       score,
		Flags:           flags,
		FraudIndicators: a.indicators,
		Warnings:        a.warnings,
	}
}

// magnitude adds a fixed amount of risk for extreme absolute amounts.
func (v *Validator) magnitude(amount decimal.Decimal) float64 {
	f := amount.InexactFloat64()
	adj := 0.0
	if v.cfg.Ceiling > 0 && f > v.cfg.Ceiling {
		adj += v.cfg.CeilingAdjustment
	}
	if v.cfg.LargeAmount > 0 && f >= v.cfg.LargeAmount {
		adj += v.cfg.LargeAdjustment
	}
	if v.cfg.SmallAmount > 0 && f > 0 && f < v.cfg.SmallAmount {
		adj += v.cfg.SmallAdjustment
	}
	return adj
}

// ValidateBatch scores txs in order, giving each the same-account prefix of
// the batch as history, then applies cross-batch escalation.
func (v *Validator) ValidateBatch(ctx context.Context, txs []*domain.BankTransaction) []*domain.AmountValidationResult {
	results := make([]*domain.AmountValidationResult, len(txs))
	seen := make(map[string][]*domain.BankTransaction)
	for i, tx := range txs {
		history := domain.NewHistoricalContext(append([]*domain.BankTransaction(nil), seen[tx.AccountNumber]...))
		results[i] = v.Validate(ctx, tx, history)
		seen[tx.AccountNumber] = append(seen[tx.AccountNumber], tx)
	}
	return v.EscalateBatch(txs, results)
}

// EscalateBatch raises every member of an account group in which at least
// BatchIdenticalMin transactions share one amount. It returns new results and
// leaves the inputs untouched.
func (v *Validator) EscalateBatch(txs []*domain.BankTransaction, results []*domain.AmountValidationResult) []*domain.AmountValidationResult {
	out := make([]*domain.AmountValidationResult, len(results))
	copy(out, results)
	if v.cfg.BatchIdenticalMin <= 0 || len(txs) != len(results) {
		return out
	}

	groups := make(map[string][]int)
	var order []string
	for i, tx := range txs {
		if tx == nil || results[i] == nil {
			continue
		}
		if _, ok := groups[tx.AccountNumber]; !ok {
			order = append(order, tx.AccountNumber)
		}
		groups[tx.AccountNumber] = append(groups[tx.AccountNumber], i)
	}

	for _, account := range order {
		members := groups[account]
		counts := make(map[string]int)
		best := 0
		for _, i := range members {
			key := txs[i].Amount.String()
			counts[key]++
			if counts[key] > best {
				best = counts[key]
			}
		}
		if best < v.cfg.BatchIdenticalMin {
			continue
		}
		for _, i := range members {
			out[i] = v.escalate(results[i], best)
		}
	}
	return out
}

func (v *Validator) escalate(r *domain.AmountValidationResult, identical int) *domain.AmountValidationResult {
	e := *r
	e.Flags = append([]domain.AmountFlag(nil), r.Flags...)
	e.Warnings = append([]string(nil), r.Warnings...)
	e.FraudIndicators = make(map[string]any, len(r.FraudIndicators)+1)
	for k, val := range r.FraudIndicators {
		e.FraudIndicators[k] = val
	}

	if !e.HasFlag(domain.FlagPatternAnomaly) {
		e.Flags = append(e.Flags, domain.FlagPatternAnomaly)
		sort.SliceStable(e.Flags, func(i, j int) bool { return flagOrder(e.Flags[i]) < flagOrder(e.Flags[j]) })
	}
	e.Warnings = append(e.Warnings, fmt.Sprintf("%d transactions in this batch share one amount on this account", identical))
	e.FraudIndicators["batch_identical_count"] = identical

	e.RiskScore = round4(math.Min(r.RiskScore+v.cfg.BatchEscalation, 1.0))
	e.RiskLevel = domain.RiskLevelForScore(e.RiskScore)
	e.IsValid = r.IsValid && e.RiskLevel != domain.RiskCritical
	return &e
}

func flagOrder(f domain.AmountFlag) int {
	for i, known := range domain.AllAmountFlags {
		if known == f {
			return i
		}
	}
	return len(domain.AllAmountFlags)
}
