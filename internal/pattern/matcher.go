// Package pattern categorises bank transactions by weighted matching of
// description, merchant, amount and temporal signals.
package pattern

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Signal names and their relative weights.
const (
	SignalDescription = "description"
	SignalMerchant    = "merchant"
	SignalAmount      = "amount"
	SignalTemporal    = "temporal"
)

var signalWeights = map[string]float64{
	SignalDescription: 0.4,
	SignalMerchant:    0.3,
	SignalAmount:      0.2,
	SignalTemporal:    0.1,
}

// Config tunes the matcher.
type Config struct {
	MinScore         float64 `json:"minScore" mapstructure:"min_score"`
	MerchantMinScore float64 `json:"merchantMinScore" mapstructure:"merchant_min_score"`
	AmbiguityMargin  float64 `json:"ambiguityMargin" mapstructure:"ambiguity_margin"`
	RecurringMin     int     `json:"recurringMin" mapstructure:"recurring_min"`
	RepetitiveGroup  int     `json:"repetitiveGroup" mapstructure:"repetitive_group"`
	RepetitiveMin    int     `json:"repetitiveMin" mapstructure:"repetitive_min"`
}

// DefaultConfig returns the standard matcher settings.
func DefaultConfig() Config {
	return Config{
		MinScore:         0.1,
		MerchantMinScore: 0.5,
		AmbiguityMargin:  0.05,
		RecurringMin:     2,
		RepetitiveGroup:  3,
		RepetitiveMin:    3,
	}
}

// Matcher assigns categories. Rules are fixed at construction; the frequency
// tables are the only state that changes.
type Matcher struct {
	cfg    Config
	rules  []*Rule
	tables *Tables
}

// NewMatcher creates a matcher. Nil rules selects DefaultRules; zero config
// fields take their defaults.
func NewMatcher(cfg Config, rules []*Rule) *Matcher {
	if rules == nil {
		rules = DefaultRules()
	}
	def := DefaultConfig()
	if cfg.MinScore <= 0 {
		cfg.MinScore = def.MinScore
	}
	if cfg.MerchantMinScore <= 0 {
		cfg.MerchantMinScore = def.MerchantMinScore
	}
	if cfg.RecurringMin <= 0 {
		cfg.RecurringMin = def.RecurringMin
	}
	if cfg.RepetitiveGroup <= 0 {
		cfg.RepetitiveGroup = def.RepetitiveGroup
	}
	if cfg.RepetitiveMin <= 0 {
		cfg.RepetitiveMin = def.RepetitiveMin
	}
	return &Matcher{cfg: cfg, rules: rules, tables: NewTables()}
}

// Rules returns the rule registry.
func (m *Matcher) Rules() []*Rule {
	return m.rules
}

// Stats returns the frequency tables for account.
func (m *Matcher) Stats(account string) AccountStats {
	return m.tables.Stats(account)
}

// Tables returns the adaptive frequency tables.
func (m *Matcher) Tables() *Tables {
	return m.tables
}

// Match categorises tx. History, when given, is used to recognise
// recurring transactions. The frequency tables are updated afterwards.
func (m *Matcher) Match(ctx context.Context, tx *domain.BankTransaction, history *domain.HistoricalContext) *domain.PatternResult {
	result := m.categorize(tx)

	if history != nil && result.HasCategory() {
		same := 0
		for _, h := range history.ForAccount(tx.AccountNumber) {
			if h.ID == tx.ID {
				continue
			}
			if m.categorize(h).PrimaryCategory == result.PrimaryCategory {
				same++
			}
		}
		if same >= m.cfg.RecurringMin {
			result.PatternFlags = append(result.PatternFlags, domain.PatternFlagRecurring)
		}
	}

	m.tables.Record(tx.AccountNumber, result.PrimaryCategory, result.MerchantName)

	slog.DebugContext(ctx, "transaction categorised",
		"tx_id", tx.ID,
		"category", result.PrimaryCategory,
		"confidence", result.ConfidenceScore,
		"merchant", result.MerchantName,
	)
	return result
}

// categorize scores every rule and picks the category with the highest
// summed contribution.
func (m *Matcher) categorize(tx *domain.BankTransaction) *domain.PatternResult {
	result := &domain.PatternResult{
		TransactionID:   tx.ID,
		PrimaryCategory: domain.CategoryUncategorized,
		PatternMatches:  []domain.PatternMatch{},
		PatternFlags:    []string{},
	}

	sums := make(map[domain.Category]float64)
	var order []domain.Category
	for _, r := range m.rules {
		pm, ok := m.score(r, tx)
		if !ok {
			continue
		}
		result.PatternMatches = append(result.PatternMatches, pm)
		if _, seen := sums[r.Category]; !seen {
			order = append(order, r.Category)
		}
		sums[r.Category] += pm.ConfidenceScore
	}

	if len(order) == 0 {
		result.PatternFlags = append(result.PatternFlags, domain.PatternFlagNoMatch)
		return result
	}

	// Ties go to the category whose first rule comes first in the registry.
	ranked := append([]domain.Category(nil), order...)
	sort.SliceStable(ranked, func(i, j int) bool { return sums[ranked[i]] > sums[ranked[j]] })

	best := ranked[0]
	result.PrimaryCategory = best
	result.ConfidenceScore = round4(math.Min(sums[best], 1.0))

	if len(ranked) > 1 && sums[best]-sums[ranked[1]] < m.cfg.AmbiguityMargin {
		result.PatternFlags = append(result.PatternFlags, domain.PatternFlagAmbiguous)
	}
	if m.outsideAmountRange(best, tx) {
		result.PatternFlags = append(result.PatternFlags, domain.PatternFlagAmountOutlier)
	}

	m.identifyMerchant(tx, result)
	return result
}

// score combines a rule's signal scores. Amount and temporal signals only
// corroborate: a rule with textual patterns needs a description or merchant
// match, even when its amount and temporal signals alone would clear
// MinScore. Without the gate an in-range weekday amount would categorise an
// arbitrary narration. Rules with no textual patterns are scored on the
// floor alone.
func (m *Matcher) score(r *Rule, tx *domain.BankTransaction) (domain.PatternMatch, bool) {
	signals := make(map[string]float64, 4)
	var matched []string

	if len(r.Description) > 0 {
		signals[SignalDescription] = anyMatch(r.Description, tx.Description)
	}
	if len(r.Merchant) > 0 {
		signals[SignalMerchant] = anyMatch(r.Merchant, tx.Description)
	}
	if len(r.Amounts) > 0 {
		signals[SignalAmount] = 0
		for _, a := range r.Amounts {
			if a.Contains(tx.Amount) {
				signals[SignalAmount] = 1
				break
			}
		}
	}
	if len(r.Temporal) > 0 {
		signals[SignalTemporal] = 0
		for _, p := range r.Temporal {
			if p.Holds(tx.Date) {
				signals[SignalTemporal] = 1
				break
			}
		}
	}

	if r.textual() && signals[SignalDescription] == 0 && signals[SignalMerchant] == 0 {
		return domain.PatternMatch{}, false
	}

	combined := 0.0
	for _, name := range []string{SignalDescription, SignalMerchant, SignalAmount, SignalTemporal} {
		s, ok := signals[name]
		if !ok {
			continue
		}
		combined += signalWeights[name] * s
		if s > 0 {
			matched = append(matched, name)
		}
	}
	combined = round4(combined * r.ConfidenceWeight)

	if combined <= m.cfg.MinScore {
		return domain.PatternMatch{}, false
	}
	return domain.PatternMatch{
		RuleID:          r.ID,
		Category:        r.Category,
		ConfidenceScore: combined,
		SignalScores:    signals,
		MatchedSignals:  matched,
		MerchantRule:    r.MerchantType,
	}, true
}

func (m *Matcher) outsideAmountRange(c domain.Category, tx *domain.BankTransaction) bool {
	declared := false
	for _, r := range m.rules {
		if r.Category != c || len(r.Amounts) == 0 {
			continue
		}
		declared = true
		for _, a := range r.Amounts {
			if a.Contains(tx.Amount) {
				return false
			}
		}
	}
	return declared
}

// identifyMerchant accepts the top merchant candidate only when a merchant
// rule matched strongly.
func (m *Matcher) identifyMerchant(tx *domain.BankTransaction, result *domain.PatternResult) {
	confirmed := false
	for _, pm := range result.PatternMatches {
		if pm.MerchantRule && pm.ConfidenceScore > m.cfg.MerchantMinScore {
			confirmed = true
			break
		}
	}
	if !confirmed {
		return
	}
	if candidates := ExtractMerchants(tx.Description); len(candidates) > 0 {
		result.MerchantIdentified = true
		result.MerchantName = candidates[0].Name
	}
}

// FlagRepetitive flags every member of an account group of at least
// RepetitiveGroup transactions whose category recurs RepetitiveMin times.
// results[i] belongs to txs[i]; flagged results are returned as copies.
func (m *Matcher) FlagRepetitive(txs []*domain.BankTransaction, results []*domain.PatternResult) []*domain.PatternResult {
	out := make([]*domain.PatternResult, len(results))
	copy(out, results)

	groups := make(map[string][]int)
	var accounts []string
	for i, tx := range txs {
		if i >= len(results) || results[i] == nil {
			continue
		}
		if _, ok := groups[tx.AccountNumber]; !ok {
			accounts = append(accounts, tx.AccountNumber)
		}
		groups[tx.AccountNumber] = append(groups[tx.AccountNumber], i)
	}

	for _, account := range accounts {
		idx := groups[account]
		if len(idx) < m.cfg.RepetitiveGroup {
			continue
		}
		counts := make(map[domain.Category]int)
		for _, i := range idx {
			if results[i].HasCategory() {
				counts[results[i].PrimaryCategory]++
			}
		}
		for _, i := range idx {
			r := results[i]
			if counts[r.PrimaryCategory] < m.cfg.RepetitiveMin || !r.HasCategory() || r.HasFlag(domain.PatternFlagRepetitive) {
				continue
			}
			c := *r
			c.PatternFlags = append(append([]string(nil), r.PatternFlags...), domain.PatternFlagRepetitive)
			out[i] = &c
		}
	}
	return out
}

func anyMatch(patterns []*regexp.Regexp, s string) float64 {
	for _, p := range patterns {
		if p.MatchString(s) {
			return 1
		}
	}
	return 0
}

func round4(f float64) float64 {
	return math.Round(f*1e4) / 1e4
}
