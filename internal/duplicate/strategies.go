package duplicate

import (
	"context"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Strategy names.
const (
	RuleHash       = "hash"
	RuleField      = "field"
	RuleTimeWindow = "time_window"
	RuleStrict     = "strict"
	RuleComposite  = "composite"
	RuleWithin     = "within_batch"
)

// Lookup is the read side of the duplicate history.
type Lookup interface {
	// ByHash returns the fingerprint stored under hash, or nil when absent.
	ByHash(ctx context.Context, hash string) (*domain.Fingerprint, error)

	// Candidates returns stored fingerprints matching q.
	Candidates(ctx context.Context, q domain.CandidateQuery) ([]*domain.Fingerprint, error)
}

// Strategy finds earlier transactions that tx duplicates.
type Strategy interface {
	Name() string
	Find(ctx context.Context, tx *domain.BankTransaction, lookup Lookup) ([]domain.DuplicateMatch, error)
}

// lowerable strategies can run with a relaxed acceptance threshold.
type lowerable interface {
	lowered(factor float64) Strategy
}

// HashStrategy matches on the content hash of a field subset.
type HashStrategy struct {
	Fields []string
	Score  float64
}

func (s HashStrategy) Name() string { return RuleHash }

func (s HashStrategy) Find(ctx context.Context, tx *domain.BankTransaction, lookup Lookup) ([]domain.DuplicateMatch, error) {
	fields := s.Fields
	if len(fields) == 0 {
		fields = DefaultHashFields
	}
	hash := Hash(tx, fields)

	fp, err := lookup.ByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	// The same transaction id coming back is a retry.
	if fp == nil || fp.TransactionID == tx.ID {
		return nil, nil
	}

	score := s.Score
	if score == 0 {
		score = 0.95
	}
	return []domain.DuplicateMatch{{
		OriginalID:      fp.TransactionID,
		DuplicateID:     tx.ID,
		Confidence:      domain.ConfidenceHigh,
		ConfidenceScore: score,
		MatchingFields:  append([]string(nil), fields...),
		DetectionRule:   RuleHash,
		Details:         map[string]any{"hash": hash},
	}}, nil
}

// FieldStrategy scores the share of Fields that match a candidate.
type FieldStrategy struct {
	Fields     []string
	Similarity float64
	Threshold  float64
	Limit      int
}

func (s FieldStrategy) Name() string { return RuleField }

func (s FieldStrategy) lowered(factor float64) Strategy {
	s.Threshold *= factor
	return s
}

func (s FieldStrategy) Find(ctx context.Context, tx *domain.BankTransaction, lookup Lookup) ([]domain.DuplicateMatch, error) {
	fields := s.Fields
	if len(fields) == 0 {
		fields = []string{FieldAmount, FieldAccountNumber, FieldReference}
	}

	q := domain.CandidateQuery{ExcludeTxID: tx.ID, Limit: s.Limit}
	for _, f := range fields {
		switch f {
		case FieldAccountNumber:
			q.AccountNumber = tx.AccountNumber
		case FieldAmount:
			amount := tx.Amount
			q.Amount = &amount
		}
	}

	candidates, err := lookup.Candidates(ctx, q)
	if err != nil {
		return nil, err
	}

	self := fromTx(tx)
	var matches []domain.DuplicateMatch
	for _, c := range candidates {
		other := fromFingerprint(c)
		var matched []string
		for _, f := range fields {
			if fieldMatches(self, other, f, s.Similarity) {
				matched = append(matched, f)
			}
		}
		score := float64(len(matched)) / float64(len(fields))
		if score < s.Threshold || len(matched) == 0 {
			continue
		}
		matches = append(matches, domain.DuplicateMatch{
			OriginalID:      c.TransactionID,
			DuplicateID:     tx.ID,
			Confidence:      domain.ConfidenceForScore(score),
			ConfidenceScore: score,
			MatchingFields:  matched,
			DetectionRule:   RuleField,
		})
	}
	return matches, nil
}

// TimeWindowStrategy compares transactions with the same amount inside a
// symmetric window around tx.
type TimeWindowStrategy struct {
	Window    time.Duration
	Threshold float64
	Limit     int
}

func (s TimeWindowStrategy) Name() string { return RuleTimeWindow }

func (s TimeWindowStrategy) lowered(factor float64) Strategy {
	s.Threshold *= factor
	return s
}

func (s TimeWindowStrategy) Find(ctx context.Context, tx *domain.BankTransaction, lookup Lookup) ([]domain.DuplicateMatch, error) {
	amount := tx.Amount
	candidates, err := lookup.Candidates(ctx, domain.CandidateQuery{
		Amount:      &amount,
		From:        tx.Date.Add(-s.Window),
		To:          tx.Date.Add(s.Window),
		ExcludeTxID: tx.ID,
		Limit:       s.Limit,
	})
	if err != nil {
		return nil, err
	}

	self := fromTx(tx)
	var matches []domain.DuplicateMatch
	for _, c := range candidates {
		other := fromFingerprint(c)
		score, matched := timeWindowScore(self, other)
		if score < s.Threshold || score == 0 {
			continue
		}
		matches = append(matches, domain.DuplicateMatch{
			OriginalID:      c.TransactionID,
			DuplicateID:     tx.ID,
			Confidence:      domain.ConfidenceForScore(score),
			ConfidenceScore: score,
			MatchingFields:  matched,
			DetectionRule:   RuleTimeWindow,
			Details: map[string]any{
				"time_delta_seconds": int64(tx.Date.Sub(c.Date).Abs().Seconds()),
			},
		})
	}
	return matches, nil
}

// timeWindowScore blends amount, account, description and date proximity.
// Different amounts score 0.
func timeWindowScore(a, b record) (float64, []string) {
	if a.amount != b.amount {
		return 0, nil
	}
	score := 0.3
	matched := []string{FieldAmount}

	if a.account != "" && a.account == b.account {
		score += 0.3
		matched = append(matched, FieldAccountNumber)
	}
	desc := Jaccard(a.description, b.description)
	score += 0.2 * desc
	if desc >= 0.9 {
		matched = append(matched, FieldDescription)
	}
	prox := proximity(a.date, b.date)
	score += 0.2 * prox
	if prox >= 0.6 {
		matched = append(matched, FieldDate)
	}
	return round4(score), matched
}

// StrictStrategy requires every field to match exactly.
type StrictStrategy struct {
	Limit int
}

func (s StrictStrategy) Name() string { return RuleStrict }

func (s StrictStrategy) Find(ctx context.Context, tx *domain.BankTransaction, lookup Lookup) ([]domain.DuplicateMatch, error) {
	amount := tx.Amount
	candidates, err := lookup.Candidates(ctx, domain.CandidateQuery{
		AccountNumber: tx.AccountNumber,
		Amount:        &amount,
		From:          tx.Date,
		To:            tx.Date,
		ExcludeTxID:   tx.ID,
		Limit:         s.Limit,
	})
	if err != nil {
		return nil, err
	}

	self := fromTx(tx)
	var matches []domain.DuplicateMatch
	for _, c := range candidates {
		other := fromFingerprint(c)
		if !sameTuple(self, other) || !fieldMatches(self, other, FieldCurrency, 1) {
			continue
		}
		matches = append(matches, domain.DuplicateMatch{
			OriginalID:      c.TransactionID,
			DuplicateID:     tx.ID,
			Confidence:      domain.ConfidenceExact,
			ConfidenceScore: 1.0,
			MatchingFields:  append(append([]string(nil), DefaultHashFields...), FieldCurrency),
			DetectionRule:   RuleStrict,
		})
	}
	return matches, nil
}

// CompositeStrategy runs sub-strategies at a lowered threshold and keeps the
// best match per original transaction.
type CompositeStrategy struct {
	Strategies []Strategy
	Factor     float64
}

func (s CompositeStrategy) Name() string { return RuleComposite }

func (s CompositeStrategy) Find(ctx context.Context, tx *domain.BankTransaction, lookup Lookup) ([]domain.DuplicateMatch, error) {
	factor := s.Factor
	if factor <= 0 {
		factor = 0.8
	}

	var all []domain.DuplicateMatch
	var firstErr error
	for _, sub := range s.Strategies {
		if l, ok := sub.(lowerable); ok {
			sub = l.lowered(factor)
		}
		found, err := sub.Find(ctx, tx, lookup)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, m := range found {
			details := make(map[string]any, len(m.Details)+1)
			for k, v := range m.Details {
				details[k] = v
			}
			details["source_rule"] = m.DetectionRule
			m.Details = details
			m.DetectionRule = RuleComposite
			all = append(all, m)
		}
	}

	best := bestPerOriginal(all)
	if len(best) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return best, nil
}

// bestPerOriginal keeps the highest scoring match for every original id,
// in order of first appearance.
func bestPerOriginal(matches []domain.DuplicateMatch) []domain.DuplicateMatch {
	index := make(map[string]int, len(matches))
	var out []domain.DuplicateMatch
	for _, m := range matches {
		i, ok := index[m.OriginalID]
		if !ok {
			index[m.OriginalID] = len(out)
			out = append(out, m)
			continue
		}
		if m.ConfidenceScore > out[i].ConfidenceScore {
			out[i] = m
		}
	}
	return out
}
