package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Confidence grades how certain a duplicate match is.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
	ConfidenceExact  Confidence = "exact"
)

// Rank orders confidences from weakest to strongest.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceLow:
		return 1
	case ConfidenceMedium:
		return 2
	case ConfidenceHigh:
		return 3
	case ConfidenceExact:
		return 4
	default:
		return 0
	}
}

// ConfidenceForScore maps a similarity score onto a confidence grade.
func ConfidenceForScore(score float64) Confidence {
	switch {
	case score >= 1.0:
		return ConfidenceExact
	case score >= 0.95:
		return ConfidenceHigh
	case score >= 0.8:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// RecommendedAction tells the caller what to do with a checked transaction.
type RecommendedAction string

const (
	ActionSkip   RecommendedAction = "skip"
	ActionMerge  RecommendedAction = "merge"
	ActionUpdate RecommendedAction = "update"
	ActionFlag   RecommendedAction = "flag"
	ActionError  RecommendedAction = "error"
)

// ActionForConfidence derives the recommended action from the best match.
func ActionForConfidence(c Confidence) RecommendedAction {
	switch c {
	case ConfidenceExact, ConfidenceHigh:
		return ActionSkip
	default:
		return ActionFlag
	}
}

// DuplicateMatch links a transaction to an earlier one it duplicates.
type DuplicateMatch struct {
	OriginalID      string         `json:"originalId"`
	DuplicateID     string         `json:"duplicateId"`
	Confidence      Confidence     `json:"confidence"`
	ConfidenceScore float64        `json:"confidenceScore"`
	MatchingFields  []string       `json:"matchingFields"`
	DetectionRule   string         `json:"detectionRule"`
	Details         map[string]any `json:"details,omitempty"`
}

// DuplicateResult is the output of the duplicate detector.
// An empty RecommendedAction means the transaction is unique.
type DuplicateResult struct {
	TransactionID     string            `json:"transactionId"`
	IsDuplicate       bool              `json:"isDuplicate"`
	Matches           []DuplicateMatch  `json:"matches"`
	RecommendedAction RecommendedAction `json:"recommendedAction,omitempty"`
	Errors            []string          `json:"errors,omitempty"`
}

// BestMatch returns the highest scoring match, or nil.
func (r *DuplicateResult) BestMatch() *DuplicateMatch {
	var best *DuplicateMatch
	for i := range r.Matches {
		m := &r.Matches[i]
		if best == nil || m.ConfidenceScore > best.ConfidenceScore {
			best = m
		}
	}
	return best
}

// Confirmed reports whether the best match is strong enough to skip the
// transaction. Flag-level matches are suspected duplicates only.
func (r *DuplicateResult) Confirmed() bool {
	return r != nil && r.IsDuplicate && r.RecommendedAction == ActionSkip
}

// Fingerprint is the persisted record of a transaction already seen by the
// duplicate detector.
type Fingerprint struct {
	Hash          string          `json:"hash"`
	TransactionID string          `json:"transactionId"`
	AccountNumber string          `json:"accountNumber"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Description   string          `json:"description"`
	Reference     string          `json:"reference"`
	Date          time.Time       `json:"date"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// CandidateQuery is a field predicate for duplicate candidate lookup.
// Zero-valued fields are not constrained.
type CandidateQuery struct {
	AccountNumber string
	Amount        *decimal.Decimal
	From          time.Time
	To            time.Time
	ExcludeTxID   string
	Limit         int
}

// DuplicateAudit records a duplicate-detection decision.
type DuplicateAudit struct {
	ID            string            `json:"id"`
	TransactionID string            `json:"transactionId"`
	IsDuplicate   bool              `json:"isDuplicate"`
	Action        RecommendedAction `json:"action,omitempty"`
	OriginalID    string            `json:"originalId,omitempty"`
	Confidence    Confidence        `json:"confidence,omitempty"`
	Score         float64           `json:"score"`
	DetectionRule string            `json:"detectionRule,omitempty"`
	Details       map[string]any    `json:"details,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}
