// Package duplicate detects bank transactions that were already seen, by
// content hash, field matching and time-window similarity.
package duplicate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Store is the durable side of duplicate detection.
type Store interface {
	InsertFingerprint(ctx context.Context, fp *domain.Fingerprint) (bool, error)
	GetFingerprint(ctx context.Context, hash string) (*domain.Fingerprint, error)
	FindCandidates(ctx context.Context, q domain.CandidateQuery) ([]*domain.Fingerprint, error)
	AppendDuplicateAudit(ctx context.Context, entry *domain.DuplicateAudit) error
}

// Config controls the default strategy set.
type Config struct {
	HashFields      []string      `json:"hashFields" mapstructure:"hash_fields"`
	HashScore       float64       `json:"hashScore" mapstructure:"hash_score"`
	MatchFields     []string      `json:"matchFields" mapstructure:"match_fields"`
	Similarity      float64       `json:"similarity" mapstructure:"similarity"`
	FieldThreshold  float64       `json:"fieldThreshold" mapstructure:"field_threshold"`
	TimeWindow      time.Duration `json:"timeWindow" mapstructure:"time_window"`
	WindowThreshold float64       `json:"windowThreshold" mapstructure:"window_threshold"`
	CompositeFactor float64       `json:"compositeFactor" mapstructure:"composite_factor"`
	CandidateLimit  int           `json:"candidateLimit" mapstructure:"candidate_limit"`
	CacheTTL        time.Duration `json:"cacheTtl" mapstructure:"cache_ttl"`
	Strategies      []string      `json:"strategies" mapstructure:"strategies"`
}

// DefaultConfig returns the standard duplicate detection settings.
func DefaultConfig() Config {
	return Config{
		HashFields:      DefaultHashFields,
		HashScore:       0.95,
		MatchFields:     []string{FieldAmount, FieldAccountNumber, FieldReference},
		Similarity:      0.9,
		FieldThreshold:  0.9,
		TimeWindow:      30 * time.Minute,
		WindowThreshold: 0.8,
		CompositeFactor: 0.8,
		CandidateLimit:  100,
		CacheTTL:        24 * time.Hour,
		Strategies:      []string{RuleHash, RuleField, RuleTimeWindow},
	}
}

// Detector checks transactions against cached and stored history. It is safe
// for concurrent use; concurrent writers of one hash agree on a single original.
type Detector struct {
	cfg        Config
	cache      domain.Cache
	store      Store
	strategies []Strategy
}

// NewDetector creates a detector. Either cache or store may be nil, not both.
func NewDetector(cfg Config, cache domain.Cache, store Store) (*Detector, error) {
	if cache == nil && store == nil {
		return nil, errors.New("duplicate detector needs a cache or a store")
	}
	if len(cfg.HashFields) == 0 {
		cfg.HashFields = DefaultHashFields
	}
	d := &Detector{cfg: cfg, cache: cache, store: store}

	names := cfg.Strategies
	if len(names) == 0 {
		names = DefaultConfig().Strategies
	}
	for _, name := range names {
		s, err := d.Strategy(name)
		if err != nil {
			return nil, err
		}
		d.strategies = append(d.strategies, s)
	}
	return d, nil
}

// Strategy builds a configured strategy by name.
func (d *Detector) Strategy(name string) (Strategy, error) {
	switch name {
	case RuleHash:
		return HashStrategy{Fields: d.cfg.HashFields, Score: d.cfg.HashScore}, nil
	case RuleField:
		return FieldStrategy{
			Fields:     d.cfg.MatchFields,
			Similarity: d.cfg.Similarity,
			Threshold:  d.cfg.FieldThreshold,
			Limit:      d.cfg.CandidateLimit,
		}, nil
	case RuleTimeWindow:
		return TimeWindowStrategy{
			Window:    d.cfg.TimeWindow,
			Threshold: d.cfg.WindowThreshold,
			Limit:     d.cfg.CandidateLimit,
		}, nil
	case RuleStrict:
		return StrictStrategy{Limit: d.cfg.CandidateLimit}, nil
	case RuleComposite:
		field, _ := d.Strategy(RuleField)
		window, _ := d.Strategy(RuleTimeWindow)
		return CompositeStrategy{Strategies: []Strategy{field, window}, Factor: d.cfg.CompositeFactor}, nil
	default:
		return nil, fmt.Errorf("unknown duplicate strategy: %s", name)
	}
}

// CheckDuplicate runs strategies (the configured set when none are given)
// against history. A unique transaction is recorded so later calls find it.
// The error is non-nil only for a nil transaction or a cancelled context.
func (d *Detector) CheckDuplicate(ctx context.Context, tx *domain.BankTransaction, strategies ...Strategy) (*domain.DuplicateResult, error) {
	if tx == nil {
		return nil, errors.New("transaction is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(strategies) == 0 {
		strategies = d.strategies
	}

	result := &domain.DuplicateResult{
		TransactionID: tx.ID,
		Matches:       []domain.DuplicateMatch{},
	}

	var all []domain.DuplicateMatch
	for _, s := range strategies {
		found, err := s.Find(ctx, tx, d)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			slog.Warn("duplicate strategy failed",
				"strategy", s.Name(),
				"tx_id", tx.ID,
				"error", err,
			)
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		all = append(all, found...)
	}
	result.Matches = append(result.Matches, bestPerOriginal(all)...)

	if len(result.Matches) == 0 && len(result.Errors) == 0 {
		if err := d.record(ctx, tx, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record: %v", err))
		}
	}

	d.decide(result)
	d.audit(ctx, result)
	return result, nil
}

// CheckBatch checks txs in order against history, then compares the batch with
// itself so a later exact copy of an earlier item is always a duplicate.
func (d *Detector) CheckBatch(ctx context.Context, txs []*domain.BankTransaction) ([]*domain.DuplicateResult, error) {
	results := make([]*domain.DuplicateResult, len(txs))
	for i, tx := range txs {
		r, err := d.CheckDuplicate(ctx, tx)
		if err != nil {
			return nil, fmt.Errorf("check transaction %d: %w", i, err)
		}
		results[i] = r
	}

	records := make([]record, len(txs))
	for i, tx := range txs {
		records[i] = fromTx(tx)
	}

	for j := 1; j < len(txs); j++ {
		if results[j].IsDuplicate {
			continue
		}
		for i := 0; i < j; i++ {
			if !sameTuple(records[i], records[j]) {
				continue
			}
			results[j].Matches = append(results[j].Matches, domain.DuplicateMatch{
				OriginalID:      txs[i].ID,
				DuplicateID:     txs[j].ID,
				Confidence:      domain.ConfidenceExact,
				ConfidenceScore: 1.0,
				MatchingFields:  append([]string(nil), DefaultHashFields...),
				DetectionRule:   RuleWithin,
				Details:         map[string]any{"batch_index": i},
			})
			d.decide(results[j])
			d.audit(ctx, results[j])
			break
		}
	}
	return results, nil
}

// decide sets IsDuplicate and the recommended action from the best match.
func (d *Detector) decide(r *domain.DuplicateResult) {
	best := r.BestMatch()
	switch {
	case best != nil:
		r.IsDuplicate = true
		r.RecommendedAction = domain.ActionForConfidence(best.Confidence)
	case len(r.Errors) > 0:
		r.IsDuplicate = false
		r.RecommendedAction = domain.ActionError
	default:
		r.IsDuplicate = false
		r.RecommendedAction = ""
	}
}

// record stores the fingerprint of a unique transaction with insert-if-absent
// semantics. Losing the insert to another transaction id turns tx into its
// duplicate.
func (d *Detector) record(ctx context.Context, tx *domain.BankTransaction, result *domain.DuplicateResult) error {
	hash := Hash(tx, d.cfg.HashFields)

	winner := tx.ID
	if d.store != nil {
		fp := &domain.Fingerprint{
			Hash:          hash,
			TransactionID: tx.ID,
			AccountNumber: tx.AccountNumber,
			Amount:        tx.Amount,
			Currency:      tx.Currency,
			Description:   tx.Description,
			Reference:     tx.Reference,
			Date:          tx.Date,
			CreatedAt:     time.Now().UTC(),
		}
		inserted, err := d.store.InsertFingerprint(ctx, fp)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := d.store.GetFingerprint(ctx, hash)
			if err != nil {
				return err
			}
			winner = existing.TransactionID
		}
		if d.cache != nil {
			if err := d.cache.Set(ctx, cacheKey(hash), []byte(winner), d.cfg.CacheTTL); err != nil {
				slog.Warn("duplicate cache write failed", "tx_id", tx.ID, "error", err)
			}
		}
	} else {
		stored, err := d.cache.SetNX(ctx, cacheKey(hash), []byte(tx.ID), d.cfg.CacheTTL)
		if err != nil {
			return err
		}
		if !stored {
			val, err := d.cache.Get(ctx, cacheKey(hash))
			if err != nil {
				return err
			}
			if val != nil {
				winner = string(val)
			}
		}
	}

	if winner != tx.ID {
		result.Matches = append(result.Matches, domain.DuplicateMatch{
			OriginalID:      winner,
			DuplicateID:     tx.ID,
			Confidence:      domain.ConfidenceHigh,
			ConfidenceScore: hashScore(d.cfg.HashScore),
			MatchingFields:  append([]string(nil), d.cfg.HashFields...),
			DetectionRule:   RuleHash,
			Details:         map[string]any{"hash": hash, "concurrent_insert": true},
		})
	}
	return nil
}

func (d *Detector) audit(ctx context.Context, r *domain.DuplicateResult) {
	if d.store == nil {
		return
	}
	entry := &domain.DuplicateAudit{
		TransactionID: r.TransactionID,
		IsDuplicate:   r.IsDuplicate,
		Action:        r.RecommendedAction,
		Details:       map[string]any{"matches": len(r.Matches)},
		CreatedAt:     time.Now().UTC(),
	}
	if best := r.BestMatch(); best != nil {
		entry.OriginalID = best.OriginalID
		entry.Confidence = best.Confidence
		entry.Score = best.ConfidenceScore
		entry.DetectionRule = best.DetectionRule
	}
	if len(r.Errors) > 0 {
		entry.Details["errors"] = r.Errors
	}
	if err := d.store.AppendDuplicateAudit(ctx, entry); err != nil {
		slog.Warn("duplicate audit append failed", "tx_id", r.TransactionID, "error", err)
	}
}

// ByHash implements Lookup: cache first, then store.
func (d *Detector) ByHash(ctx context.Context, hash string) (*domain.Fingerprint, error) {
	if d.cache != nil {
		val, err := d.cache.Get(ctx, cacheKey(hash))
		if err != nil {
			slog.Warn("duplicate cache read failed", "error", err)
		} else if val != nil {
			return &domain.Fingerprint{Hash: hash, TransactionID: string(val)}, nil
		}
	}
	if d.store == nil {
		return nil, nil
	}

	fp, err := d.store.GetFingerprint(ctx, hash)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		_ = d.cache.Set(ctx, cacheKey(hash), []byte(fp.TransactionID), d.cfg.CacheTTL)
	}
	return fp, nil
}

// Candidates implements Lookup. Without a store there are no candidates.
func (d *Detector) Candidates(ctx context.Context, q domain.CandidateQuery) ([]*domain.Fingerprint, error) {
	if d.store == nil {
		return nil, nil
	}
	if q.Limit == 0 {
		q.Limit = d.cfg.CandidateLimit
	}
	return d.store.FindCandidates(ctx, q)
}

func cacheKey(hash string) string {
	return "dup:fp:" + hash
}

func hashScore(s float64) float64 {
	if s == 0 {
		return 0.95
	}
	return s
}

func round4(f float64) float64 {
	return math.Round(f*1e4) / 1e4
}
