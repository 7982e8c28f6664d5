// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New opens the configured database and applies the schema.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	db, driver, err := open(cfg)
	if err != nil {
		return nil, err
	}

	repo := &SQLRepository{
		db:     db,
		driver: driver,
	}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// InsertFingerprint stores fp unless its hash is already present.
// It reports whether this call inserted the row.
func (r *SQLRepository) InsertFingerprint(ctx context.Context, fp *domain.Fingerprint) (bool, error) {
	if fp == nil || fp.Hash == "" || fp.TransactionID == "" {
		return false, fmt.Errorf("%w: fingerprint hash and transaction id are required", ErrInvalidInput)
	}

	createdAt := fp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO transaction_fingerprints (
			hash, tx_id, account_number, amount, currency,
			description, reference, tx_date, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		fp.Hash, fp.TransactionID, fp.AccountNumber,
		fp.Amount.String(), fp.Currency,
		fp.Description, fp.Reference,
		fp.Date.Unix(), createdAt,
	)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// GetFingerprint looks a fingerprint up by hash.
func (r *SQLRepository) GetFingerprint(ctx context.Context, hash string) (*domain.Fingerprint, error) {
	query := `
		SELECT hash, tx_id, account_number, amount, currency,
			   description, reference, tx_date, created_at
		FROM transaction_fingerprints
		WHERE hash = ?
	`

	fp, err := scanFingerprint(r.db.QueryRowContext(ctx, r.rebind(query), hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fp, nil
}

// FindCandidates returns fingerprints matching every non-zero field of q,
// most recent transaction date first.
func (r *SQLRepository) FindCandidates(ctx context.Context, q domain.CandidateQuery) ([]*domain.Fingerprint, error) {
	var (
		where []string
		args  []any
	)
	if q.AccountNumber != "" {
		where = append(where, "account_number = ?")
		args = append(args, q.AccountNumber)
	}
	if q.Amount != nil {
		where = append(where, "amount = ?")
		args = append(args, q.Amount.String())
	}
	if !q.From.IsZero() {
		where = append(where, "tx_date >= ?")
		args = append(args, q.From.Unix())
	}
	if !q.To.IsZero() {
		where = append(where, "tx_date <= ?")
		args = append(args, q.To.Unix())
	}
	if q.ExcludeTxID != "" {
		where = append(where, "tx_id <> ?")
		args = append(args, q.ExcludeTxID)
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT hash, tx_id, account_number, amount, currency,
			   description, reference, tx_date, created_at
		FROM transaction_fingerprints`)
	if len(where) > 0 {
		sb.WriteString("\n\t\tWHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString("\n\t\tORDER BY tx_date DESC, created_at DESC")
	if q.Limit > 0 {
		sb.WriteString("\n\t\tLIMIT " + strconv.Itoa(q.Limit))
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(sb.String()), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Fingerprint
	for rows.Next() {
		fp, err := scanFingerprint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFingerprint(row rowScanner) (*domain.Fingerprint, error) {
	var (
		fp     domain.Fingerprint
		amount string
		date   int64
	)
	if err := row.Scan(
		&fp.Hash, &fp.TransactionID, &fp.AccountNumber,
		&amount, &fp.Currency,
		&fp.Description, &fp.Reference,
		&date, &fp.CreatedAt,
	); err != nil {
		return nil, err
	}

	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount %q for fingerprint %s: %w", amount, fp.Hash, err)
	}
	fp.Amount = parsed
	fp.Date = time.Unix(date, 0).UTC()
	return &fp, nil
}

// AppendDuplicateAudit records a duplicate-detection decision.
func (r *SQLRepository) AppendDuplicateAudit(ctx context.Context, entry *domain.DuplicateAudit) error {
	if entry == nil || entry.TransactionID == "" {
		return fmt.Errorf("%w: audit transaction id is required", ErrInvalidInput)
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	details, _ := json.Marshal(entry.Details)

	isDuplicate := 0
	if entry.IsDuplicate {
		isDuplicate = 1
	}

	query := `
		INSERT INTO duplicate_audit (
			id, tx_id, is_duplicate, action, original_id,
			confidence, score, detection_rule, details, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		entry.ID, entry.TransactionID, isDuplicate,
		string(entry.Action), entry.OriginalID,
		string(entry.Confidence), entry.Score, entry.DetectionRule,
		string(details), entry.CreatedAt,
	)
	return err
}

// ListDuplicateAudit returns the audit trail for a transaction, oldest first.
func (r *SQLRepository) ListDuplicateAudit(ctx context.Context, txID string) ([]*domain.DuplicateAudit, error) {
	query := `
		SELECT id, tx_id, is_duplicate, action, original_id,
			   confidence, score, detection_rule, details, created_at
		FROM duplicate_audit
		WHERE tx_id = ?
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.DuplicateAudit
	for rows.Next() {
		var (
			e                           domain.DuplicateAudit
			isDuplicate                 int
			action, confidence, details string
		)
		if err := rows.Scan(
			&e.ID, &e.TransactionID, &isDuplicate, &action, &e.OriginalID,
			&confidence, &e.Score, &e.DetectionRule, &details, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.IsDuplicate = isDuplicate == 1
		e.Action = domain.RecommendedAction(action)
		e.Confidence = domain.Confidence(confidence)
		if details != "" && details != "null" {
			json.Unmarshal([]byte(details), &e.Details)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// SaveRuleConfig stores a rule configuration, replacing the same id and version.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	bands, _ := json.Marshal(rule.Bands)
	params, _ := json.Marshal(rule.Parameters)

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	version := rule.Version
	if version == "" {
		version = "1.0.0"
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, name, description, version, rule_type, severity,
			expression, bands, parameters, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			rule_type = excluded.rule_type,
			severity = excluded.severity,
			expression = excluded.expression,
			bands = excluded.bands,
			parameters = excluded.parameters,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, version,
		string(rule.Type), string(rule.Severity),
		rule.Expression, string(bands), string(params), enabled,
		now, now,
	)
	return err
}

// GetRuleConfig retrieves the latest version of a rule configuration.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, ruleID string) (*domain.RuleConfig, error) {
	query := `
		SELECT id, name, description, version, rule_type, severity,
			   expression, bands, parameters, enabled
		FROM rule_configs
		WHERE id = ?
		ORDER BY version DESC
		LIMIT 1
	`

	cfg, err := scanRuleConfig(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListRuleConfigs retrieves every stored rule configuration, enabled or not.
// When several versions of a rule exist, only the latest is returned.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	query := `
		SELECT id, name, description, version, rule_type, severity,
			   expression, bands, parameters, enabled
		FROM rule_configs
		ORDER BY id, version DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	seen := make(map[string]bool)
	for rows.Next() {
		cfg, err := scanRuleConfig(rows)
		if err != nil {
			return nil, err
		}
		if seen[cfg.ID] {
			continue
		}
		seen[cfg.ID] = true
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

func scanRuleConfig(row rowScanner) (*domain.RuleConfig, error) {
	var (
		cfg                 domain.RuleConfig
		ruleType, severity  string
		bands               string
		description, params sql.NullString
		enabled             int
	)
	if err := row.Scan(
		&cfg.ID, &cfg.Name, &description, &cfg.Version, &ruleType, &severity,
		&cfg.Expression, &bands, &params, &enabled,
	); err != nil {
		return nil, err
	}

	cfg.Description = description.String
	cfg.Type = domain.RuleType(ruleType)
	cfg.Severity = domain.Severity(severity)
	cfg.Enabled = enabled == 1

	if err := json.Unmarshal([]byte(bands), &cfg.Bands); err != nil {
		return nil, fmt.Errorf("failed to parse bands for rule %s: %w", cfg.ID, err)
	}
	if params.String != "" && params.String != "null" {
		if err := json.Unmarshal([]byte(params.String), &cfg.Parameters); err != nil {
			return nil, fmt.Errorf("failed to parse parameters for rule %s: %w", cfg.ID, err)
		}
	}
	return &cfg, nil
}

// SaveProcessed stores a pipeline outcome, replacing earlier runs of the
// same transaction.
func (r *SQLRepository) SaveProcessed(ctx context.Context, rec *domain.ProcessedRecord) error {
	if rec == nil || rec.TransactionID == "" {
		return fmt.Errorf("%w: processed transaction id is required", ErrInvalidInput)
	}
	if !json.Valid(rec.Payload) {
		return fmt.Errorf("%w: payload for %s is not JSON", ErrInvalidInput, rec.TransactionID)
	}
	processedAt := rec.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO processed_transactions (
			tx_id, status, category, risk_level, payload, processed_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tx_id) DO UPDATE SET
			status = excluded.status,
			category = excluded.category,
			risk_level = excluded.risk_level,
			payload = excluded.payload,
			processed_at = excluded.processed_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.TransactionID, string(rec.Status), string(rec.Category),
		string(rec.RiskLevel), string(rec.Payload), processedAt,
	)
	return err
}

// GetProcessed returns the stored JSON document for txID.
func (r *SQLRepository) GetProcessed(ctx context.Context, txID string) ([]byte, error) {
	query := `
		SELECT payload
		FROM processed_transactions
		WHERE tx_id = ?
	`

	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var sb strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			n++
		} else {
			sb.WriteByte(query[i])
		}
	}
	return sb.String()
}
