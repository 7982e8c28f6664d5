package repository

// Schema definitions for Kestrel database.
// Compatible with both SQLite and PostgreSQL.

// Dates are stored as unix seconds so range predicates behave the same on
// both drivers. Amounts are stored as canonical decimal strings.
const schemaFingerprints = `
CREATE TABLE IF NOT EXISTS transaction_fingerprints (
    hash TEXT PRIMARY KEY,
    tx_id TEXT NOT NULL,
    account_number TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    description TEXT NOT NULL,
    reference TEXT NOT NULL,
    tx_date BIGINT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fingerprints_account_date ON transaction_fingerprints(account_number, tx_date);
CREATE INDEX IF NOT EXISTS idx_fingerprints_amount ON transaction_fingerprints(amount);
CREATE INDEX IF NOT EXISTS idx_fingerprints_tx ON transaction_fingerprints(tx_id);
`

const schemaDuplicateAudit = `
CREATE TABLE IF NOT EXISTS duplicate_audit (
    id TEXT PRIMARY KEY,
    tx_id TEXT NOT NULL,
    is_duplicate INTEGER NOT NULL DEFAULT 0,
    action TEXT,
    original_id TEXT,
    confidence TEXT,
    score REAL NOT NULL DEFAULT 0,
    detection_rule TEXT,
    details TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_duplicate_audit_tx ON duplicate_audit(tx_id);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    rule_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    expression TEXT NOT NULL,
    bands TEXT NOT NULL,
    parameters TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(enabled);
`

const schemaProcessed = `
CREATE TABLE IF NOT EXISTS processed_transactions (
    tx_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    category TEXT NOT NULL,
    risk_level TEXT NOT NULL,
    payload TEXT NOT NULL,
    processed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_processed_status ON processed_transactions(status);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaFingerprints,
		schemaDuplicateAudit,
		schemaRuleConfigs,
		schemaProcessed,
	}
}
