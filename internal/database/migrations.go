package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS users (
    user_id TEXT PRIMARY KEY,
    full_name TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    consent_status INTEGER NOT NULL DEFAULT 0,
    consent_granted_at TEXT,
    consent_revoked_at TEXT,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS consent_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL REFERENCES users(user_id),
    action TEXT NOT NULL CHECK(action IN ('granted', 'revoked')),
    timestamp TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_signals (
    user_id TEXT NOT NULL REFERENCES users(user_id),
    window_days INTEGER NOT NULL,
    payload TEXT NOT NULL,
    computed_at TEXT NOT NULL,
    PRIMARY KEY (user_id, window_days)
);

CREATE TABLE IF NOT EXISTS personas (
    user_id TEXT NOT NULL REFERENCES users(user_id),
    window_days INTEGER NOT NULL,
    persona_type TEXT NOT NULL,
    confidence_score REAL NOT NULL,
    reasoning TEXT NOT NULL,
    assigned_at TEXT NOT NULL,
    PRIMARY KEY (user_id, window_days)
);

CREATE TABLE IF NOT EXISTS recommendations (
    recommendation_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(user_id),
    persona_type TEXT NOT NULL,
    window_days INTEGER NOT NULL,
    content_type TEXT NOT NULL CHECK(content_type IN ('education', 'partner_offer')),
    title TEXT NOT NULL,
    body TEXT,
    rationale TEXT NOT NULL CHECK(rationale <> ''),
    status TEXT NOT NULL CHECK(status IN ('pending_approval', 'approved', 'overridden', 'rejected')),
    approved_by TEXT,
    approved_at TEXT,
    override_reason TEXT,
    original_content TEXT,
    metadata TEXT NOT NULL,
    generated_at TEXT NOT NULL,
    generation_latency_ms INTEGER,
    expires_at TEXT
);

CREATE TABLE IF NOT EXISTS operator_actions (
    action_id INTEGER PRIMARY KEY AUTOINCREMENT,
    operator_id TEXT NOT NULL,
    action_type TEXT NOT NULL CHECK(action_type IN ('approve', 'reject', 'override')),
    recommendation_id TEXT NOT NULL REFERENCES recommendations(recommendation_id),
    user_id TEXT NOT NULL,
    reason TEXT,
    timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_recommendations_fingerprint ON recommendations(user_id, window_days, status);
CREATE INDEX IF NOT EXISTS idx_recommendations_status ON recommendations(status);
CREATE INDEX IF NOT EXISTS idx_operator_actions_rec ON operator_actions(recommendation_id);
CREATE INDEX IF NOT EXISTS idx_operator_actions_user ON operator_actions(user_id);
CREATE INDEX IF NOT EXISTS idx_consent_log_user ON consent_log(user_id);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "product offers, generation claims and runs",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS product_offers (
    offer_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    provider TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    target_personas TEXT NOT NULL DEFAULT '[]',
    min_income REAL NOT NULL DEFAULT 0,
    max_credit_utilization REAL NOT NULL DEFAULT 1.0,
    requires_no_existing_savings INTEGER NOT NULL DEFAULT 0,
    requires_no_existing_investment INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS generation_claims (
    fingerprint TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    claimed_at TEXT NOT NULL,
    expires_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS generation_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    fingerprint TEXT NOT NULL,
    cached INTEGER NOT NULL,
    recommendation_count INTEGER NOT NULL,
    latency_ms INTEGER NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_product_offers_active ON product_offers(active);
CREATE INDEX IF NOT EXISTS idx_generation_runs_fingerprint ON generation_runs(fingerprint);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
