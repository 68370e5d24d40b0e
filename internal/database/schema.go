package database

// schemas maps database names to their embedded schema SQL.
// Each statement is idempotent (CREATE TABLE IF NOT EXISTS) so Migrate can
// run on every startup.
var schemas = map[string]string{
	"core":   coreSchema,
	"ledger": ledgerSchema,
	"cache":  cacheSchema,
}

// coreSchema holds rebalancing strategies, operations and user holdings.
const coreSchema = `
CREATE TABLE IF NOT EXISTS strategies (
    id                  TEXT PRIMARY KEY,
    user_id             TEXT NOT NULL,
    name                TEXT NOT NULL DEFAULT '',
    dimension           TEXT NOT NULL,
    target_allocation   TEXT NOT NULL,
    trigger_type        TEXT NOT NULL,
    tolerance_pct       REAL NOT NULL DEFAULT 0,
    interval_seconds    INTEGER NOT NULL DEFAULT 0,
    manual_approval     INTEGER NOT NULL DEFAULT 0,
    simulate_first      INTEGER NOT NULL DEFAULT 1,
    notify_prefs        TEXT NOT NULL DEFAULT '{}',
    active              INTEGER NOT NULL DEFAULT 1,
    last_rebalanced_at  INTEGER,
    next_scheduled_at   INTEGER,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_strategies_user ON strategies(user_id);
CREATE INDEX IF NOT EXISTS idx_strategies_trigger ON strategies(trigger_type, active);

CREATE TABLE IF NOT EXISTS operations (
    id                  TEXT PRIMARY KEY,
    user_id             TEXT NOT NULL,
    strategy_id         TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL,
    initiated_by        TEXT NOT NULL,
    dimension           TEXT NOT NULL,
    current_allocation  TEXT NOT NULL,
    target_allocation   TEXT NOT NULL,
    transactions        TEXT NOT NULL DEFAULT '[]',
    simulation          TEXT,
    approval            TEXT,
    performance         TEXT,
    notified            TEXT NOT NULL DEFAULT '[]',
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL,
    completed_at        INTEGER
);

CREATE INDEX IF NOT EXISTS idx_operations_user ON operations(user_id);
CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);

CREATE TABLE IF NOT EXISTS holdings (
    user_id     TEXT NOT NULL,
    asset       TEXT NOT NULL,
    protocol_id TEXT NOT NULL DEFAULT '',
    chain       TEXT NOT NULL DEFAULT '',
    amount      REAL NOT NULL DEFAULT 0,
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (user_id, asset, protocol_id, chain)
);
`

// ledgerSchema is the immutable audit trail of executed transactions.
// Append-only: rows are never updated or deleted.
const ledgerSchema = `
CREATE TABLE IF NOT EXISTS transaction_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    operation_id    TEXT NOT NULL,
    transaction_id  TEXT NOT NULL,
    user_id         TEXT NOT NULL,
    tx_type         TEXT NOT NULL,
    from_asset      TEXT NOT NULL DEFAULT '',
    to_asset        TEXT NOT NULL DEFAULT '',
    amount_usd      REAL NOT NULL,
    gas_cost_usd    REAL NOT NULL DEFAULT 0,
    slippage_pct    REAL NOT NULL DEFAULT 0,
    tx_ref          TEXT NOT NULL DEFAULT '',
    recorded_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_txlog_operation ON transaction_log(operation_id);
CREATE INDEX IF NOT EXISTS idx_txlog_user ON transaction_log(user_id);
`

// cacheSchema holds ephemeral risk-score cache entries (msgpack payloads).
const cacheSchema = `
CREATE TABLE IF NOT EXISTS risk_scores (
    subject_id   TEXT PRIMARY KEY,
    subject_type TEXT NOT NULL,
    payload      BLOB NOT NULL,
    expires_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_risk_scores_expiry ON risk_scores(expires_at);
`
