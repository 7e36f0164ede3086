package db

import (
	"database/sql"
	"fmt"
)

// Timestamps are stored as unix milliseconds so range predicates compare numerically.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    exchange_order_id TEXT NOT NULL DEFAULT '',
    strategy_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    exchange TEXT NOT NULL,
    market_type TEXT NOT NULL DEFAULT 'SPOT',
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    kind TEXT NOT NULL,
    qty REAL NOT NULL,
    price REAL NOT NULL DEFAULT 0,
    stop_price REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_strategy_symbol ON orders(strategy_id, symbol);
CREATE INDEX IF NOT EXISTS idx_orders_status_updated ON orders(status, updated_at);

CREATE TABLE IF NOT EXISTS failed_operations (
    id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    exchange TEXT NOT NULL,
    strategy_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    kind TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL,
    next_attempt_at INTEGER NOT NULL,
    last_failure_reason TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT 'ACTIVE',
    version INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_failed_ops_active
    ON failed_operations(order_id, kind) WHERE state = 'ACTIVE';
CREATE INDEX IF NOT EXISTS idx_failed_ops_due ON failed_operations(state, next_attempt_at);

CREATE TABLE IF NOT EXISTS strategy_accounts (
    id TEXT PRIMARY KEY,
    strategy_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    market_type TEXT NOT NULL,
    weight REAL NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_strategy_accounts_account ON strategy_accounts(account_id, market_type);

CREATE TABLE IF NOT EXISTS capital_allocations (
    strategy_account_id TEXT NOT NULL,
    market_type TEXT NOT NULL,
    account_id TEXT NOT NULL,
    weight REAL NOT NULL,
    allocated_capital TEXT NOT NULL,
    last_known_balance TEXT NOT NULL,
    last_rebalance_at INTEGER NOT NULL,
    PRIMARY KEY (strategy_account_id, market_type)
);

CREATE TABLE IF NOT EXISTS daily_balances (
    account_id TEXT NOT NULL,
    market_type TEXT NOT NULL,
    day TEXT NOT NULL,
    ending_balance REAL NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (account_id, market_type, day)
);

CREATE TABLE IF NOT EXISTS account_balance_summaries (
    account_id TEXT PRIMARY KEY,
    ending_balance REAL NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    exchange_type TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    api_key_encrypted TEXT NOT NULL DEFAULT '',
    api_secret_encrypted TEXT NOT NULL DEFAULT '',
    key_version INTEGER NOT NULL DEFAULT 0,
    testnet INTEGER NOT NULL DEFAULT 0,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS strategy_positions (
    strategy_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    account_id TEXT NOT NULL,
    market_type TEXT NOT NULL,
    qty REAL NOT NULL DEFAULT 0,
    avg_price REAL NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (strategy_id, symbol)
);

CREATE TABLE IF NOT EXISTS order_settlements (
    order_id TEXT PRIMARY KEY,
    strategy_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    market_type TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    status TEXT NOT NULL,
    filled_qty REAL NOT NULL DEFAULT 0,
    avg_price REAL NOT NULL DEFAULT 0,
    settled_at INTEGER NOT NULL
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Columns added after the first release.
	if err := ensureColumn(d.DB, "orders", "is_activated", "INTEGER"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "orders", "activation_detected_at", "INTEGER"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "orders", "last_error", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "orders", "batch_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "orders", "reduce_only", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
