package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
)

// UpsertDailyBalance stores the ending balance of an account for one day (YYYY-MM-DD).
func (d *Database) UpsertDailyBalance(ctx context.Context, accountID, marketType, day string, amount float64) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO daily_balances (account_id, market_type, day, ending_balance, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, market_type, day) DO UPDATE SET
			ending_balance = excluded.ending_balance,
			updated_at = excluded.updated_at
	`, accountID, marketType, day, amount, time.Now().UnixMilli())
	return err
}

// LatestDailyBalance returns the most recent daily ending balance for a market type.
func (d *Database) LatestDailyBalance(ctx context.Context, accountID, marketType string) (float64, time.Time, error) {
	var (
		amount float64
		at     int64
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT ending_balance, updated_at FROM daily_balances
		WHERE account_id = ? AND market_type = ?
		ORDER BY day DESC LIMIT 1
	`, accountID, marketType).Scan(&amount, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, ErrNotFound
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("latest daily balance: %w", err)
	}
	return amount, fromMillis(at), nil
}

// UpsertAccountBalance stores the aggregate ending balance across markets.
func (d *Database) UpsertAccountBalance(ctx context.Context, accountID string, amount float64) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO account_balance_summaries (account_id, ending_balance, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			ending_balance = excluded.ending_balance,
			updated_at = excluded.updated_at
	`, accountID, amount, time.Now().UnixMilli())
	return err
}

// GetAccountBalance returns the aggregate ending balance of an account.
func (d *Database) GetAccountBalance(ctx context.Context, accountID string) (float64, time.Time, error) {
	var (
		amount float64
		at     int64
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT ending_balance, updated_at FROM account_balance_summaries WHERE account_id = ?
	`, accountID).Scan(&amount, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, ErrNotFound
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("account balance: %w", err)
	}
	return amount, fromMillis(at), nil
}

// UpsertStrategyPosition stores the latest exposure of a strategy on a symbol.
func (d *Database) UpsertStrategyPosition(ctx context.Context, p StrategyPosition) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategy_positions (strategy_id, symbol, account_id, market_type, qty, avg_price, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(strategy_id, symbol) DO UPDATE SET
			account_id = excluded.account_id,
			market_type = excluded.market_type,
			qty = excluded.qty,
			avg_price = excluded.avg_price,
			updated_at = excluded.updated_at
	`, p.StrategyID, p.Symbol, p.AccountID, p.MarketType, p.Qty, p.AvgPrice, time.Now().UnixMilli())
	return err
}

// HasOpenPositions reports whether any strategy on the account holds a
// non-zero position. An empty marketType checks every market.
func (d *Database) HasOpenPositions(ctx context.Context, accountID, marketType string) (bool, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT qty FROM strategy_positions WHERE account_id = ? AND (? = '' OR market_type = ?)
	`, accountID, marketType, marketType)
	if err != nil {
		return false, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	open := false
	for rows.Next() {
		var qty float64
		if err := rows.Scan(&qty); err != nil {
			return false, fmt.Errorf("scan position: %w", err)
		}
		if math.Abs(qty) > 1e-12 {
			open = true
		}
	}
	return open, rows.Err()
}
