package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreateStrategyAccount links a strategy to an account for a market type.
func (d *Database) CreateStrategyAccount(ctx context.Context, sa StrategyAccount) (StrategyAccount, error) {
	if sa.ID == "" {
		sa.ID = uuid.NewString()
	}
	if sa.CreatedAt.IsZero() {
		sa.CreatedAt = time.Now().UTC()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategy_accounts (id, strategy_id, account_id, market_type, weight, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sa.ID, sa.StrategyID, sa.AccountID, sa.MarketType, sa.Weight, sa.Active, toMillis(sa.CreatedAt))
	if err != nil {
		return StrategyAccount{}, fmt.Errorf("insert strategy account: %w", err)
	}
	return sa, nil
}

// SetStrategyAccountActive toggles whether a link takes part in allocation.
func (d *Database) SetStrategyAccountActive(ctx context.Context, id string, active bool) error {
	res, err := d.DB.ExecContext(ctx, `UPDATE strategy_accounts SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("update strategy account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveStrategyAccounts returns the active links of an account and market type.
func (d *Database) ListActiveStrategyAccounts(ctx context.Context, accountID, marketType string) ([]StrategyAccount, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, strategy_id, account_id, market_type, weight, is_active, created_at
		FROM strategy_accounts
		WHERE account_id = ? AND market_type = ? AND is_active = 1
		ORDER BY created_at, id
	`, accountID, marketType)
	if err != nil {
		return nil, fmt.Errorf("query strategy accounts: %w", err)
	}
	defer rows.Close()

	var res []StrategyAccount
	for rows.Next() {
		var (
			sa      StrategyAccount
			created int64
		)
		if err := rows.Scan(&sa.ID, &sa.StrategyID, &sa.AccountID, &sa.MarketType, &sa.Weight, &sa.Active, &created); err != nil {
			return nil, fmt.Errorf("scan strategy account: %w", err)
		}
		sa.CreatedAt = fromMillis(created)
		res = append(res, sa)
	}
	return res, rows.Err()
}

// ListAccountMarkets returns every account and market type with at least one active link.
func (d *Database) ListAccountMarkets(ctx context.Context) ([]AccountMarket, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT DISTINCT account_id, market_type FROM strategy_accounts
		WHERE is_active = 1 ORDER BY account_id, market_type
	`)
	if err != nil {
		return nil, fmt.Errorf("query account markets: %w", err)
	}
	defer rows.Close()

	var res []AccountMarket
	for rows.Next() {
		var am AccountMarket
		if err := rows.Scan(&am.AccountID, &am.MarketType); err != nil {
			return nil, fmt.Errorf("scan account market: %w", err)
		}
		res = append(res, am)
	}
	return res, rows.Err()
}

// ListAllocations returns the current allocations of an account and market type.
func (d *Database) ListAllocations(ctx context.Context, accountID, marketType string) ([]CapitalAllocation, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT strategy_account_id, market_type, account_id, weight, allocated_capital, last_known_balance, last_rebalance_at
		FROM capital_allocations
		WHERE account_id = ? AND market_type = ?
		ORDER BY strategy_account_id
	`, accountID, marketType)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	var res []CapitalAllocation
	for rows.Next() {
		var (
			a  CapitalAllocation
			at int64
		)
		if err := rows.Scan(&a.StrategyAccountID, &a.MarketType, &a.AccountID, &a.Weight,
			&a.AllocatedCapital, &a.LastKnownBalance, &at); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		a.LastRebalanceAt = fromMillis(at)
		res = append(res, a)
	}
	return res, rows.Err()
}

// LastRebalance returns the balance and time recorded by the most recent
// rebalance of an account and market type, or ErrNotFound.
func (d *Database) LastRebalance(ctx context.Context, accountID, marketType string) (decimal.Decimal, time.Time, error) {
	var (
		bal decimal.Decimal
		at  int64
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT last_known_balance, last_rebalance_at FROM capital_allocations
		WHERE account_id = ? AND market_type = ?
		ORDER BY last_rebalance_at DESC LIMIT 1
	`, accountID, marketType).Scan(&bal, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, time.Time{}, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("last rebalance: %w", err)
	}
	return bal, fromMillis(at), nil
}

// ReplaceAllocations atomically swaps the allocation set of an account and
// market type. Rows of inactive links are kept until the link is removed.
func (d *Database) ReplaceAllocations(ctx context.Context, accountID, marketType string, allocs []CapitalAllocation) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM capital_allocations
			WHERE account_id = ? AND market_type = ?
				AND strategy_account_id NOT IN (SELECT id FROM strategy_accounts WHERE is_active = 0)
		`, accountID, marketType); err != nil {
			return fmt.Errorf("clear allocations: %w", err)
		}
		for _, a := range allocs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO capital_allocations (
					strategy_account_id, market_type, account_id, weight, allocated_capital, last_known_balance, last_rebalance_at
				) VALUES (?, ?, ?, ?, ?, ?, ?)
			`, a.StrategyAccountID, marketType, accountID, a.Weight, a.AllocatedCapital.String(),
				a.LastKnownBalance.String(), toMillis(a.LastRebalanceAt)); err != nil {
				return fmt.Errorf("insert allocation %s: %w", a.StrategyAccountID, err)
			}
		}
		return nil
	})
}

// AllocatedCapital returns the capital currently assigned to a strategy on an
// account and market type, or ErrNotFound when it has no allocation.
func (d *Database) AllocatedCapital(ctx context.Context, strategyID, accountID, marketType string) (decimal.Decimal, error) {
	var capital decimal.Decimal
	err := d.DB.QueryRowContext(ctx, `
		SELECT ca.allocated_capital
		FROM capital_allocations ca
		JOIN strategy_accounts sa ON sa.id = ca.strategy_account_id
		WHERE sa.strategy_id = ? AND sa.account_id = ? AND ca.market_type = ?
	`, strategyID, accountID, marketType).Scan(&capital)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("allocated capital: %w", err)
	}
	return capital, nil
}
