package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
)

const positionEpsilon = 1e-12

// SettleOrder removes an order at the given version and records its venue
// outcome in one transaction. The filled quantity is folded into the
// strategy position the first time an order id is settled; settling the
// same id again leaves the position untouched.
func (d *Database) SettleOrder(ctx context.Context, id string, version int64, s Settlement) error {
	if s.SettledAt.IsZero() {
		s.SettledAt = time.Now().UTC()
	}
	s.OrderID = id
	return d.withTx(ctx, func(tx *sql.Tx) error {
		if err := expectOne(tx.ExecContext(ctx, `DELETE FROM orders WHERE id = ? AND version = ?`, id, version)); err != nil {
			return err
		}
		inserted, err := insertSettlement(ctx, tx, s)
		if err != nil {
			return err
		}
		if !inserted || s.FilledQty <= 0 {
			return nil
		}
		return applyFill(ctx, tx, s)
	})
}

// IsSettled reports whether an order id already reached a terminal venue state.
func (d *Database) IsSettled(ctx context.Context, id string) (bool, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM order_settlements WHERE order_id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("settlement lookup: %w", err)
	}
	return n > 0, nil
}

// GetStrategyPosition returns the position of a strategy on a symbol.
func (d *Database) GetStrategyPosition(ctx context.Context, strategyID, symbol string) (StrategyPosition, error) {
	p := StrategyPosition{StrategyID: strategyID, Symbol: symbol}
	var at int64
	err := d.DB.QueryRowContext(ctx, `
		SELECT account_id, market_type, qty, avg_price, updated_at
		FROM strategy_positions WHERE strategy_id = ? AND symbol = ?
	`, strategyID, symbol).Scan(&p.AccountID, &p.MarketType, &p.Qty, &p.AvgPrice, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return StrategyPosition{}, ErrNotFound
	}
	if err != nil {
		return StrategyPosition{}, fmt.Errorf("strategy position: %w", err)
	}
	p.UpdatedAt = fromMillis(at)
	return p, nil
}

func insertSettlement(ctx context.Context, tx *sql.Tx, s Settlement) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO order_settlements (
			order_id, strategy_id, account_id, market_type, symbol, side, status, filled_qty, avg_price, settled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO NOTHING
	`, s.OrderID, s.StrategyID, s.AccountID, s.MarketType, s.Symbol, s.Side, s.Status,
		s.FilledQty, s.AvgPrice, toMillis(s.SettledAt))
	if err != nil {
		return false, fmt.Errorf("insert settlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func applyFill(ctx context.Context, tx *sql.Tx, s Settlement) error {
	var qty, avg float64
	err := tx.QueryRowContext(ctx, `
		SELECT qty, avg_price FROM strategy_positions WHERE strategy_id = ? AND symbol = ?
	`, s.StrategyID, s.Symbol).Scan(&qty, &avg)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read position: %w", err)
	}

	delta := s.FilledQty
	if s.Side == "SELL" {
		delta = -delta
	}
	qty, avg = foldFill(qty, avg, delta, s.AvgPrice)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO strategy_positions (strategy_id, symbol, account_id, market_type, qty, avg_price, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(strategy_id, symbol) DO UPDATE SET
			account_id = excluded.account_id,
			market_type = excluded.market_type,
			qty = excluded.qty,
			avg_price = excluded.avg_price,
			updated_at = excluded.updated_at
	`, s.StrategyID, s.Symbol, s.AccountID, s.MarketType, qty, avg, toMillis(s.SettledAt))
	if err != nil {
		return fmt.Errorf("write position: %w", err)
	}
	return nil
}

// foldFill applies a signed fill to a position. Adding to a position averages
// the entry price, reducing keeps it, and flipping starts at the fill price.
func foldFill(qty, avg, delta, price float64) (float64, float64) {
	next := qty + delta
	switch {
	case math.Abs(next) <= positionEpsilon:
		return 0, 0
	case math.Abs(qty) <= positionEpsilon || (qty > 0) == (delta > 0):
		return next, (math.Abs(qty)*avg + math.Abs(delta)*price) / math.Abs(next)
	case (qty > 0) == (next > 0):
		return next, avg
	default:
		return next, price
	}
}
