package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const orderColumns = `id, exchange_order_id, strategy_id, account_id, exchange, market_type, symbol, side, kind,
	qty, price, stop_price, reduce_only, status, is_activated, activation_detected_at, batch_id, last_error,
	version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(s rowScanner) (Order, error) {
	var (
		o           Order
		activated   sql.NullBool
		detectedAt  sql.NullInt64
		createdAt   int64
		updatedAt   int64
		statusValue string
	)
	err := s.Scan(&o.ID, &o.ExchangeOrderID, &o.StrategyID, &o.AccountID, &o.Exchange, &o.MarketType,
		&o.Symbol, &o.Side, &o.Kind, &o.Qty, &o.Price, &o.StopPrice, &o.ReduceOnly, &statusValue, &activated,
		&detectedAt, &o.BatchID, &o.LastError, &o.Version, &createdAt, &updatedAt)
	if err != nil {
		return Order{}, err
	}
	o.Status = OrderStatus(statusValue)
	if activated.Valid {
		v := activated.Bool
		o.IsActivated = &v
	}
	if detectedAt.Valid {
		t := fromMillis(detectedAt.Int64)
		o.ActivationDetectedAt = &t
	}
	o.CreatedAt = fromMillis(createdAt)
	o.UpdatedAt = fromMillis(updatedAt)
	return o, nil
}

// CreateOrder inserts a new order row at version 1 and returns the stored form.
func (d *Database) CreateOrder(ctx context.Context, o Order) (Order, error) {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	o.Version = 1
	if o.MarketType == "" {
		o.MarketType = "SPOT"
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ID, o.ExchangeOrderID, o.StrategyID, o.AccountID, o.Exchange, o.MarketType, o.Symbol, o.Side, o.Kind,
		o.Qty, o.Price, o.StopPrice, o.ReduceOnly, string(o.Status), nullBool(o.IsActivated), nullMillis(o.ActivationDetectedAt),
		o.BatchID, o.LastError, o.Version, toMillis(o.CreatedAt), toMillis(o.UpdatedAt),
	)
	if err != nil {
		return Order{}, fmt.Errorf("insert order: %w", err)
	}
	return o, nil
}

// GetOrder loads an order by internal id.
func (d *Database) GetOrder(ctx context.Context, id string) (Order, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// UpdateOrderStatus moves the order to status if it is still at version.
// It returns the new version or ErrVersionConflict.
func (d *Database) UpdateOrderStatus(ctx context.Context, id string, version int64, status OrderStatus, lastError string) (int64, error) {
	err := expectOne(d.DB.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, last_error = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, string(status), lastError, time.Now().UnixMilli(), id, version))
	if err != nil {
		return 0, err
	}
	return version + 1, nil
}

// AttachExchangeOrder records the venue order id after a successful submit.
func (d *Database) AttachExchangeOrder(ctx context.Context, id string, version int64, exchangeOrderID string, status OrderStatus, activated *bool) (int64, error) {
	now := time.Now().UTC()
	var detected *time.Time
	if activated != nil && *activated {
		detected = &now
	}
	err := expectOne(d.DB.ExecContext(ctx, `
		UPDATE orders
		SET exchange_order_id = ?, status = ?, is_activated = COALESCE(?, is_activated),
			activation_detected_at = COALESCE(?, activation_detected_at),
			last_error = '', version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, exchangeOrderID, string(status), nullBool(activated), nullMillis(detected), now.UnixMilli(), id, version))
	if err != nil {
		return 0, err
	}
	return version + 1, nil
}

// UpdateOrderActivation stores the stop activation flag and when it was observed.
func (d *Database) UpdateOrderActivation(ctx context.Context, id string, version int64, activated bool, detectedAt time.Time) (int64, error) {
	err := expectOne(d.DB.ExecContext(ctx, `
		UPDATE orders
		SET is_activated = ?, activation_detected_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, activated, detectedAt.UnixMilli(), time.Now().UnixMilli(), id, version))
	if err != nil {
		return 0, err
	}
	return version + 1, nil
}

// AssignOrderExchange stores the venue name of an order that was persisted
// before its adapter could be resolved.
func (d *Database) AssignOrderExchange(ctx context.Context, id string, version int64, exchange string) (int64, error) {
	err := expectOne(d.DB.ExecContext(ctx, `
		UPDATE orders SET exchange = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, exchange, time.Now().UnixMilli(), id, version))
	if err != nil {
		return 0, err
	}
	return version + 1, nil
}

// DeleteOrder removes an order that reached a terminal venue state.
func (d *Database) DeleteOrder(ctx context.Context, id string, version int64) error {
	return expectOne(d.DB.ExecContext(ctx, `DELETE FROM orders WHERE id = ? AND version = ?`, id, version))
}

// ListOrdersBySymbol returns the orders of a strategy on symbol, oldest first.
// With no statuses every stored order is returned.
func (d *Database) ListOrdersBySymbol(ctx context.Context, strategyID, symbol string, statuses ...OrderStatus) ([]Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE strategy_id = ? AND symbol = ?`
	args := []any{strategyID, symbol}
	if len(statuses) > 0 {
		clause, statusArgs := inClause(statuses)
		query += ` AND status IN ` + clause
		args = append(args, statusArgs...)
	}
	query += ` ORDER BY created_at, id`
	return d.queryOrders(ctx, query, args...)
}

// ListStaleOrders returns orders in one of statuses untouched since before.
func (d *Database) ListStaleOrders(ctx context.Context, before time.Time, statuses ...OrderStatus) ([]Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	clause, args := inClause(statuses)
	args = append(args, before.UnixMilli())
	return d.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status IN `+clause+` AND updated_at < ?
		ORDER BY updated_at, id`, args...)
}

// CountOrdersByStatus reports how many orders sit in each status.
func (d *Database) CountOrdersByStatus(ctx context.Context) (map[OrderStatus]int, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}
	defer rows.Close()

	res := make(map[OrderStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan order count: %w", err)
		}
		res[OrderStatus(status)] = n
	}
	return res, rows.Err()
}

func (d *Database) queryOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func inClause(statuses []OrderStatus) (string, []any) {
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",") + ")", args
}
