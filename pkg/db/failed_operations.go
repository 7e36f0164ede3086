package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const failedOpColumns = `id, order_id, account_id, exchange, strategy_id, symbol, kind, retry_count, max_retries,
	next_attempt_at, last_failure_reason, state, version, created_at, updated_at`

func scanFailedOperation(s rowScanner) (FailedOperation, error) {
	var (
		f                  FailedOperation
		kind, state        string
		next, created, upd int64
	)
	err := s.Scan(&f.ID, &f.OrderID, &f.AccountID, &f.Exchange, &f.StrategyID, &f.Symbol, &kind,
		&f.RetryCount, &f.MaxRetries, &next, &f.LastFailureReason, &state, &f.Version, &created, &upd)
	if err != nil {
		return FailedOperation{}, err
	}
	f.Kind = OperationKind(kind)
	f.State = FailedOperationState(state)
	f.NextAttemptAt = fromMillis(next)
	f.CreatedAt = fromMillis(created)
	f.UpdatedAt = fromMillis(upd)
	return f, nil
}

// UpsertFailedOperation stores f as a new ACTIVE record. When an ACTIVE record
// for the same order and kind already exists only its failure reason is
// refreshed; its schedule and retry budget are left alone. The stored record
// and whether it was newly created are returned.
func (d *Database) UpsertFailedOperation(ctx context.Context, f FailedOperation) (FailedOperation, bool, error) {
	var (
		stored  FailedOperation
		created bool
	)
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+failedOpColumns+` FROM failed_operations
			WHERE order_id = ? AND kind = ? AND state = 'ACTIVE'`, f.OrderID, string(f.Kind))
		existing, err := scanFailedOperation(row)
		now := time.Now().UTC()
		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx, `
				UPDATE failed_operations SET last_failure_reason = ?, updated_at = ? WHERE id = ?
			`, f.LastFailureReason, now.UnixMilli(), existing.ID); err != nil {
				return fmt.Errorf("refresh failed operation: %w", err)
			}
			existing.LastFailureReason = f.LastFailureReason
			existing.UpdatedAt = now
			stored = existing
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup failed operation: %w", err)
		}

		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		f.State = FailedActive
		f.Version = 1
		f.CreatedAt = now
		f.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO failed_operations (`+failedOpColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, f.ID, f.OrderID, f.AccountID, f.Exchange, f.StrategyID, f.Symbol, string(f.Kind), f.RetryCount,
			f.MaxRetries, toMillis(f.NextAttemptAt), f.LastFailureReason, string(f.State), f.Version,
			toMillis(f.CreatedAt), toMillis(f.UpdatedAt)); err != nil {
			return fmt.Errorf("insert failed operation: %w", err)
		}
		stored = f
		created = true
		return nil
	})
	return stored, created, err
}

// GetActiveFailedOperation returns the ACTIVE record for an order and kind.
func (d *Database) GetActiveFailedOperation(ctx context.Context, orderID string, kind OperationKind) (FailedOperation, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+failedOpColumns+` FROM failed_operations
		WHERE order_id = ? AND kind = ? AND state = 'ACTIVE'`, orderID, string(kind))
	f, err := scanFailedOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FailedOperation{}, ErrNotFound
	}
	if err != nil {
		return FailedOperation{}, fmt.Errorf("get failed operation: %w", err)
	}
	return f, nil
}

// ListDueFailedOperations returns ACTIVE records whose next attempt is at or before now.
func (d *Database) ListDueFailedOperations(ctx context.Context, now time.Time, limit int) ([]FailedOperation, error) {
	if limit <= 0 {
		limit = 500
	}
	return d.queryFailedOperations(ctx, `SELECT `+failedOpColumns+` FROM failed_operations
		WHERE state = 'ACTIVE' AND next_attempt_at <= ?
		ORDER BY next_attempt_at, id LIMIT ?`, now.UnixMilli(), limit)
}

// ListFailedOperations lists records in state, newest first. Empty state lists all.
func (d *Database) ListFailedOperations(ctx context.Context, state FailedOperationState, limit int) ([]FailedOperation, error) {
	if limit <= 0 {
		limit = 100
	}
	if state == "" {
		return d.queryFailedOperations(ctx, `SELECT `+failedOpColumns+` FROM failed_operations
			ORDER BY updated_at DESC, id LIMIT ?`, limit)
	}
	return d.queryFailedOperations(ctx, `SELECT `+failedOpColumns+` FROM failed_operations
		WHERE state = ? ORDER BY updated_at DESC, id LIMIT ?`, string(state), limit)
}

// RescheduleFailedOperation records another failed attempt.
func (d *Database) RescheduleFailedOperation(ctx context.Context, id string, version int64, retryCount int, next time.Time, reason string) error {
	return expectOne(d.DB.ExecContext(ctx, `
		UPDATE failed_operations
		SET retry_count = ?, next_attempt_at = ?, last_failure_reason = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND state = 'ACTIVE'
	`, retryCount, next.UnixMilli(), reason, time.Now().UnixMilli(), id, version))
}

// ExhaustFailedOperation moves a record out of the active set; it stays for audit.
func (d *Database) ExhaustFailedOperation(ctx context.Context, id string, version int64, retryCount int, reason string) error {
	return expectOne(d.DB.ExecContext(ctx, `
		UPDATE failed_operations
		SET state = 'EXHAUSTED', retry_count = ?, last_failure_reason = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND state = 'ACTIVE'
	`, retryCount, reason, time.Now().UnixMilli(), id, version))
}

// DeleteFailedOperation removes a record after its operation succeeded.
func (d *Database) DeleteFailedOperation(ctx context.Context, id string, version int64) error {
	return expectOne(d.DB.ExecContext(ctx, `DELETE FROM failed_operations WHERE id = ? AND version = ?`, id, version))
}

// CountFailedOperations reports record counts per state.
func (d *Database) CountFailedOperations(ctx context.Context) (map[FailedOperationState]int, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM failed_operations GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count failed operations: %w", err)
	}
	defer rows.Close()

	res := make(map[FailedOperationState]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan failed operation count: %w", err)
		}
		res[FailedOperationState(state)] = n
	}
	return res, rows.Err()
}

func (d *Database) queryFailedOperations(ctx context.Context, query string, args ...any) ([]FailedOperation, error) {
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed operations: %w", err)
	}
	defer rows.Close()

	var res []FailedOperation
	for rows.Next() {
		f, err := scanFailedOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed operation: %w", err)
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
