package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertAccount inserts or replaces an account's venue and credentials.
// Callers encrypt credentials before storing them.
func (d *Database) UpsertAccount(ctx context.Context, a Account) (Account, error) {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO accounts (
			id, exchange_type, name, api_key_encrypted, api_secret_encrypted, key_version, testnet, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			exchange_type = excluded.exchange_type,
			name = excluded.name,
			api_key_encrypted = excluded.api_key_encrypted,
			api_secret_encrypted = excluded.api_secret_encrypted,
			key_version = excluded.key_version,
			testnet = excluded.testnet,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`, a.ID, a.ExchangeType, a.Name, a.APIKeyEncrypted, a.APISecretEncrypted, a.KeyVersion, a.Testnet, a.IsActive,
		toMillis(a.CreatedAt), toMillis(a.UpdatedAt))
	if err != nil {
		return Account{}, fmt.Errorf("upsert account: %w", err)
	}
	return a, nil
}

// GetAccount loads an account by id, or ErrNotFound.
func (d *Database) GetAccount(ctx context.Context, id string) (Account, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, exchange_type, name, api_key_encrypted, api_secret_encrypted, key_version, testnet, is_active, created_at, updated_at
		FROM accounts WHERE id = ?
	`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// ListAccounts returns every account ordered by id.
func (d *Database) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, exchange_type, name, api_key_encrypted, api_secret_encrypted, key_version, testnet, is_active, created_at, updated_at
		FROM accounts ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var res []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// SetAccountActive enables or disables an account.
func (d *Database) SetAccountActive(ctx context.Context, id string, active bool) error {
	res, err := d.DB.ExecContext(ctx, `UPDATE accounts SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, toMillis(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAccount(r rowScanner) (Account, error) {
	var (
		a                Account
		created, updated int64
	)
	if err := r.Scan(&a.ID, &a.ExchangeType, &a.Name, &a.APIKeyEncrypted, &a.APISecretEncrypted, &a.KeyVersion,
		&a.Testnet, &a.IsActive, &created, &updated); err != nil {
		return Account{}, err
	}
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return a, nil
}
