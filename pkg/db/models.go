package db

import (
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("record changed concurrently")
)

// OrderStatus is the persisted lifecycle state. FILLED and CANCELLED orders
// are removed from the table rather than stored.
type OrderStatus string

const (
	OrderPending    OrderStatus = "PENDING" // create intent persisted, venue outcome not yet known
	OrderOpen       OrderStatus = "OPEN"
	OrderCancelling OrderStatus = "CANCELLING"
	OrderFailed     OrderStatus = "FAILED" // terminal reject, kept for audit
)

// Order represents a working order stored in the DB.
type Order struct {
	ID              string
	ExchangeOrderID string
	StrategyID      string
	AccountID       string
	Exchange        string
	MarketType      string
	Symbol          string
	Side            string
	Kind            string
	Qty             float64
	Price           float64
	StopPrice       float64
	ReduceOnly      bool
	Status          OrderStatus
	// IsActivated is nil until the venue reports stop activation state.
	IsActivated          *bool
	ActivationDetectedAt *time.Time
	BatchID              string
	LastError            string
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// OperationKind names the operation a failed record will retry.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationCancel OperationKind = "cancel"
)

// FailedOperationState separates retryable records from exhausted ones.
type FailedOperationState string

const (
	FailedActive    FailedOperationState = "ACTIVE"
	FailedExhausted FailedOperationState = "EXHAUSTED"
)

// FailedOperation is a durable record of an operation awaiting retry.
type FailedOperation struct {
	ID                string
	OrderID           string
	AccountID         string
	Exchange          string
	StrategyID        string
	Symbol            string
	Kind              OperationKind
	RetryCount        int
	MaxRetries        int
	NextAttemptAt     time.Time
	LastFailureReason string
	State             FailedOperationState
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// StrategyAccount links a strategy to an account for one market type.
type StrategyAccount struct {
	ID         string
	StrategyID string
	AccountID  string
	MarketType string
	Weight     float64
	Active     bool
	CreatedAt  time.Time
}

// CapitalAllocation is the capital assigned to one strategy account.
type CapitalAllocation struct {
	StrategyAccountID string
	MarketType        string
	AccountID         string
	Weight            float64
	AllocatedCapital  decimal.Decimal
	LastKnownBalance  decimal.Decimal
	LastRebalanceAt   time.Time
}

// AccountMarket identifies an account and market type pair with linked strategies.
type AccountMarket struct {
	AccountID  string
	MarketType string
}

// StrategyPosition tracks per-strategy exposure.
type StrategyPosition struct {
	StrategyID string
	Symbol     string
	AccountID  string
	MarketType string
	Qty        float64
	AvgPrice   float64
	UpdatedAt  time.Time
}

// Settlement records the venue outcome of an order that left the orders
// table. FilledQty is unsigned; Side gives its direction.
type Settlement struct {
	OrderID    string
	StrategyID string
	AccountID  string
	MarketType string
	Symbol     string
	Side       string
	Status     string
	FilledQty  float64
	AvgPrice   float64
	SettledAt  time.Time
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// expectOne maps a zero-row optimistic write to ErrVersionConflict.
func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// Account is a venue account with its API credentials encrypted at rest.
type Account struct {
	ID                 string
	ExchangeType       string // "paper", "binance"
	Name               string
	APIKeyEncrypted    string
	APISecretEncrypted string
	KeyVersion         int
	Testnet            bool
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// User is an operator allowed to call the HTTP API.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
