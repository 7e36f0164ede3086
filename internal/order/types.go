package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/events"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
)

// Outcome is what a caller learns about one order operation.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeQueued   Outcome = "queued"   // handed to the failed-operation queue
	OutcomeRejected Outcome = "rejected" // terminal, will not be retried
	OutcomeNoop     Outcome = "noop"     // nothing to do (absent, already cancelling, lost a race)
	OutcomeDeferred Outcome = "deferred" // state unclear; left to the reconciler
)

// Result is the per-order result of a controller call.
type Result struct {
	OrderID string  `json:"order_id,omitempty"`
	Op      string  `json:"op"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// Intent describes an order to create.
type Intent struct {
	StrategyID string
	AccountID  string
	Symbol     string
	Side       exchange.Side
	Kind       exchange.OrderType
	Market     exchange.MarketType
	// Exactly one of Quantity or QuantityPercent is used. QuantityPercent sizes
	// the order as a percentage of the strategy's allocated capital at Price.
	Quantity        float64
	QuantityPercent float64
	Price           float64
	StopPrice       float64
	ReduceOnly      bool
	BatchID         string
	// OrderID, when set, is used as the order and client id. Repeating an
	// intent with the same OrderID never creates a second order.
	OrderID string
}

// Store is the persistence the controller needs.
type Store interface {
	CreateOrder(ctx context.Context, o db.Order) (db.Order, error)
	GetOrder(ctx context.Context, id string) (db.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, version int64, status db.OrderStatus, lastError string) (int64, error)
	AttachExchangeOrder(ctx context.Context, id string, version int64, exchangeOrderID string, status db.OrderStatus, activated *bool) (int64, error)
	UpdateOrderActivation(ctx context.Context, id string, version int64, activated bool, detectedAt time.Time) (int64, error)
	AssignOrderExchange(ctx context.Context, id string, version int64, exchange string) (int64, error)
	SettleOrder(ctx context.Context, id string, version int64, s db.Settlement) error
	IsSettled(ctx context.Context, id string) (bool, error)
	ListOrdersBySymbol(ctx context.Context, strategyID, symbol string, statuses ...db.OrderStatus) ([]db.Order, error)
}

// AdapterResolver maps an account to its venue adapter.
type AdapterResolver interface {
	AdapterFor(ctx context.Context, accountID string) (exchange.Adapter, error)
}

// Breaker is the circuit breaker view the controller uses.
type Breaker interface {
	IsOpen(exchange string) bool
	RecordFailure(exchange string)
	RecordSuccess(exchange string)
}

// Limiter grants outbound call slots per account.
type Limiter interface {
	AcquireSlot(ctx context.Context, key string, cost int) error
}

// RetryEnqueuer durably records an operation for a later retry.
type RetryEnqueuer interface {
	Enqueue(ctx context.Context, o db.Order, kind db.OperationKind, reason string) error
}

// Emitter publishes domain events.
type Emitter interface {
	Emit(e events.Event, payload any)
}

// Recorder counts outcomes for metrics.
type Recorder interface {
	RecordOutcome(op string, outcome string)
}

// Sizer resolves the capital behind percentage-sized intents.
type Sizer interface {
	AllocatedCapital(ctx context.Context, strategyID, accountID, marketType string) (decimal.Decimal, error)
}

func toEvent(o db.Order) events.OrderEvent {
	return events.OrderEvent{
		OrderID:         o.ID,
		ExchangeOrderID: o.ExchangeOrderID,
		StrategyID:      o.StrategyID,
		AccountID:       o.AccountID,
		Exchange:        o.Exchange,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Kind:            o.Kind,
		Qty:             o.Qty,
		BatchID:         o.BatchID,
	}
}

func refFor(o db.Order) exchange.OrderRef {
	return exchange.OrderRef{
		AccountID:       o.AccountID,
		Symbol:          o.Symbol,
		ExchangeOrderID: o.ExchangeOrderID,
		ClientID:        o.ID,
		Market:          exchange.MarketType(o.MarketType),
	}
}
