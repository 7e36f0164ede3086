package events

// Event enumerates high-level topics inside the execution core.
type Event string

const (
	EventOrderCreated   Event = "order.created"
	EventOrderCancelled Event = "order.cancelled"
	EventOrderFilled    Event = "order.filled"
	EventOrderRejected  Event = "order.rejected"
	EventStopActivated  Event = "order.stop_activated"
	EventBatchSummary   Event = "batch.summary"
	EventRebalanceDone  Event = "rebalance.completed"
	EventRetryExhausted Event = "operation.retry_exhausted"
)

// OrderEvent is the payload of every order.* event.
type OrderEvent struct {
	OrderID         string  `json:"order_id"`
	ExchangeOrderID string  `json:"exchange_order_id,omitempty"`
	StrategyID      string  `json:"strategy_id"`
	AccountID       string  `json:"account_id"`
	Exchange        string  `json:"exchange"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Kind            string  `json:"kind"`
	Qty             float64 `json:"qty"`
	FilledQty       float64 `json:"filled_qty,omitempty"`
	AvgPrice        float64 `json:"avg_price,omitempty"`
	BatchID         string  `json:"batch_id,omitempty"`
	Reason          string  `json:"reason,omitempty"`
}

// BatchSummary reports the per-outcome totals of one batch.
type BatchSummary struct {
	BatchID    string         `json:"batch_id"`
	StrategyID string         `json:"strategy_id"`
	AccountID  string         `json:"account_id"`
	Outcomes   map[string]int `json:"outcomes"`
	DurationMs int64          `json:"duration_ms"`
}

// RebalanceCompleted reports a finished capital recalculation.
type RebalanceCompleted struct {
	AccountID     string            `json:"account_id"`
	MarketType    string            `json:"market_type"`
	Balance       string            `json:"balance"`
	BalanceSource string            `json:"balance_source"`
	Forced        bool              `json:"forced"`
	Actor         string            `json:"actor,omitempty"`
	Allocations   map[string]string `json:"allocations"` // strategy account id -> capital
}

// RetryExhausted reports an operation that will not be retried again.
type RetryExhausted struct {
	RecordID   string `json:"record_id"`
	OrderID    string `json:"order_id"`
	Kind       string `json:"kind"`
	AccountID  string `json:"account_id"`
	Exchange   string `json:"exchange"`
	RetryCount int    `json:"retry_count"`
	Reason     string `json:"reason"`
}
