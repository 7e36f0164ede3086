package common

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes the normalized order kinds the core understands.
type OrderType string

const (
	OrderTypeMarket          OrderType = "MARKET"
	OrderTypeLimit           OrderType = "LIMIT"
	OrderTypeStopLoss        OrderType = "STOP_LOSS"
	OrderTypeStopLossLimit   OrderType = "STOP_LOSS_LIMIT"
	OrderTypeTakeProfit      OrderType = "TAKE_PROFIT"
	OrderTypeTakeProfitLimit OrderType = "TAKE_PROFIT_LIMIT"
)

// IsStop reports whether the order waits for a trigger price before becoming active.
func (t OrderType) IsStop() bool {
	switch t {
	case OrderTypeStopLoss, OrderTypeStopLossLimit, OrderTypeTakeProfit, OrderTypeTakeProfitLimit:
		return true
	}
	return false
}

// Valid reports whether t is one of the known order types.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit:
		return true
	}
	return t.IsStop()
}

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// IsTerminal reports whether the exchange will never act on the order again.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// IsActive reports whether the order is still working on the book.
func (s OrderStatus) IsActive() bool {
	return s == StatusNew || s == StatusPartial
}

// MarketType distinguishes spot vs futures venues.
type MarketType string

const (
	MarketSpot    MarketType = "SPOT"
	MarketUSDTFut MarketType = "USDT_FUTURES"
	MarketCoinFut MarketType = "COIN_FUTURES"
)

// Valid reports whether m is a known market type.
func (m MarketType) Valid() bool {
	switch m {
	case MarketSpot, MarketUSDTFut, MarketCoinFut:
		return true
	}
	return false
}

// OrderRequest captures an order intent to be sent to an exchange.
// ClientID is the idempotency key: resubmitting the same ClientID must not
// create a second order on the venue.
type OrderRequest struct {
	AccountID  string
	ClientID   string
	Symbol     string
	Side       Side
	Type       OrderType
	Qty        float64
	Price      float64 // required for LIMIT
	StopPrice  float64 // required for stop variants
	Market     MarketType
	ReduceOnly bool
}

// OrderRef addresses an existing order. Either ExchangeOrderID or ClientID
// must be set; adapters prefer ExchangeOrderID when both are present.
type OrderRef struct {
	AccountID       string
	Symbol          string
	ExchangeOrderID string
	ClientID        string
	Market          MarketType
}

// OrderResult is the normalized exchange view of one order.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	FilledQty       float64
	AvgPrice        float64
	// Activated is nil when the venue does not report stop activation.
	Activated *bool
}
