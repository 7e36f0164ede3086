// Package paper implements an in-memory exchange used for dry-run mode and tests.
package paper

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"execution-core/pkg/exchanges/common"
)

// Operation names accepted by FailNext and Delay.
const (
	OpCreate  = "create_order"
	OpCancel  = "cancel_order"
	OpFetch   = "fetch_order"
	OpBalance = "get_balance"
)

// Config tunes the simulated venue.
type Config struct {
	Name              string
	FeeRate           float64 // decimal, e.g. 0.0004 = 4 bps
	RequestsPerSecond float64 // venue-side throttle; 0 disables it
	Burst             int
	LatencyMin        time.Duration
	LatencyMax        time.Duration
	DefaultBalance    float64 // reported for accounts never seeded with SetBalance
}

type order struct {
	req       common.OrderRequest
	exchID    string
	status    common.OrderStatus
	filledQty float64
	avgPrice  float64
	activated *bool
}

func (o *order) result() common.OrderResult {
	res := common.OrderResult{
		ExchangeOrderID: o.exchID,
		ClientID:        o.req.ClientID,
		Status:          o.status,
		FilledQty:       o.filledQty,
		AvgPrice:        o.avgPrice,
	}
	if o.activated != nil {
		v := *o.activated
		res.Activated = &v
	}
	return res
}

type balanceKey struct {
	account string
	market  common.MarketType
}

// Exchange is a paper trading venue. It is safe for concurrent use.
type Exchange struct {
	cfg     Config
	limiter *rate.Limiter

	mu       sync.Mutex
	rng      *rand.Rand
	orders   map[string]*order // by exchange order id
	byClient map[string]string // client id -> exchange order id
	balances map[balanceKey]float64
	faults   map[string][]error
	delays   map[string]time.Duration
	calls    map[string]int
}

var _ common.Adapter = (*Exchange)(nil)

// New creates a paper exchange.
func New(cfg Config) *Exchange {
	if cfg.Name == "" {
		cfg.Name = "paper"
	}
	if cfg.LatencyMax > 0 && cfg.LatencyMin > cfg.LatencyMax {
		cfg.LatencyMin, cfg.LatencyMax = cfg.LatencyMax, cfg.LatencyMin
	}
	e := &Exchange{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		orders:   make(map[string]*order),
		byClient: make(map[string]string),
		balances: make(map[balanceKey]float64),
		faults:   make(map[string][]error),
		delays:   make(map[string]time.Duration),
		calls:    make(map[string]int),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return e
}

// Name returns the configured venue name.
func (e *Exchange) Name() string { return e.cfg.Name }

// SetBalance seeds the quote balance for an account and market.
func (e *Exchange) SetBalance(accountID string, market common.MarketType, amount float64) {
	e.mu.Lock()
	e.balances[balanceKey{accountID, market}] = amount
	e.mu.Unlock()
}

// FailNext queues err to be returned by the next call of op. Queued faults
// are consumed in FIFO order.
func (e *Exchange) FailNext(op string, err error) {
	e.mu.Lock()
	e.faults[op] = append(e.faults[op], err)
	e.mu.Unlock()
}

// Delay makes every subsequent call of op sleep for d (respecting ctx).
func (e *Exchange) Delay(op string, d time.Duration) {
	e.mu.Lock()
	e.delays[op] = d
	e.mu.Unlock()
}

// Calls reports how many times op was invoked.
func (e *Exchange) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// SetOrderStatus forces the venue-side status of an order, simulating fills
// or cancellations that happen outside of this process.
func (e *Exchange) SetOrderStatus(exchangeOrderID string, status common.OrderStatus, filledQty float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[exchangeOrderID]
	if !ok {
		return fmt.Errorf("paper: order %s not found", exchangeOrderID)
	}
	o.status = status
	o.filledQty = filledQty
	if filledQty > 0 && o.avgPrice == 0 {
		o.avgPrice = o.req.Price
	}
	return nil
}

// TriggerStop marks a stop order as activated.
func (e *Exchange) TriggerStop(exchangeOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[exchangeOrderID]
	if !ok || o.activated == nil {
		return fmt.Errorf("paper: stop order %s not found", exchangeOrderID)
	}
	v := true
	o.activated = &v
	return nil
}

// Forget drops an order from the venue entirely so later lookups report UNKNOWN_ORDER.
func (e *Exchange) Forget(exchangeOrderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.orders[exchangeOrderID]; ok {
		delete(e.byClient, o.req.ClientID)
		delete(e.orders, exchangeOrderID)
	}
}

// Lookup returns the venue view of an order by client id.
func (e *Exchange) Lookup(clientID string) (common.OrderResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byClient[clientID]
	if !ok {
		return common.OrderResult{}, false
	}
	return e.orders[id].result(), true
}

// OpenOrders counts non-terminal orders.
func (e *Exchange) OpenOrders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, o := range e.orders {
		if o.status.IsActive() {
			n++
		}
	}
	return n
}

// enter records the call, applies venue throttling, injected delay and
// injected faults, in that order.
func (e *Exchange) enter(ctx context.Context, op string) error {
	e.mu.Lock()
	e.calls[op]++
	var fault error
	if q := e.faults[op]; len(q) > 0 {
		fault = q[0]
		e.faults[op] = q[1:]
	}
	delay := e.delays[op]
	if e.cfg.LatencyMax > 0 {
		span := int64(e.cfg.LatencyMax - e.cfg.LatencyMin)
		delay += e.cfg.LatencyMin
		if span > 0 {
			delay += time.Duration(e.rng.Int63n(span + 1))
		}
	}
	e.mu.Unlock()

	if e.limiter != nil && !e.limiter.Allow() {
		return common.NewError(common.KindRateLimited, op, errors.New("paper: request weight exceeded"))
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return common.NewError(common.KindTransient, op, ctx.Err())
		case <-t.C:
		}
	}
	if fault != nil {
		return fault
	}
	return nil
}

func (e *Exchange) find(ref common.OrderRef) (*order, bool) {
	if ref.ExchangeOrderID != "" {
		o, ok := e.orders[ref.ExchangeOrderID]
		return o, ok
	}
	if id, ok := e.byClient[ref.ClientID]; ok {
		return e.orders[id], true
	}
	return nil, false
}

// CreateOrder accepts an order. Repeating a ClientID returns the existing order.
func (e *Exchange) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := e.enter(ctx, OpCreate); err != nil {
		return common.OrderResult{}, err
	}
	if err := validate(req); err != nil {
		return common.OrderResult{}, common.NewError(common.KindRejected, OpCreate, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.byClient[req.ClientID]; ok && req.ClientID != "" {
		return e.orders[id].result(), nil
	}

	o := &order{req: req, exchID: uuid.NewString(), status: common.StatusNew}
	switch {
	case req.Type == common.OrderTypeMarket:
		if err := e.settle(req); err != nil {
			return common.OrderResult{}, common.NewError(common.KindRejected, OpCreate, err)
		}
		o.status = common.StatusFilled
		o.filledQty = req.Qty
		o.avgPrice = req.Price
	case req.Type.IsStop():
		v := false
		o.activated = &v
	}
	e.orders[o.exchID] = o
	if req.ClientID != "" {
		e.byClient[req.ClientID] = o.exchID
	}
	return o.result(), nil
}

// settle applies simple cash accounting for an immediate fill. Caller holds mu.
func (e *Exchange) settle(req common.OrderRequest) error {
	if req.Price <= 0 {
		return nil
	}
	key := balanceKey{req.AccountID, req.Market}
	value := req.Qty * req.Price
	fee := value * e.cfg.FeeRate
	bal := e.balanceLocked(key)
	if req.Side == common.SideBuy {
		if value+fee > bal {
			return fmt.Errorf("insufficient balance: need %.2f, have %.2f", value+fee, bal)
		}
		e.balances[key] = bal - value - fee
		return nil
	}
	e.balances[key] = bal + value - fee
	return nil
}

// CancelOrder cancels a working order. Unknown or already terminal orders
// report UNKNOWN_ORDER, matching how real venues answer.
func (e *Exchange) CancelOrder(ctx context.Context, ref common.OrderRef) error {
	if err := e.enter(ctx, OpCancel); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.find(ref)
	if !ok || o.status.IsTerminal() {
		return common.NewError(common.KindUnknownOrder, OpCancel, errors.New("paper: unknown order"))
	}
	o.status = common.StatusCanceled
	return nil
}

// FetchOrder returns the venue view of an order, including terminal ones.
func (e *Exchange) FetchOrder(ctx context.Context, ref common.OrderRef) (common.OrderResult, error) {
	if err := e.enter(ctx, OpFetch); err != nil {
		return common.OrderResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.find(ref)
	if !ok {
		return common.OrderResult{}, common.NewError(common.KindUnknownOrder, OpFetch, errors.New("paper: unknown order"))
	}
	return o.result(), nil
}

// GetBalance returns the seeded balance for the account and market.
func (e *Exchange) GetBalance(ctx context.Context, accountID string, market common.MarketType) (float64, error) {
	if err := e.enter(ctx, OpBalance); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balanceLocked(balanceKey{accountID, market}), nil
}

func (e *Exchange) balanceLocked(key balanceKey) float64 {
	if bal, ok := e.balances[key]; ok {
		return bal
	}
	return e.cfg.DefaultBalance
}

func validate(req common.OrderRequest) error {
	switch {
	case req.Symbol == "":
		return errors.New("symbol required")
	case req.Side != common.SideBuy && req.Side != common.SideSell:
		return fmt.Errorf("invalid side %q", req.Side)
	case !req.Type.Valid():
		return fmt.Errorf("invalid order type %q", req.Type)
	case req.Qty <= 0:
		return errors.New("quantity must be positive")
	case req.Type == common.OrderTypeLimit && req.Price <= 0:
		return errors.New("limit order requires price")
	case req.Type.IsStop() && req.StopPrice <= 0:
		return errors.New("stop order requires stop price")
	}
	return nil
}
