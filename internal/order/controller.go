package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"execution-core/internal/events"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
)

const (
	opCancel   = "cancel"
	opCreate   = "create"
	opSync     = "sync"
	opResubmit = "resubmit"
)

// Deps wires a Controller. Store, Adapters, Breakers and Limiter are required.
type Deps struct {
	Store    Store
	Adapters AdapterResolver
	Breakers Breaker
	Limiter  Limiter
	Retries  RetryEnqueuer
	Emitter  Emitter
	Recorder Recorder
	Sizer    Sizer
	Logger   *slog.Logger
}

// Controller drives orders through create and cancel against the venue.
// Every state change is persisted before the venue is called, and every
// write is conditional on the version that was read, so a lost race is a
// no-op rather than an overwrite. Callers are expected to hold the
// strategy+symbol lock for the order.
type Controller struct {
	store    Store
	adapters AdapterResolver
	breakers Breaker
	limiter  Limiter
	retries  RetryEnqueuer
	emitter  Emitter
	recorder Recorder
	sizer    Sizer
	logger   *slog.Logger
	now      func() time.Time
}

// NewController builds a controller from deps.
func NewController(d Deps) *Controller {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:    d.Store,
		adapters: d.Adapters,
		breakers: d.Breakers,
		limiter:  d.Limiter,
		retries:  d.Retries,
		emitter:  d.Emitter,
		recorder: d.Recorder,
		sizer:    d.Sizer,
		logger:   logger.With("component", "order"),
		now:      time.Now,
	}
}

// SetRetryEnqueuer attaches the failed-operation queue after construction;
// the queue itself needs the controller to replay operations.
func (c *Controller) SetRetryEnqueuer(r RetryEnqueuer) {
	c.retries = r
}

func (c *Controller) emit(e events.Event, payload any) {
	if c.emitter != nil {
		c.emitter.Emit(e, payload)
	}
}

func (c *Controller) finish(r Result) Result {
	if c.recorder != nil {
		c.recorder.RecordOutcome(r.Op, string(r.Outcome))
	}
	return r
}

func result(id, op string, outcome Outcome, reason string) Result {
	return Result{OrderID: id, Op: op, Outcome: outcome, Reason: reason}
}

// enqueue hands the operation to the retry queue and reports Queued. If the
// queue itself fails the order is left for the reconciler.
func (c *Controller) enqueue(ctx context.Context, o db.Order, kind db.OperationKind, op, reason string) Result {
	if c.retries == nil {
		c.logger.Warn("no retry queue configured, deferring", "order_id", o.ID, "kind", string(kind), "reason", reason)
		return result(o.ID, op, OutcomeDeferred, reason)
	}
	if err := c.retries.Enqueue(ctx, o, kind, reason); err != nil {
		c.logger.Error("enqueue retry failed", "order_id", o.ID, "kind", string(kind), "error", err)
		return result(o.ID, op, OutcomeDeferred, fmt.Sprintf("%s; enqueue failed: %v", reason, err))
	}
	return result(o.ID, op, OutcomeQueued, reason)
}

// restore puts an order back to status after an attempt that did not change
// the venue. A failed restore leaves a stale row for the reconciler.
func (c *Controller) restore(ctx context.Context, o db.Order, version int64, status db.OrderStatus, reason string) db.Order {
	v, err := c.store.UpdateOrderStatus(ctx, o.ID, version, status, reason)
	if err != nil {
		c.logger.Warn("restore order status failed", "order_id", o.ID, "status", string(status), "error", err)
		return o
	}
	o.Status = status
	o.Version = v
	o.LastError = reason
	return o
}

// confirm handles an unexpected failure: one re-read decides between
// "already gone" and "leave it to reconciliation".
func (c *Controller) confirm(ctx context.Context, id, op string, cause error) Result {
	c.logger.Error("unexpected failure, confirming order state", "order_id", id, "op", op, "error", cause)
	_, err := c.store.GetOrder(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return result(id, op, OutcomeApplied, "confirmed removed")
	}
	return result(id, op, OutcomeDeferred, cause.Error())
}

func (c *Controller) recordAttempt(venue string, err error) {
	if err == nil {
		c.breakers.RecordSuccess(venue)
		return
	}
	switch exchange.Classify(err) {
	case exchange.KindRejected, exchange.KindUnknownOrder:
		// The venue answered; it is healthy.
		c.breakers.RecordSuccess(venue)
	default:
		c.breakers.RecordFailure(venue)
	}
}

// Cancel cancels one order. Absent, CANCELLING and FAILED orders are no-ops.
func (c *Controller) Cancel(ctx context.Context, orderID string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = c.confirm(ctx, orderID, opCancel, fmt.Errorf("panic: %v", r))
		}
		res = c.finish(res)
	}()

	o, err := c.store.GetOrder(ctx, orderID)
	if errors.Is(err, db.ErrNotFound) {
		return result(orderID, opCancel, OutcomeNoop, "order not found")
	}
	if err != nil {
		return c.confirm(ctx, orderID, opCancel, err)
	}
	switch o.Status {
	case db.OrderCancelling:
		return result(o.ID, opCancel, OutcomeNoop, "already cancelling")
	case db.OrderFailed:
		return result(o.ID, opCancel, OutcomeNoop, "order already failed")
	}
	prev := o.Status

	adapter, err := c.adapters.AdapterFor(ctx, o.AccountID)
	if err != nil {
		return c.enqueue(ctx, o, db.OperationCancel, opCancel, "resolve adapter: "+err.Error())
	}
	if o, err = c.bindExchange(ctx, o, adapter); err != nil {
		return result(o.ID, opCancel, OutcomeNoop, "order changed concurrently")
	}
	if c.breakers.IsOpen(o.Exchange) {
		return c.enqueue(ctx, o, db.OperationCancel, opCancel, "circuit open for "+o.Exchange)
	}

	v, err := c.store.UpdateOrderStatus(ctx, o.ID, o.Version, db.OrderCancelling, "")
	if errors.Is(err, db.ErrVersionConflict) {
		return result(o.ID, opCancel, OutcomeNoop, "order changed concurrently")
	}
	if err != nil {
		return c.confirm(ctx, o.ID, opCancel, err)
	}
	o.Version = v
	o.Status = db.OrderCancelling

	if err := c.limiter.AcquireSlot(ctx, o.AccountID, 1); err != nil {
		o = c.restore(ctx, o, v, prev, err.Error())
		return c.enqueue(ctx, o, db.OperationCancel, opCancel, "rate limited: "+err.Error())
	}

	cancelErr := adapter.CancelOrder(ctx, refFor(o))
	c.recordAttempt(o.Exchange, cancelErr)
	switch {
	case cancelErr == nil:
		fill := c.filledOnCancel(ctx, adapter, o)
		if err := c.settle(ctx, o, exchange.StatusCanceled, fill.FilledQty, fill.AvgPrice); err != nil {
			return c.confirm(ctx, o.ID, opCancel, fmt.Errorf("delete cancelled order: %w", err))
		}
		ev := toEvent(o)
		ev.FilledQty = fill.FilledQty
		ev.AvgPrice = fill.AvgPrice
		c.emit(events.EventOrderCancelled, ev)
		return result(o.ID, opCancel, OutcomeApplied, "")
	case exchange.IsUnknownOrder(cancelErr):
		return c.resolveUnknownCancel(ctx, adapter, o, prev)
	default:
		o = c.restore(ctx, o, v, prev, cancelErr.Error())
		return c.enqueue(ctx, o, db.OperationCancel, opCancel, cancelErr.Error())
	}
}

// filledOnCancel asks the venue how much of a cancelled order traded before
// the cancel. Without a rate limit slot or an answer it reports no fill.
func (c *Controller) filledOnCancel(ctx context.Context, adapter exchange.Adapter, o db.Order) exchange.OrderResult {
	if err := c.limiter.AcquireSlot(ctx, o.AccountID, 1); err != nil {
		c.logger.Debug("skipping fill lookup after cancel", "order_id", o.ID, "error", err)
		return exchange.OrderResult{}
	}
	fetched, err := adapter.FetchOrder(ctx, refFor(o))
	if err != nil {
		c.logger.Warn("fill lookup after cancel failed", "order_id", o.ID, "error", err)
		return exchange.OrderResult{}
	}
	return fetched
}

// resolveUnknownCancel asks the venue what became of an order it no longer
// accepts cancels for. o is CANCELLING at its current version.
func (c *Controller) resolveUnknownCancel(ctx context.Context, adapter exchange.Adapter, o db.Order, prev db.OrderStatus) Result {
	if err := c.limiter.AcquireSlot(ctx, o.AccountID, 1); err != nil {
		o = c.restore(ctx, o, o.Version, prev, err.Error())
		return c.enqueue(ctx, o, db.OperationCancel, opCancel, "rate limited: "+err.Error())
	}

	fetched, err := adapter.FetchOrder(ctx, refFor(o))
	switch {
	case err == nil && fetched.Status == exchange.StatusUnknown:
		c.breakers.RecordSuccess(o.Exchange)
		c.logger.Warn("venue reports unrecognized order status, keeping order", "order_id", o.ID, "exchange", o.Exchange)
		o = c.restore(ctx, o, o.Version, prev, "cancel reported unknown order while venue status is unrecognized")
		return c.enqueue(ctx, o, db.OperationCancel, opCancel, "venue order status unrecognized")
	case err == nil && fetched.Status.IsActive():
		c.breakers.RecordSuccess(o.Exchange)
		o = c.restore(ctx, o, o.Version, prev, "cancel reported unknown order while venue shows it active")
		return c.enqueue(ctx, o, db.OperationCancel, opCancel, "venue reports order still active")
	case err == nil:
		c.breakers.RecordSuccess(o.Exchange)
		if derr := c.settle(ctx, o, fetched.Status, fetched.FilledQty, fetched.AvgPrice); derr != nil {
			return c.confirm(ctx, o.ID, opCancel, fmt.Errorf("delete terminal order: %w", derr))
		}
		c.emitTerminal(o, fetched)
		return result(o.ID, opCancel, OutcomeApplied, "venue reports "+string(fetched.Status))
	default:
		// Nothing reliable to reconcile against: drop the local record.
		if kind := exchange.Classify(err); kind.Retryable() {
			c.breakers.RecordFailure(o.Exchange)
		} else {
			c.breakers.RecordSuccess(o.Exchange)
		}
		if derr := c.settle(ctx, o, exchange.StatusUnknown, 0, 0); derr != nil {
			return c.confirm(ctx, o.ID, opCancel, fmt.Errorf("defensive delete: %w", derr))
		}
		c.logger.Warn("order unknown at venue, deleted defensively", "order_id", o.ID, "exchange", o.Exchange, "error", err)
		ev := toEvent(o)
		ev.Reason = "unknown at venue"
		c.emit(events.EventOrderCancelled, ev)
		return result(o.ID, opCancel, OutcomeApplied, "deleted defensively")
	}
}

// settle removes an order that left the venue book and records its outcome.
// A filled quantity moves the strategy position.
func (c *Controller) settle(ctx context.Context, o db.Order, status exchange.OrderStatus, filledQty, avgPrice float64) error {
	return c.store.SettleOrder(ctx, o.ID, o.Version, db.Settlement{
		StrategyID: o.StrategyID,
		AccountID:  o.AccountID,
		MarketType: o.MarketType,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Status:     string(status),
		FilledQty:  filledQty,
		AvgPrice:   avgPrice,
		SettledAt:  c.now(),
	})
}

// bindExchange stores the venue name on an order persisted without one, so
// later calls are gated by the right breaker.
func (c *Controller) bindExchange(ctx context.Context, o db.Order, adapter exchange.Adapter) (db.Order, error) {
	if o.Exchange != "" {
		return o, nil
	}
	name := adapter.Name()
	v, err := c.store.AssignOrderExchange(ctx, o.ID, o.Version, name)
	if errors.Is(err, db.ErrVersionConflict) {
		return o, err
	}
	if err != nil {
		c.logger.Warn("persist order exchange failed", "order_id", o.ID, "exchange", name, "error", err)
	} else {
		o.Version = v
	}
	o.Exchange = name
	return o, nil
}

// emitTerminal publishes the event matching a terminal venue status.
func (c *Controller) emitTerminal(o db.Order, fetched exchange.OrderResult) {
	ev := toEvent(o)
	if fetched.ExchangeOrderID != "" {
		ev.ExchangeOrderID = fetched.ExchangeOrderID
	}
	ev.FilledQty = fetched.FilledQty
	ev.AvgPrice = fetched.AvgPrice
	switch fetched.Status {
	case exchange.StatusFilled:
		c.emit(events.EventOrderFilled, ev)
	case exchange.StatusRejected:
		ev.Reason = "rejected by venue"
		c.emit(events.EventOrderRejected, ev)
	default:
		// A cancel after a partial fill still reports the filled quantity.
		ev.Reason = string(fetched.Status)
		c.emit(events.EventOrderCancelled, ev)
	}
}

func validateIntent(in Intent) error {
	switch {
	case in.StrategyID == "":
		return errors.New("strategy id required")
	case in.AccountID == "":
		return errors.New("account id required")
	case in.Symbol == "":
		return errors.New("symbol required")
	case in.Side != exchange.SideBuy && in.Side != exchange.SideSell:
		return fmt.Errorf("invalid side %q", in.Side)
	case !in.Kind.Valid():
		return fmt.Errorf("invalid order kind %q", in.Kind)
	case in.Quantity < 0 || in.QuantityPercent < 0:
		return errors.New("quantity must not be negative")
	case in.Quantity == 0 && in.QuantityPercent == 0:
		return errors.New("quantity or quantity percent required")
	case in.Quantity > 0 && in.QuantityPercent > 0:
		return errors.New("quantity and quantity percent are exclusive")
	case in.QuantityPercent > 100:
		return errors.New("quantity percent above 100")
	case in.Kind == exchange.OrderTypeLimit && in.Price <= 0:
		return errors.New("limit order requires price")
	case in.Kind.IsStop() && in.StopPrice <= 0:
		return errors.New("stop order requires stop price")
	}
	return nil
}

func (c *Controller) resolveQuantity(ctx context.Context, in Intent) (float64, error) {
	if in.Quantity > 0 {
		return in.Quantity, nil
	}
	price := in.Price
	if price <= 0 {
		price = in.StopPrice
	}
	if price <= 0 {
		return 0, errors.New("percentage sizing requires a price")
	}
	if c.sizer == nil {
		return 0, errors.New("percentage sizing not available")
	}
	capital, err := c.sizer.AllocatedCapital(ctx, in.StrategyID, in.AccountID, string(in.Market))
	if err != nil {
		return 0, fmt.Errorf("allocated capital: %w", err)
	}
	qty := capital.Mul(decimal.NewFromFloat(in.QuantityPercent)).
		Div(decimal.NewFromInt(100)).
		Div(decimal.NewFromFloat(price)).
		Round(8)
	if !qty.IsPositive() {
		return 0, errors.New("sized quantity is zero")
	}
	return qty.InexactFloat64(), nil
}

// Create persists the intent as PENDING and submits it.
func (c *Controller) Create(ctx context.Context, in Intent) (res Result) {
	var orderID string
	defer func() {
		if r := recover(); r != nil {
			if orderID == "" {
				res = result("", opCreate, OutcomeRejected, fmt.Sprintf("panic: %v", r))
			} else {
				res = c.confirm(ctx, orderID, opCreate, fmt.Errorf("panic: %v", r))
			}
		}
		res = c.finish(res)
	}()

	if in.Market == "" {
		in.Market = exchange.MarketSpot
	}
	if err := validateIntent(in); err != nil {
		return c.reject(in, err.Error())
	}
	adapter, err := c.adapters.AdapterFor(ctx, in.AccountID)
	if errors.Is(err, exchange.ErrUnknownAccount) {
		return c.reject(in, err.Error())
	}
	venue := ""
	if err == nil {
		venue = adapter.Name()
	}

	id := in.OrderID
	if id != "" {
		existing, replay, done := c.replayed(ctx, id)
		if done {
			return replay
		}
		if existing != nil {
			orderID = existing.ID
			if err != nil {
				return c.enqueue(ctx, *existing, db.OperationCreate, opCreate, "resolve adapter: "+err.Error())
			}
			return c.submit(ctx, adapter, *existing, opCreate)
		}
	} else {
		id = uuid.NewString()
	}

	qty, qerr := c.resolveQuantity(ctx, in)
	if qerr != nil {
		return c.reject(in, qerr.Error())
	}

	o, serr := c.store.CreateOrder(ctx, db.Order{
		ID:         id,
		StrategyID: in.StrategyID,
		AccountID:  in.AccountID,
		Exchange:   venue,
		MarketType: string(in.Market),
		Symbol:     in.Symbol,
		Side:       string(in.Side),
		Kind:       string(in.Kind),
		Qty:        qty,
		Price:      in.Price,
		StopPrice:  in.StopPrice,
		ReduceOnly: in.ReduceOnly,
		Status:     db.OrderPending,
		BatchID:    in.BatchID,
	})
	if serr != nil {
		// Nothing was persisted or sent; the caller may simply try again.
		return result("", opCreate, OutcomeRejected, "persist intent: "+serr.Error())
	}
	orderID = o.ID
	if err != nil {
		return c.enqueue(ctx, o, db.OperationCreate, opCreate, "resolve adapter: "+err.Error())
	}
	return c.submit(ctx, adapter, o, opCreate)
}

// replayed looks up an intent whose order id may already be in use. A PENDING
// row is returned for submit; any other prior outcome finishes the call.
func (c *Controller) replayed(ctx context.Context, id string) (*db.Order, Result, bool) {
	settled, err := c.store.IsSettled(ctx, id)
	if err != nil {
		return nil, result(id, opCreate, OutcomeDeferred, "settlement lookup: "+err.Error()), true
	}
	if settled {
		return nil, result(id, opCreate, OutcomeNoop, "order already settled"), true
	}
	o, err := c.store.GetOrder(ctx, id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return nil, Result{}, false
	case err != nil:
		return nil, result(id, opCreate, OutcomeDeferred, err.Error()), true
	case o.Status != db.OrderPending:
		return nil, result(o.ID, opCreate, OutcomeNoop, "order already "+string(o.Status)), true
	}
	c.logger.Info("resuming pending order", "order_id", o.ID, "batch_id", o.BatchID)
	return &o, Result{}, false
}

func (c *Controller) reject(in Intent, reason string) Result {
	c.emit(events.EventOrderRejected, events.OrderEvent{
		StrategyID: in.StrategyID,
		AccountID:  in.AccountID,
		Symbol:     in.Symbol,
		Side:       string(in.Side),
		Kind:       string(in.Kind),
		Qty:        in.Quantity,
		BatchID:    in.BatchID,
		Reason:     reason,
	})
	return result("", opCreate, OutcomeRejected, reason)
}

// Resubmit retries the venue submit of a PENDING order. The order id is the
// client id, so a venue that already has the order returns it unchanged.
func (c *Controller) Resubmit(ctx context.Context, orderID string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = c.confirm(ctx, orderID, opResubmit, fmt.Errorf("panic: %v", r))
		}
		res = c.finish(res)
	}()

	o, err := c.store.GetOrder(ctx, orderID)
	if errors.Is(err, db.ErrNotFound) {
		return result(orderID, opResubmit, OutcomeNoop, "order not found")
	}
	if err != nil {
		return c.confirm(ctx, orderID, opResubmit, err)
	}
	if o.Status != db.OrderPending {
		return result(o.ID, opResubmit, OutcomeNoop, "order is "+string(o.Status))
	}
	adapter, err := c.adapters.AdapterFor(ctx, o.AccountID)
	if err != nil {
		return c.enqueue(ctx, o, db.OperationCreate, opResubmit, "resolve adapter: "+err.Error())
	}
	return c.submit(ctx, adapter, o, opResubmit)
}

// submit sends a PENDING order to the venue.
func (c *Controller) submit(ctx context.Context, adapter exchange.Adapter, o db.Order, op string) Result {
	o, err := c.bindExchange(ctx, o, adapter)
	if err != nil {
		return result(o.ID, op, OutcomeNoop, "order changed concurrently")
	}
	if c.breakers.IsOpen(o.Exchange) {
		return c.enqueue(ctx, o, db.OperationCreate, op, "circuit open for "+o.Exchange)
	}
	if err := c.limiter.AcquireSlot(ctx, o.AccountID, 1); err != nil {
		return c.enqueue(ctx, o, db.OperationCreate, op, "rate limited: "+err.Error())
	}

	res, err := adapter.CreateOrder(ctx, exchange.OrderRequest{
		AccountID:  o.AccountID,
		ClientID:   o.ID,
		Symbol:     o.Symbol,
		Side:       exchange.Side(o.Side),
		Type:       exchange.OrderType(o.Kind),
		Qty:        o.Qty,
		Price:      o.Price,
		StopPrice:  o.StopPrice,
		ReduceOnly: o.ReduceOnly,
		Market:     exchange.MarketType(o.MarketType),
	})
	c.recordAttempt(o.Exchange, err)

	if err != nil {
		if exchange.Classify(err) == exchange.KindRejected {
			return c.markFailed(ctx, o, op, err.Error())
		}
		v, uerr := c.store.UpdateOrderStatus(ctx, o.ID, o.Version, db.OrderPending, err.Error())
		if uerr == nil {
			o.Version = v
		}
		return c.enqueue(ctx, o, db.OperationCreate, op, err.Error())
	}

	o.ExchangeOrderID = res.ExchangeOrderID
	switch {
	case res.Status == exchange.StatusRejected:
		return c.markFailed(ctx, o, op, "rejected by venue")
	case res.Status.IsTerminal():
		if derr := c.settle(ctx, o, res.Status, res.FilledQty, res.AvgPrice); derr != nil {
			return c.confirm(ctx, o.ID, op, fmt.Errorf("delete filled order: %w", derr))
		}
		c.emit(events.EventOrderCreated, toEvent(o))
		c.emitTerminal(o, res)
		return result(o.ID, op, OutcomeApplied, string(res.Status))
	}

	if _, err := c.store.AttachExchangeOrder(ctx, o.ID, o.Version, res.ExchangeOrderID, db.OrderOpen, res.Activated); err != nil {
		// The venue has the order; the row is fixed up from venue truth later.
		c.logger.Warn("attach exchange order failed", "order_id", o.ID, "exchange_order_id", res.ExchangeOrderID, "error", err)
		return result(o.ID, op, OutcomeDeferred, "attach exchange order: "+err.Error())
	}
	c.emit(events.EventOrderCreated, toEvent(o))
	return result(o.ID, op, OutcomeApplied, "")
}

func (c *Controller) markFailed(ctx context.Context, o db.Order, op, reason string) Result {
	if _, err := c.store.UpdateOrderStatus(ctx, o.ID, o.Version, db.OrderFailed, reason); err != nil {
		c.logger.Warn("mark order failed", "order_id", o.ID, "error", err)
	}
	ev := toEvent(o)
	ev.Reason = reason
	c.emit(events.EventOrderRejected, ev)
	return result(o.ID, op, OutcomeRejected, reason)
}

// Abandon is called when the retry budget for an operation is spent. A
// create that never reached the venue is marked FAILED; a cancel leaves the
// order OPEN so it is still visible and cancellable.
func (c *Controller) Abandon(ctx context.Context, orderID string, kind db.OperationKind, reason string) {
	o, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return
	}
	if kind == db.OperationCreate && o.Status == db.OrderPending {
		c.markFailed(ctx, o, opCreate, "retries exhausted: "+reason)
		return
	}
	c.logger.Warn("retries exhausted, order left in place", "order_id", o.ID, "kind", string(kind), "status", string(o.Status), "reason", reason)
}

// Sync reconciles one order against venue truth. It is used for rows left in
// CANCELLING or PENDING by a crash or an unexpected failure.
func (c *Controller) Sync(ctx context.Context, orderID string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = result(orderID, opSync, OutcomeDeferred, fmt.Sprintf("panic: %v", r))
		}
		res = c.finish(res)
	}()

	o, err := c.store.GetOrder(ctx, orderID)
	if errors.Is(err, db.ErrNotFound) {
		return result(orderID, opSync, OutcomeNoop, "order not found")
	}
	if err != nil {
		return result(orderID, opSync, OutcomeDeferred, err.Error())
	}
	if o.Status == db.OrderFailed {
		return result(o.ID, opSync, OutcomeNoop, "order already failed")
	}
	adapter, err := c.adapters.AdapterFor(ctx, o.AccountID)
	if err != nil {
		return result(o.ID, opSync, OutcomeDeferred, "resolve adapter: "+err.Error())
	}
	if o, err = c.bindExchange(ctx, o, adapter); err != nil {
		return result(o.ID, opSync, OutcomeNoop, "order changed concurrently")
	}
	if c.breakers.IsOpen(o.Exchange) {
		return result(o.ID, opSync, OutcomeDeferred, "circuit open for "+o.Exchange)
	}
	if err := c.limiter.AcquireSlot(ctx, o.AccountID, 1); err != nil {
		return result(o.ID, opSync, OutcomeDeferred, "rate limited: "+err.Error())
	}

	fetched, err := adapter.FetchOrder(ctx, refFor(o))
	c.recordAttempt(o.Exchange, err)
	switch {
	case exchange.IsUnknownOrder(err):
		return c.syncUnknown(ctx, adapter, o)
	case err != nil:
		return result(o.ID, opSync, OutcomeDeferred, err.Error())
	case fetched.Status.IsTerminal():
		if o.Status == db.OrderPending && fetched.Status == exchange.StatusRejected {
			return c.markFailed(ctx, o, opSync, "rejected by venue")
		}
		if derr := c.settle(ctx, o, fetched.Status, fetched.FilledQty, fetched.AvgPrice); derr != nil {
			return result(o.ID, opSync, OutcomeNoop, "order changed concurrently")
		}
		c.emitTerminal(o, fetched)
		return result(o.ID, opSync, OutcomeApplied, string(fetched.Status))
	}

	switch o.Status {
	case db.OrderCancelling:
		o = c.restore(ctx, o, o.Version, db.OrderOpen, "cancel interrupted")
		return c.enqueue(ctx, o, db.OperationCancel, opSync, "cancel interrupted, venue shows order active")
	case db.OrderPending:
		if _, err := c.store.AttachExchangeOrder(ctx, o.ID, o.Version, fetched.ExchangeOrderID, db.OrderOpen, fetched.Activated); err != nil {
			return result(o.ID, opSync, OutcomeNoop, "order changed concurrently")
		}
		o.ExchangeOrderID = fetched.ExchangeOrderID
		c.emit(events.EventOrderCreated, toEvent(o))
		return result(o.ID, opSync, OutcomeApplied, "attached venue order")
	default:
		if c.trackActivation(ctx, o, fetched) {
			return result(o.ID, opSync, OutcomeApplied, "stop activated")
		}
		return result(o.ID, opSync, OutcomeNoop, "")
	}
}

func (c *Controller) syncUnknown(ctx context.Context, adapter exchange.Adapter, o db.Order) Result {
	switch o.Status {
	case db.OrderPending:
		// The intent never reached the venue; send it now.
		return c.submit(ctx, adapter, o, opSync)
	case db.OrderCancelling:
		if err := c.settle(ctx, o, exchange.StatusUnknown, 0, 0); err != nil {
			return result(o.ID, opSync, OutcomeNoop, "order changed concurrently")
		}
		ev := toEvent(o)
		ev.Reason = "unknown at venue"
		c.emit(events.EventOrderCancelled, ev)
		return result(o.ID, opSync, OutcomeApplied, "deleted defensively")
	default:
		if err := c.settle(ctx, o, exchange.StatusUnknown, 0, 0); err != nil {
			return result(o.ID, opSync, OutcomeNoop, "order changed concurrently")
		}
		c.logger.Warn("open order unknown at venue, removed", "order_id", o.ID, "exchange", o.Exchange)
		ev := toEvent(o)
		ev.Reason = "unknown at venue"
		c.emit(events.EventOrderCancelled, ev)
		return result(o.ID, opSync, OutcomeApplied, "orphan removed")
	}
}

// trackActivation stores a change of the stop activation flag and reports
// whether one was recorded.
func (c *Controller) trackActivation(ctx context.Context, o db.Order, fetched exchange.OrderResult) bool {
	if fetched.Activated == nil {
		return false
	}
	if o.IsActivated != nil && *o.IsActivated == *fetched.Activated {
		return false
	}
	if _, err := c.store.UpdateOrderActivation(ctx, o.ID, o.Version, *fetched.Activated, c.now()); err != nil {
		c.logger.Warn("record stop activation failed", "order_id", o.ID, "error", err)
		return false
	}
	if *fetched.Activated {
		c.emit(events.EventStopActivated, toEvent(o))
	}
	return true
}
