package order

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/breaker"
	"execution-core/internal/events"
	"execution-core/internal/lock"
	"execution-core/internal/ratelimit"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
)

type enqueued struct {
	OrderID string
	Kind    db.OperationKind
	Reason  string
}

type recordingRetries struct {
	mu    sync.Mutex
	calls []enqueued
	err   error
}

func (r *recordingRetries) Enqueue(_ context.Context, o db.Order, kind db.OperationKind, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, enqueued{OrderID: o.ID, Kind: kind, Reason: reason})
	return nil
}

func (r *recordingRetries) all() []enqueued {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]enqueued(nil), r.calls...)
}

type staticResolver struct {
	adapter exchange.Adapter
	err     error
}

func (s staticResolver) AdapterFor(context.Context, string) (exchange.Adapter, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.adapter, nil
}

type fixedSizer decimal.Decimal

func (f fixedSizer) AllocatedCapital(context.Context, string, string, string) (decimal.Decimal, error) {
	return decimal.Decimal(f), nil
}

type harness struct {
	store    *db.Database
	venue    *paper.Exchange
	breakers *breaker.Registry
	limiter  *ratelimit.Limiter
	retries  *recordingRetries
	bus      *events.Bus
	locks    *lock.Manager
	ctrl     *Controller
	exec     *Executor
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, nil)
}

// newHarnessWith builds a controller on an in-memory store and a paper venue.
// wrap, when set, decorates the venue before the controller sees it.
func newHarnessWith(t *testing.T, wrap func(exchange.Adapter) exchange.Adapter) *harness {
	t.Helper()
	store, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, db.ApplyMigrations(store))

	h := &harness{
		store:    store,
		venue:    paper.New(paper.Config{Name: "paper"}),
		breakers: breaker.NewRegistry(breaker.Config{Threshold: 3}),
		limiter:  ratelimit.New(ratelimit.Config{Capacity: 1000, Window: time.Second, MaxWait: 50 * time.Millisecond}),
		retries:  &recordingRetries{},
		bus:      events.NewBus(),
		locks:    lock.NewManager(lock.Config{Timeout: 2 * time.Second}),
	}
	var adapter exchange.Adapter = h.venue
	if wrap != nil {
		adapter = wrap(adapter)
	}
	h.ctrl = NewController(Deps{
		Store:    store,
		Adapters: staticResolver{adapter: adapter},
		Breakers: h.breakers,
		Limiter:  h.limiter,
		Retries:  h.retries,
		Emitter:  h.bus,
		Sizer:    fixedSizer(decimal.NewFromInt(1000)),
	})
	h.exec = NewExecutor(h.ctrl, h.locks, store, h.bus, nil)
	return h
}

func limitIntent(symbol string) Intent {
	return Intent{
		StrategyID: "strat-1",
		AccountID:  "acc-1",
		Symbol:     symbol,
		Side:       exchange.SideBuy,
		Kind:       exchange.OrderTypeLimit,
		Quantity:   1,
		Price:      100,
	}
}

// openOrder creates a resting limit order through the controller.
func (h *harness) openOrder(t *testing.T, symbol string) db.Order {
	t.Helper()
	res := h.ctrl.Create(context.Background(), limitIntent(symbol))
	require.Equal(t, OutcomeApplied, res.Outcome, res.Reason)
	o, err := h.store.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	require.Equal(t, db.OrderOpen, o.Status)
	return o
}

func waitEvent(t *testing.T, ch <-chan events.Envelope) events.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return events.Envelope{}
	}
}

func TestCreateLimitOrderOpens(t *testing.T) {
	h := newHarness(t)
	created, cancel := h.bus.Subscribe(events.EventOrderCreated, 4)
	defer cancel()

	o := h.openOrder(t, "BTCUSDT")
	assert.NotEmpty(t, o.ExchangeOrderID)
	assert.Equal(t, "paper", o.Exchange)
	assert.EqualValues(t, 2, o.Version)

	env := waitEvent(t, created)
	assert.Equal(t, o.ID, env.Payload.(events.OrderEvent).OrderID)

	venue, ok := h.venue.Lookup(o.ID)
	require.True(t, ok, "order id is the client id at the venue")
	assert.Equal(t, exchange.StatusNew, venue.Status)
}

func TestCreateMarketOrderFillsAndIsRemoved(t *testing.T) {
	h := newHarness(t)
	h.venue.SetBalance("acc-1", exchange.MarketSpot, 10_000)
	filled, cancel := h.bus.Subscribe(events.EventOrderFilled, 4)
	defer cancel()

	in := limitIntent("ETHUSDT")
	in.Kind = exchange.OrderTypeMarket
	res := h.ctrl.Create(context.Background(), in)
	require.Equal(t, OutcomeApplied, res.Outcome)

	_, err := h.store.GetOrder(context.Background(), res.OrderID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	env := waitEvent(t, filled)
	assert.InDelta(t, 1.0, env.Payload.(events.OrderEvent).FilledQty, 1e-9)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	rejected, cancel := h.bus.Subscribe(events.EventOrderRejected, 8)
	defer cancel()

	cases := []struct {
		name   string
		mutate func(*Intent)
	}{
		{"missing symbol", func(in *Intent) { in.Symbol = "" }},
		{"bad side", func(in *Intent) { in.Side = "HOLD" }},
		{"limit without price", func(in *Intent) { in.Price = 0 }},
		{"no quantity", func(in *Intent) { in.Quantity = 0 }},
		{"both quantities", func(in *Intent) { in.QuantityPercent = 10 }},
		{"stop without stop price", func(in *Intent) { in.Kind = exchange.OrderTypeStopLoss }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := limitIntent("BTCUSDT")
			tc.mutate(&in)
			res := h.ctrl.Create(context.Background(), in)
			assert.Equal(t, OutcomeRejected, res.Outcome)
			assert.Empty(t, res.OrderID)
			waitEvent(t, rejected)
		})
	}
	assert.Zero(t, h.venue.Calls(paper.OpCreate))
}

func TestCreateSizesFromAllocatedCapital(t *testing.T) {
	h := newHarness(t)
	in := limitIntent("BTCUSDT")
	in.Quantity = 0
	in.QuantityPercent = 50
	in.Price = 250

	res := h.ctrl.Create(context.Background(), in)
	require.Equal(t, OutcomeApplied, res.Outcome, res.Reason)
	o, err := h.store.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	// 1000 allocated * 50% / 250
	assert.InDelta(t, 2.0, o.Qty, 1e-9)
}

func TestCreateVenueRejectMarksFailed(t *testing.T) {
	h := newHarness(t)
	h.venue.FailNext(paper.OpCreate, exchange.NewError(exchange.KindRejected, paper.OpCreate, errors.New("min notional")))

	res := h.ctrl.Create(context.Background(), limitIntent("BTCUSDT"))
	assert.Equal(t, OutcomeRejected, res.Outcome)
	o, err := h.store.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderFailed, o.Status)
	assert.Contains(t, o.LastError, "min notional")
	assert.Empty(t, h.retries.all())
	assert.Zero(t, h.breakers.Failures("paper"), "a reject is a healthy venue answer")
}

func TestCreateTransientFailureQueues(t *testing.T) {
	h := newHarness(t)
	h.venue.FailNext(paper.OpCreate, exchange.NewError(exchange.KindTransient, paper.OpCreate, errors.New("502")))

	res := h.ctrl.Create(context.Background(), limitIntent("BTCUSDT"))
	require.Equal(t, OutcomeQueued, res.Outcome)

	o, err := h.store.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderPending, o.Status)
	assert.EqualValues(t, 1, h.breakers.Failures("paper"))

	calls := h.retries.all()
	require.Len(t, calls, 1)
	assert.Equal(t, db.OperationCreate, calls[0].Kind)

	// The retry resubmits with the same client id.
	res = h.ctrl.Resubmit(context.Background(), o.ID)
	require.Equal(t, OutcomeApplied, res.Outcome)
	o, err = h.store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderOpen, o.Status)
	assert.Equal(t, 1, h.venue.OpenOrders())
}

func TestCreateWithOpenBreakerQueuesWithoutCalling(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.breakers.RecordFailure("paper")
	}
	res := h.ctrl.Create(context.Background(), limitIntent("BTCUSDT"))
	assert.Equal(t, OutcomeQueued, res.Outcome)
	assert.Zero(t, h.venue.Calls(paper.OpCreate))
}

func TestCreateUnknownAccountRejected(t *testing.T) {
	h := newHarness(t)
	h.ctrl.adapters = staticResolver{err: exchange.ErrUnknownAccount}
	res := h.ctrl.Create(context.Background(), limitIntent("BTCUSDT"))
	assert.Equal(t, OutcomeRejected, res.Outcome)
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("absent order", func(t *testing.T) {
		res := h.ctrl.Cancel(ctx, "missing")
		assert.Equal(t, OutcomeNoop, res.Outcome)
		assert.Zero(t, h.venue.Calls(paper.OpCancel))
	})

	t.Run("already cancelling", func(t *testing.T) {
		o := h.openOrder(t, "BTCUSDT")
		_, err := h.store.UpdateOrderStatus(ctx, o.ID, o.Version, db.OrderCancelling, "")
		require.NoError(t, err)

		res := h.ctrl.Cancel(ctx, o.ID)
		assert.Equal(t, OutcomeNoop, res.Outcome)
		assert.Zero(t, h.venue.Calls(paper.OpCancel))
		assert.Empty(t, h.retries.all())
	})

	t.Run("cancel twice", func(t *testing.T) {
		o := h.openOrder(t, "ETHUSDT")
		first := h.ctrl.Cancel(ctx, o.ID)
		second := h.ctrl.Cancel(ctx, o.ID)
		assert.Equal(t, OutcomeApplied, first.Outcome)
		assert.Equal(t, OutcomeNoop, second.Outcome)
		assert.Equal(t, 1, h.venue.Calls(paper.OpCancel))
	})
}

func TestCancelAppliedDeletesRow(t *testing.T) {
	h := newHarness(t)
	cancelled, unsub := h.bus.Subscribe(events.EventOrderCancelled, 4)
	defer unsub()

	o := h.openOrder(t, "BTCUSDT")
	res := h.ctrl.Cancel(context.Background(), o.ID)
	require.Equal(t, OutcomeApplied, res.Outcome)

	_, err := h.store.GetOrder(context.Background(), o.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.Equal(t, o.ID, waitEvent(t, cancelled).Payload.(events.OrderEvent).OrderID)
	assert.Equal(t, 0, h.venue.OpenOrders())
}

func TestCancelUnknownOrderFilledAtVenue(t *testing.T) {
	h := newHarness(t)
	filled, unsub := h.bus.Subscribe(events.EventOrderFilled, 4)
	defer unsub()

	o := h.openOrder(t, "BTCUSDT")
	require.NoError(t, h.venue.SetOrderStatus(o.ExchangeOrderID, exchange.StatusFilled, 1))

	res := h.ctrl.Cancel(context.Background(), o.ID)
	require.Equal(t, OutcomeApplied, res.Outcome)

	_, err := h.store.GetOrder(context.Background(), o.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.Empty(t, h.retries.all(), "no retry for a filled order")
	env := waitEvent(t, filled)
	assert.InDelta(t, 1.0, env.Payload.(events.OrderEvent).FilledQty, 1e-9)
	assert.Zero(t, h.breakers.Failures("paper"))
}

func TestCancelUnknownOrderPartiallyFilledReportsQty(t *testing.T) {
	h := newHarness(t)
	cancelled, unsub := h.bus.Subscribe(events.EventOrderCancelled, 4)
	defer unsub()

	o := h.openOrder(t, "BTCUSDT")
	require.NoError(t, h.venue.SetOrderStatus(o.ExchangeOrderID, exchange.StatusCanceled, 0.4))

	res := h.ctrl.Cancel(context.Background(), o.ID)
	require.Equal(t, OutcomeApplied, res.Outcome)
	assert.InDelta(t, 0.4, waitEvent(t, cancelled).Payload.(events.OrderEvent).FilledQty, 1e-9)
}

func TestCancelUnknownEverywhereDeletesDefensively(t *testing.T) {
	h := newHarness(t)
	o := h.openOrder(t, "BTCUSDT")
	h.venue.Forget(o.ExchangeOrderID)

	res := h.ctrl.Cancel(context.Background(), o.ID)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	_, err := h.store.GetOrder(context.Background(), o.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.Empty(t, h.retries.all())
}

func TestCancelTransientFailureRestoresAndQueues(t *testing.T) {
	h := newHarness(t)
	o := h.openOrder(t, "BTCUSDT")
	h.venue.FailNext(paper.OpCancel, exchange.NewError(exchange.KindTransient, paper.OpCancel, errors.New("timeout")))

	res := h.ctrl.Cancel(context.Background(), o.ID)
	require.Equal(t, OutcomeQueued, res.Outcome)

	got, err := h.store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderOpen, got.Status)
	assert.Contains(t, got.LastError, "timeout")
	calls := h.retries.all()
	require.Len(t, calls, 1)
	assert.Equal(t, db.OperationCancel, calls[0].Kind)
	assert.EqualValues(t, 1, h.breakers.Failures("paper"))
}

func TestCancelWithOpenBreakerQueues(t *testing.T) {
	h := newHarness(t)
	o := h.openOrder(t, "BTCUSDT")
	for i := 0; i < 3; i++ {
		h.breakers.RecordFailure("paper")
	}

	res := h.ctrl.Cancel(context.Background(), o.ID)
	assert.Equal(t, OutcomeQueued, res.Outcome)
	assert.Zero(t, h.venue.Calls(paper.OpCancel))
	got, err := h.store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderOpen, got.Status)
}

func TestCancelRateLimitedRestores(t *testing.T) {
	h := newHarness(t)
	o := h.openOrder(t, "BTCUSDT")
	h.ctrl.limiter = ratelimit.New(ratelimit.Config{Capacity: 1, Window: time.Hour, MaxWait: time.Millisecond})
	require.NoError(t, h.ctrl.limiter.AcquireSlot(context.Background(), "acc-1", 1))

	res := h.ctrl.Cancel(context.Background(), o.ID)
	assert.Equal(t, OutcomeQueued, res.Outcome)
	got, err := h.store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderOpen, got.Status)
	assert.Zero(t, h.venue.Calls(paper.OpCancel))
}

func TestAbandonCreateMarksFailed(t *testing.T) {
	h := newHarness(t)
	h.venue.FailNext(paper.OpCreate, errors.New("connection reset"))
	res := h.ctrl.Create(context.Background(), limitIntent("BTCUSDT"))
	require.Equal(t, OutcomeQueued, res.Outcome)

	h.ctrl.Abandon(context.Background(), res.OrderID, db.OperationCreate, "exhausted")
	o, err := h.store.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderFailed, o.Status)
}

func TestSync(t *testing.T) {
	ctx := context.Background()

	t.Run("cancelling order filled at venue is removed", func(t *testing.T) {
		h := newHarness(t)
		o := h.openOrder(t, "BTCUSDT")
		_, err := h.store.UpdateOrderStatus(ctx, o.ID, o.Version, db.OrderCancelling, "")
		require.NoError(t, err)
		require.NoError(t, h.venue.SetOrderStatus(o.ExchangeOrderID, exchange.StatusFilled, 1))

		assert.Equal(t, OutcomeApplied, h.ctrl.Sync(ctx, o.ID).Outcome)
		_, err = h.store.GetOrder(ctx, o.ID)
		assert.ErrorIs(t, err, db.ErrNotFound)
	})

	t.Run("cancelling order still active is reopened and queued", func(t *testing.T) {
		h := newHarness(t)
		o := h.openOrder(t, "BTCUSDT")
		_, err := h.store.UpdateOrderStatus(ctx, o.ID, o.Version, db.OrderCancelling, "")
		require.NoError(t, err)

		assert.Equal(t, OutcomeQueued, h.ctrl.Sync(ctx, o.ID).Outcome)
		got, err := h.store.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, db.OrderOpen, got.Status)
	})

	t.Run("pending order unknown at venue is submitted", func(t *testing.T) {
		h := newHarness(t)
		h.venue.FailNext(paper.OpCreate, errors.New("connection reset"))
		res := h.ctrl.Create(ctx, limitIntent("BTCUSDT"))
		require.Equal(t, OutcomeQueued, res.Outcome)

		assert.Equal(t, OutcomeApplied, h.ctrl.Sync(ctx, res.OrderID).Outcome)
		got, err := h.store.GetOrder(ctx, res.OrderID)
		require.NoError(t, err)
		assert.Equal(t, db.OrderOpen, got.Status)
	})

	t.Run("stop activation is recorded", func(t *testing.T) {
		h := newHarness(t)
		activated, unsub := h.bus.Subscribe(events.EventStopActivated, 4)
		defer unsub()

		in := limitIntent("BTCUSDT")
		in.Kind = exchange.OrderTypeStopLoss
		in.StopPrice = 90
		res := h.ctrl.Create(ctx, in)
		require.Equal(t, OutcomeApplied, res.Outcome)
		o, err := h.store.GetOrder(ctx, res.OrderID)
		require.NoError(t, err)
		require.NotNil(t, o.IsActivated)
		assert.False(t, *o.IsActivated)

		require.NoError(t, h.venue.TriggerStop(o.ExchangeOrderID))
		assert.Equal(t, OutcomeApplied, h.ctrl.Sync(ctx, o.ID).Outcome)
		o, err = h.store.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		require.NotNil(t, o.IsActivated)
		assert.True(t, *o.IsActivated)
		assert.NotNil(t, o.ActivationDetectedAt)
		waitEvent(t, activated)

		assert.Equal(t, OutcomeNoop, h.ctrl.Sync(ctx, o.ID).Outcome)
	})
}

// overlapAdapter sleeps inside every mutating call and records the highest
// number of calls in flight at once.
type overlapAdapter struct {
	exchange.Adapter
	hold     time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (a *overlapAdapter) enter() func() {
	n := a.inFlight.Add(1)
	for {
		m := a.maxSeen.Load()
		if n <= m || a.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(a.hold)
	return func() { a.inFlight.Add(-1) }
}

func (a *overlapAdapter) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	defer a.enter()()
	return a.Adapter.CreateOrder(ctx, req)
}

func (a *overlapAdapter) CancelOrder(ctx context.Context, ref exchange.OrderRef) error {
	defer a.enter()()
	return a.Adapter.CancelOrder(ctx, ref)
}

func TestConcurrentCancelAndCreateOnSameKeySerialize(t *testing.T) {
	overlap := &overlapAdapter{hold: 30 * time.Millisecond}
	h := newHarnessWith(t, func(inner exchange.Adapter) exchange.Adapter {
		overlap.Adapter = inner
		return overlap
	})
	existing := h.openOrder(t, "BTCUSDT")
	overlap.maxSeen.Store(0)

	cancelBatch := Batch{BatchID: "b-cancel", StrategyID: "strat-1", AccountID: "acc-1",
		Ops: []Op{{Kind: OpCancel, OrderID: existing.ID}}}
	createBatch := Batch{BatchID: "b-create", StrategyID: "strat-1", AccountID: "acc-1",
		Ops: []Op{{Kind: OpCreate, Intent: limitIntent("BTCUSDT")}}}

	var wg sync.WaitGroup
	results := make([]BatchResult, 2)
	for i, b := range []Batch{cancelBatch, createBatch} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.exec.Execute(context.Background(), b)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, overlap.maxSeen.Load(), "venue calls on one strategy+symbol must not overlap")
	for _, r := range results {
		require.Len(t, r.Results, 1)
		assert.Equal(t, OutcomeApplied, r.Results[0].Outcome)
	}
	_, err := h.store.GetOrder(context.Background(), existing.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.Equal(t, 1, h.venue.OpenOrders())
}

func TestConcurrentBatchesOnDifferentKeysOverlap(t *testing.T) {
	overlap := &overlapAdapter{hold: 50 * time.Millisecond}
	h := newHarnessWith(t, func(inner exchange.Adapter) exchange.Adapter {
		overlap.Adapter = inner
		return overlap
	})

	var wg sync.WaitGroup
	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.exec.Execute(context.Background(), Batch{BatchID: "b-" + sym, StrategyID: "strat-1", AccountID: "acc-1",
				Ops: []Op{{Kind: OpCreate, Intent: limitIntent(sym)}}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 2, overlap.maxSeen.Load())
}

func TestCreateWithOrderIDIsIdempotent(t *testing.T) {
	ctx := context.Background()

	t.Run("open order", func(t *testing.T) {
		h := newHarness(t)
		in := limitIntent("BTCUSDT")
		in.OrderID = "order-fixed-1"

		first := h.ctrl.Create(ctx, in)
		require.Equal(t, OutcomeApplied, first.Outcome, first.Reason)
		assert.Equal(t, "order-fixed-1", first.OrderID)

		again := h.ctrl.Create(ctx, in)
		assert.Equal(t, OutcomeNoop, again.Outcome)
		assert.Equal(t, "order-fixed-1", again.OrderID)
		assert.Equal(t, 1, h.venue.Calls(paper.OpCreate))
		assert.Equal(t, 1, h.venue.OpenOrders())
	})

	t.Run("filled order", func(t *testing.T) {
		h := newHarness(t)
		h.venue.SetBalance("acc-1", exchange.MarketSpot, 10_000)
		in := limitIntent("ETHUSDT")
		in.Kind = exchange.OrderTypeMarket
		in.OrderID = "order-fixed-2"

		require.Equal(t, OutcomeApplied, h.ctrl.Create(ctx, in).Outcome)
		again := h.ctrl.Create(ctx, in)
		assert.Equal(t, OutcomeNoop, again.Outcome)
		assert.Equal(t, "order already settled", again.Reason)
		assert.Equal(t, 1, h.venue.Calls(paper.OpCreate))

		pos, err := h.store.GetStrategyPosition(ctx, "strat-1", "ETHUSDT")
		require.NoError(t, err)
		assert.InDelta(t, 1.0, pos.Qty, 1e-9, "the fill is counted once")
	})

	t.Run("pending order is submitted again", func(t *testing.T) {
		h := newHarness(t)
		h.venue.FailNext(paper.OpCreate, exchange.NewError(exchange.KindTransient, paper.OpCreate, errors.New("502")))
		in := limitIntent("BTCUSDT")
		in.OrderID = "order-fixed-3"

		require.Equal(t, OutcomeQueued, h.ctrl.Create(ctx, in).Outcome)
		again := h.ctrl.Create(ctx, in)
		require.Equal(t, OutcomeApplied, again.Outcome, again.Reason)
		assert.Equal(t, 2, h.venue.Calls(paper.OpCreate))
		assert.Equal(t, 1, h.venue.OpenOrders())

		o, err := h.store.GetOrder(ctx, "order-fixed-3")
		require.NoError(t, err)
		assert.Equal(t, db.OrderOpen, o.Status)
	})
}

func TestFillsMoveStrategyPosition(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.venue.SetBalance("acc-1", exchange.MarketSpot, 10_000)

	buy := limitIntent("ETHUSDT")
	buy.Kind = exchange.OrderTypeMarket
	buy.Quantity = 2
	require.Equal(t, OutcomeApplied, h.ctrl.Create(ctx, buy).Outcome)

	pos, err := h.store.GetStrategyPosition(ctx, "strat-1", "ETHUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, pos.Qty, 1e-9)
	assert.InDelta(t, 100.0, pos.AvgPrice, 1e-9)
	open, err := h.store.HasOpenPositions(ctx, "acc-1", "")
	require.NoError(t, err)
	assert.True(t, open)

	// A cancel after a partial fill counts the traded part.
	o := h.openOrder(t, "ETHUSDT")
	require.NoError(t, h.venue.SetOrderStatus(o.ExchangeOrderID, exchange.StatusPartial, 0.5))
	require.Equal(t, OutcomeApplied, h.ctrl.Cancel(ctx, o.ID).Outcome)
	pos, err = h.store.GetStrategyPosition(ctx, "strat-1", "ETHUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 2.5, pos.Qty, 1e-9)

	sell := buy
	sell.Side = exchange.SideSell
	sell.Quantity = 2.5
	require.Equal(t, OutcomeApplied, h.ctrl.Create(ctx, sell).Outcome)
	open, err = h.store.HasOpenPositions(ctx, "acc-1", "")
	require.NoError(t, err)
	assert.False(t, open)
}

func TestCancelUsesBreakerOfResolvedVenue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.ctrl.adapters = staticResolver{err: errors.New("gateway unavailable")}

	res := h.ctrl.Create(ctx, limitIntent("BTCUSDT"))
	require.Equal(t, OutcomeQueued, res.Outcome)
	o, err := h.store.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	require.Empty(t, o.Exchange)

	h.ctrl.adapters = staticResolver{adapter: h.venue}
	require.Equal(t, OutcomeApplied, h.ctrl.Resubmit(ctx, o.ID).Outcome)
	o, err = h.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "paper", o.Exchange)

	for i := 0; i < 3; i++ {
		h.breakers.RecordFailure("paper")
	}
	assert.Equal(t, OutcomeQueued, h.ctrl.Cancel(ctx, o.ID).Outcome)
	assert.Zero(t, h.venue.Calls(paper.OpCancel))
}

func TestCancelOrderStoredWithoutExchangeChecksBreaker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.store.CreateOrder(ctx, db.Order{
		ID:         "legacy-1",
		StrategyID: "strat-1",
		AccountID:  "acc-1",
		Symbol:     "BTCUSDT",
		Side:       "BUY",
		Kind:       "LIMIT",
		Qty:        1,
		Price:      100,
		Status:     db.OrderOpen,
	})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		h.breakers.RecordFailure("paper")
	}

	assert.Equal(t, OutcomeQueued, h.ctrl.Cancel(ctx, "legacy-1").Outcome)
	assert.Zero(t, h.venue.Calls(paper.OpCancel))
	o, err := h.store.GetOrder(ctx, "legacy-1")
	require.NoError(t, err)
	assert.Equal(t, "paper", o.Exchange)
	assert.Equal(t, db.OrderOpen, o.Status)
}

// capturingAdapter records every create request it forwards.
type capturingAdapter struct {
	exchange.Adapter
	mu   sync.Mutex
	reqs []exchange.OrderRequest
}

func (a *capturingAdapter) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	a.mu.Lock()
	a.reqs = append(a.reqs, req)
	a.mu.Unlock()
	return a.Adapter.CreateOrder(ctx, req)
}

func (a *capturingAdapter) requests() []exchange.OrderRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]exchange.OrderRequest(nil), a.reqs...)
}

func TestReduceOnlyReachesVenue(t *testing.T) {
	ctx := context.Background()
	capture := &capturingAdapter{}
	h := newHarnessWith(t, func(a exchange.Adapter) exchange.Adapter {
		capture.Adapter = a
		return capture
	})
	h.venue.FailNext(paper.OpCreate, exchange.NewError(exchange.KindTransient, paper.OpCreate, errors.New("502")))

	in := limitIntent("BTCUSDT")
	in.Side = exchange.SideSell
	in.Market = exchange.MarketUSDTFut
	in.ReduceOnly = true
	res := h.ctrl.Create(ctx, in)
	require.Equal(t, OutcomeQueued, res.Outcome)

	o, err := h.store.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.True(t, o.ReduceOnly)

	require.Equal(t, OutcomeApplied, h.ctrl.Resubmit(ctx, o.ID).Outcome)
	reqs := capture.requests()
	require.Len(t, reqs, 2)
	for _, req := range reqs {
		assert.True(t, req.ReduceOnly)
	}
}

// unrecognizedStatusAdapter answers cancels with UNKNOWN_ORDER and fetches
// with a status the venue mapping does not recognize.
type unrecognizedStatusAdapter struct {
	exchange.Adapter
}

func (unrecognizedStatusAdapter) CancelOrder(context.Context, exchange.OrderRef) error {
	return exchange.NewError(exchange.KindUnknownOrder, paper.OpCancel, errors.New("order does not exist"))
}

func (unrecognizedStatusAdapter) FetchOrder(context.Context, exchange.OrderRef) (exchange.OrderResult, error) {
	return exchange.OrderResult{Status: exchange.StatusUnknown}, nil
}

func TestCancelKeepsOrderWithUnrecognizedVenueStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarnessWith(t, func(a exchange.Adapter) exchange.Adapter {
		return unrecognizedStatusAdapter{Adapter: a}
	})
	o := h.openOrder(t, "BTCUSDT")

	res := h.ctrl.Cancel(ctx, o.ID)
	assert.Equal(t, OutcomeQueued, res.Outcome)
	got, err := h.store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderOpen, got.Status)
	settled, err := h.store.IsSettled(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, settled)

	calls := h.retries.all()
	require.Len(t, calls, 1)
	assert.Equal(t, db.OperationCancel, calls[0].Kind)
}
