package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/breaker"
	"execution-core/internal/events"
	"execution-core/internal/lock"
	"execution-core/internal/order"
	"execution-core/internal/ratelimit"
	"execution-core/pkg/backoff"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
)

type resolver struct{ adapter exchange.Adapter }

func (r resolver) AdapterFor(context.Context, string) (exchange.Adapter, error) {
	return r.adapter, nil
}

type collectingNotifier struct {
	mu  sync.Mutex
	got []events.RetryExhausted
}

func (n *collectingNotifier) RetryExhausted(_ context.Context, e events.RetryExhausted) {
	n.mu.Lock()
	n.got = append(n.got, e)
	n.mu.Unlock()
}

type fixture struct {
	store    *db.Database
	venue    *paper.Exchange
	breakers *breaker.Registry
	bus      *events.Bus
	ctrl     *order.Controller
	queue    *Queue
	notifier *collectingNotifier
	clock    time.Time
}

func newFixture(t *testing.T, maxRetries int, policy breaker.CyclePolicy) *fixture {
	t.Helper()
	store, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, db.ApplyMigrations(store))

	f := &fixture{
		store:    store,
		venue:    paper.New(paper.Config{Name: "venue-x"}),
		breakers: breaker.NewRegistry(breaker.Config{Threshold: 3, Policy: policy}),
		bus:      events.NewBus(),
		notifier: &collectingNotifier{},
		clock:    time.Now(),
	}
	locks := lock.NewManager(lock.Config{Timeout: time.Second})
	f.ctrl = order.NewController(order.Deps{
		Store:    store,
		Adapters: resolver{adapter: f.venue},
		Breakers: f.breakers,
		Limiter:  ratelimit.New(ratelimit.Config{Capacity: 1000, Window: time.Second}),
		Emitter:  f.bus,
	})
	f.queue = New(Config{
		MaxRetries:     maxRetries,
		Backoff:        backoff.Policy{Base: time.Second, Max: time.Minute},
		AccountWorkers: 2,
	}, store, f.ctrl, f.breakers, locks, f.bus, f.notifier, nil)
	f.queue.now = func() time.Time { return f.clock }
	f.ctrl.SetRetryEnqueuer(f.queue)
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func transient(op string) error {
	return exchange.NewError(exchange.KindTransient, op, errors.New("gateway timeout"))
}

func (f *fixture) openOrder(t *testing.T, account, symbol string) db.Order {
	t.Helper()
	res := f.ctrl.Create(context.Background(), order.Intent{
		StrategyID: "strat-1",
		AccountID:  account,
		Symbol:     symbol,
		Side:       exchange.SideBuy,
		Kind:       exchange.OrderTypeLimit,
		Quantity:   1,
		Price:      100,
	})
	require.Equal(t, order.OutcomeApplied, res.Outcome, res.Reason)
	o, err := f.store.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	return o
}

// failedCancel leaves one queued cancel for a fresh open order.
func (f *fixture) failedCancel(t *testing.T, account, symbol string) db.Order {
	t.Helper()
	o := f.openOrder(t, account, symbol)
	f.venue.FailNext(paper.OpCancel, transient(paper.OpCancel))
	res := f.ctrl.Cancel(context.Background(), o.ID)
	require.Equal(t, order.OutcomeQueued, res.Outcome)
	f.breakers.BeginCycle()
	return o
}

func (f *fixture) active(t *testing.T) []db.FailedOperation {
	t.Helper()
	recs, err := f.store.ListFailedOperations(context.Background(), db.FailedActive, 100)
	require.NoError(t, err)
	return recs
}

func TestEnqueueCreatesOneRecordPerOperation(t *testing.T) {
	f := newFixture(t, 5, breaker.PolicyReset)
	o := f.failedCancel(t, "acc-1", "BTCUSDT")

	recs := f.active(t)
	require.Len(t, recs, 1)
	assert.Equal(t, o.ID, recs[0].OrderID)
	assert.Equal(t, db.OperationCancel, recs[0].Kind)
	assert.Equal(t, 0, recs[0].RetryCount)
	assert.Equal(t, 5, recs[0].MaxRetries)
	assert.Equal(t, "venue-x", recs[0].Exchange)
	assert.WithinDuration(t, f.clock.Add(time.Second), recs[0].NextAttemptAt, time.Millisecond)

	// A second failure of the same cancel refreshes the reason only.
	require.NoError(t, f.queue.Enqueue(context.Background(), o, db.OperationCancel, "again"))
	recs = f.active(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "again", recs[0].LastFailureReason)
	assert.EqualValues(t, 1, recs[0].Version)
}

func TestSweepIgnoresRecordsNotYetDue(t *testing.T) {
	f := newFixture(t, 5, breaker.PolicyReset)
	f.failedCancel(t, "acc-1", "BTCUSDT")

	rep := f.queue.Sweep(context.Background())
	assert.Zero(t, rep.Due)
	assert.Equal(t, 1, f.venue.Calls(paper.OpCancel))
}

func TestSweepSuccessDeletesRecord(t *testing.T) {
	f := newFixture(t, 5, breaker.PolicyReset)
	o := f.failedCancel(t, "acc-1", "BTCUSDT")
	f.advance(2 * time.Second)

	rep := f.queue.Sweep(context.Background())
	assert.Equal(t, 1, rep.Due)
	assert.Equal(t, 1, rep.Succeeded)
	assert.Empty(t, f.active(t))

	_, err := f.store.GetOrder(context.Background(), o.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestSweepFailureReschedulesWithBackoff(t *testing.T) {
	f := newFixture(t, 5, breaker.PolicyReset)
	f.failedCancel(t, "acc-1", "BTCUSDT")
	f.advance(2 * time.Second)
	f.venue.FailNext(paper.OpCancel, transient(paper.OpCancel))

	rep := f.queue.Sweep(context.Background())
	assert.Equal(t, 1, rep.Rescheduled)

	recs := f.active(t)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].RetryCount)
	assert.WithinDuration(t, f.clock.Add(2*time.Second), recs[0].NextAttemptAt, time.Millisecond)
	assert.Contains(t, recs[0].LastFailureReason, "gateway timeout")
}

func TestSweepExhaustsAfterMaxRetries(t *testing.T) {
	f := newFixture(t, 1, breaker.PolicyReset)
	exhausted, unsub := f.bus.Subscribe(events.EventRetryExhausted, 2)
	defer unsub()

	f.venue.FailNext(paper.OpCreate, transient(paper.OpCreate))
	res := f.ctrl.Create(context.Background(), order.Intent{
		StrategyID: "strat-1", AccountID: "acc-1", Symbol: "BTCUSDT",
		Side: exchange.SideBuy, Kind: exchange.OrderTypeLimit, Quantity: 1, Price: 100,
	})
	require.Equal(t, order.OutcomeQueued, res.Outcome)

	for i := 0; i < 2; i++ {
		f.venue.FailNext(paper.OpCreate, transient(paper.OpCreate))
		f.advance(time.Hour)
		f.queue.Sweep(context.Background())
	}

	assert.Empty(t, f.active(t))
	audit, err := f.store.ListFailedOperations(context.Background(), db.FailedExhausted, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, 2, audit[0].RetryCount)

	require.Len(t, f.notifier.got, 1)
	assert.Equal(t, res.OrderID, f.notifier.got[0].OrderID)
	select {
	case env := <-exhausted:
		assert.Equal(t, res.OrderID, env.Payload.(events.RetryExhausted).OrderID)
	case <-time.After(time.Second):
		t.Fatal("no exhaustion event")
	}

	o, err := f.store.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, db.OrderFailed, o.Status)
	assert.Equal(t, 3, f.venue.Calls(paper.OpCreate))
}

func TestSweepSkipsExchangeAfterBreakerOpensMidPass(t *testing.T) {
	f := newFixture(t, 5, breaker.PolicyReset)
	for _, sym := range []string{"AAAUSDT", "BBBUSDT", "CCCUSDT", "DDDUSDT"} {
		f.failedCancel(t, "acc-1", sym)
	}
	require.Equal(t, 4, f.venue.Calls(paper.OpCancel))
	f.advance(2 * time.Second)

	for i := 0; i < 3; i++ {
		f.venue.FailNext(paper.OpCancel, transient(paper.OpCancel))
	}
	rep := f.queue.Sweep(context.Background())

	assert.Equal(t, 4, rep.Due)
	assert.Equal(t, 3, rep.Attempted)
	assert.Equal(t, 3, rep.Rescheduled)
	assert.Equal(t, 1, rep.SkippedByBreaker)
	assert.Equal(t, 7, f.venue.Calls(paper.OpCancel), "the fourth record is not attempted")
	assert.True(t, f.breakers.IsOpen("venue-x"))

	var untouched db.FailedOperation
	for _, rec := range f.active(t) {
		if rec.RetryCount == 0 {
			untouched = rec
		}
	}
	require.NotEmpty(t, untouched.ID, "skipped record keeps its budget")

	// Three successes heal the exchange; the skipped record is attempted next.
	for i := 0; i < 3; i++ {
		f.breakers.RecordSuccess("venue-x")
	}
	assert.False(t, f.breakers.IsOpen("venue-x"))
	rep = f.queue.Sweep(context.Background())
	assert.Equal(t, 1, rep.Due)
	assert.Equal(t, 1, rep.Succeeded)
}

func TestSweepSkipsOpenExchangeGroupAcrossCycles(t *testing.T) {
	f := newFixture(t, 5, breaker.PolicyDecay)
	f.failedCancel(t, "acc-1", "BTCUSDT")
	f.failedCancel(t, "acc-2", "ETHUSDT")
	f.advance(2 * time.Second)
	for i := 0; i < 4; i++ {
		f.breakers.RecordFailure("venue-x")
	}
	// Four failures decay to three at the start of the sweep: still open.
	require.EqualValues(t, 4, f.breakers.Failures("venue-x"))

	rep := f.queue.Sweep(context.Background())
	assert.Equal(t, 2, rep.SkippedByBreaker)
	assert.Equal(t, []string{"venue-x"}, rep.OpenExchanges)
	assert.Zero(t, rep.Attempted)
	assert.Equal(t, 2, f.venue.Calls(paper.OpCancel))
	for _, rec := range f.active(t) {
		assert.Equal(t, 0, rec.RetryCount)
	}

	// Next cycle decays to two and the group runs.
	rep = f.queue.Sweep(context.Background())
	assert.Equal(t, 2, rep.Succeeded)
}

type panickyOps struct {
	Operations
	badOrder string
}

func (p panickyOps) Cancel(ctx context.Context, id string) order.Result {
	if id == p.badOrder {
		panic("boom")
	}
	return p.Operations.Cancel(ctx, id)
}

func TestSweepIsolatesAccountFailures(t *testing.T) {
	f := newFixture(t, 5, breaker.PolicyReset)
	bad := f.failedCancel(t, "acc-bad", "BTCUSDT")
	good := f.failedCancel(t, "acc-good", "ETHUSDT")
	f.queue.SetOperations(panickyOps{Operations: f.ctrl, badOrder: bad.ID})
	f.advance(2 * time.Second)

	rep := f.queue.Sweep(context.Background())
	assert.Equal(t, 1, rep.Errors)
	assert.Equal(t, 1, rep.Succeeded)

	_, err := f.store.GetOrder(context.Background(), good.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	recs := f.active(t)
	require.Len(t, recs, 1)
	assert.Equal(t, bad.ID, recs[0].OrderID)
}

func TestSweepLeavesRecordWhenLockBusy(t *testing.T) {
	f := newFixture(t, 5, breaker.PolicyReset)
	o := f.failedCancel(t, "acc-1", "BTCUSDT")
	f.advance(2 * time.Second)

	busy := lock.NewManager(lock.Config{Timeout: 20 * time.Millisecond})
	f.queue.locks = busy
	held, err := busy.Acquire(context.Background(), lock.StrategySymbolKey(o.StrategyID, o.Symbol))
	require.NoError(t, err)
	defer held.Release()

	rep := f.queue.Sweep(context.Background())
	assert.Equal(t, 1, rep.LockBusy)
	recs := f.active(t)
	require.Len(t, recs, 1)
	assert.Equal(t, 0, recs[0].RetryCount)
}
