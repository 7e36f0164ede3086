// Package retry keeps failed order operations durable and replays them on a
// fixed schedule through the order controller.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"execution-core/internal/events"
	"execution-core/internal/lock"
	"execution-core/internal/order"
	"execution-core/pkg/backoff"
	"execution-core/pkg/db"
)

// Store is the persistence the queue needs.
type Store interface {
	UpsertFailedOperation(ctx context.Context, f db.FailedOperation) (db.FailedOperation, bool, error)
	ListDueFailedOperations(ctx context.Context, now time.Time, limit int) ([]db.FailedOperation, error)
	RescheduleFailedOperation(ctx context.Context, id string, version int64, retryCount int, next time.Time, reason string) error
	ExhaustFailedOperation(ctx context.Context, id string, version int64, retryCount int, reason string) error
	DeleteFailedOperation(ctx context.Context, id string, version int64) error
}

// Operations replays order operations.
type Operations interface {
	Cancel(ctx context.Context, orderID string) order.Result
	Resubmit(ctx context.Context, orderID string) order.Result
	Abandon(ctx context.Context, orderID string, kind db.OperationKind, reason string)
}

// Breaker is the circuit breaker view of the sweep.
type Breaker interface {
	IsOpen(exchange string) bool
	BeginCycle()
}

// Notifier is told about every operation that ran out of retries.
type Notifier interface {
	RetryExhausted(ctx context.Context, e events.RetryExhausted)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e events.RetryExhausted)

func (f NotifierFunc) RetryExhausted(ctx context.Context, e events.RetryExhausted) { f(ctx, e) }

// Recorder receives sweep metrics.
type Recorder interface {
	RecordRetry(outcome string)
	RecordBreakerSkip(exchange string, records int)
}

// Config tunes a Queue.
type Config struct {
	MaxRetries     int            // default 5
	Interval       time.Duration  // sweep interval, default 15s
	Backoff        backoff.Policy // default 5s doubling up to 5m
	AccountWorkers int            // accounts swept in parallel, default 4
	BatchLimit     int            // due records read per sweep, default 500
	Logger         *slog.Logger
}

// Queue is the failed-operation queue. It implements order.RetryEnqueuer.
type Queue struct {
	cfg      Config
	store    Store
	ops      Operations
	breakers Breaker
	locks    order.Locker
	emitter  order.Emitter
	notifier Notifier
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
	sweepMu  sync.Mutex
}

var _ order.RetryEnqueuer = (*Queue)(nil)

// New creates a queue. Notifier, emitter and recorder may be nil.
func New(cfg Config, store Store, ops Operations, breakers Breaker, locks order.Locker, emitter order.Emitter, notifier Notifier, recorder Recorder) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = 5 * time.Second
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = 5 * time.Minute
	}
	if cfg.AccountWorkers <= 0 {
		cfg.AccountWorkers = 4
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 500
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:      cfg,
		store:    store,
		ops:      ops,
		breakers: breakers,
		locks:    locks,
		emitter:  emitter,
		notifier: notifier,
		recorder: recorder,
		logger:   logger.With("component", "retry"),
		now:      time.Now,
	}
}

// SetOperations attaches the controller after construction.
func (q *Queue) SetOperations(ops Operations) { q.ops = ops }

// Enqueue durably records a failed operation. A second failure of the same
// operation while its record is active only refreshes the failure reason.
func (q *Queue) Enqueue(ctx context.Context, o db.Order, kind db.OperationKind, reason string) error {
	rec, created, err := q.store.UpsertFailedOperation(ctx, db.FailedOperation{
		OrderID:           o.ID,
		AccountID:         o.AccountID,
		Exchange:          o.Exchange,
		StrategyID:        o.StrategyID,
		Symbol:            o.Symbol,
		Kind:              kind,
		RetryCount:        0,
		MaxRetries:        q.cfg.MaxRetries,
		NextAttemptAt:     q.now().Add(q.cfg.Backoff.Delay(0)),
		LastFailureReason: reason,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s for %s: %w", kind, o.ID, err)
	}
	if created {
		q.logger.Info("operation queued for retry", "record_id", rec.ID, "order_id", o.ID, "kind", string(kind),
			"exchange", o.Exchange, "next_attempt_at", rec.NextAttemptAt, "reason", reason)
		q.record("enqueued")
	}
	return nil
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Due              int      `json:"due"`
	Attempted        int      `json:"attempted"`
	Succeeded        int      `json:"succeeded"`
	Rescheduled      int      `json:"rescheduled"`
	Exhausted        int      `json:"exhausted"`
	SkippedByBreaker int      `json:"skipped_by_breaker"`
	LockBusy         int      `json:"lock_busy"`
	Errors           int      `json:"errors"`
	OpenExchanges    []string `json:"open_exchanges,omitempty"`
}

// Start sweeps every interval until ctx is done.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(q.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rep := q.Sweep(ctx)
				if rep.Due > 0 {
					q.logger.Info("retry sweep", "due", rep.Due, "succeeded", rep.Succeeded, "rescheduled", rep.Rescheduled,
						"exhausted", rep.Exhausted, "skipped_by_breaker", rep.SkippedByBreaker, "errors", rep.Errors)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	q.logger.Info("retry sweeper started", "interval", q.cfg.Interval, "max_retries", q.cfg.MaxRetries)
}

// Sweep retries every due record once. Records of an exchange whose circuit
// is open are left untouched and keep their retry budget. Accounts are swept
// in parallel and a failure in one account does not affect the others.
func (q *Queue) Sweep(ctx context.Context) SweepReport {
	q.sweepMu.Lock()
	defer q.sweepMu.Unlock()

	var (
		mu  sync.Mutex
		rep SweepReport
	)
	q.breakers.BeginCycle()

	due, err := q.store.ListDueFailedOperations(ctx, q.now(), q.cfg.BatchLimit)
	if err != nil {
		q.logger.Error("list due operations failed", "error", err)
		rep.Errors++
		return rep
	}
	rep.Due = len(due)

	byExchange := make(map[string][]db.FailedOperation)
	for _, rec := range due {
		byExchange[rec.Exchange] = append(byExchange[rec.Exchange], rec)
	}
	exchanges := make([]string, 0, len(byExchange))
	for name := range byExchange {
		exchanges = append(exchanges, name)
	}
	sort.Strings(exchanges)

	byAccount := make(map[string][]db.FailedOperation)
	var accounts []string
	for _, name := range exchanges {
		group := byExchange[name]
		if q.breakers.IsOpen(name) {
			q.logger.Info("circuit open, skipping exchange group", "exchange", name, "records", len(group))
			rep.SkippedByBreaker += len(group)
			rep.OpenExchanges = append(rep.OpenExchanges, name)
			if q.recorder != nil {
				q.recorder.RecordBreakerSkip(name, len(group))
			}
			continue
		}
		for _, rec := range group {
			if _, ok := byAccount[rec.AccountID]; !ok {
				accounts = append(accounts, rec.AccountID)
			}
			byAccount[rec.AccountID] = append(byAccount[rec.AccountID], rec)
		}
	}

	var g errgroup.Group
	g.SetLimit(q.cfg.AccountWorkers)
	for _, account := range accounts {
		records := byAccount[account]
		g.Go(func() error {
			local := q.sweepAccount(ctx, account, records)
			mu.Lock()
			rep.add(local)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func (r *SweepReport) add(o SweepReport) {
	r.Attempted += o.Attempted
	r.Succeeded += o.Succeeded
	r.Rescheduled += o.Rescheduled
	r.Exhausted += o.Exhausted
	r.SkippedByBreaker += o.SkippedByBreaker
	r.LockBusy += o.LockBusy
	r.Errors += o.Errors
}

// sweepAccount processes one account's records in order. A panic is logged
// and ends this account's pass only.
func (q *Queue) sweepAccount(ctx context.Context, account string, records []db.FailedOperation) (rep SweepReport) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic while sweeping account", "account_id", account, "panic", fmt.Sprint(r))
			rep.Errors++
			q.record("panic")
		}
	}()
	for _, rec := range records {
		if ctx.Err() != nil {
			return rep
		}
		q.process(ctx, rec, &rep)
	}
	return rep
}

func (q *Queue) process(ctx context.Context, rec db.FailedOperation, rep *SweepReport) {
	guard, err := q.locks.Acquire(ctx, lock.StrategySymbolKey(rec.StrategyID, rec.Symbol))
	if err != nil {
		q.logger.Warn("retry lock unavailable, record left for next sweep", "record_id", rec.ID, "order_id", rec.OrderID, "error", err)
		rep.LockBusy++
		return
	}
	defer guard.Release()

	// The circuit may have opened earlier in this sweep.
	if q.breakers.IsOpen(rec.Exchange) {
		rep.SkippedByBreaker++
		if q.recorder != nil {
			q.recorder.RecordBreakerSkip(rec.Exchange, 1)
		}
		return
	}

	rep.Attempted++
	var res order.Result
	switch rec.Kind {
	case db.OperationCancel:
		res = q.ops.Cancel(ctx, rec.OrderID)
	case db.OperationCreate:
		res = q.ops.Resubmit(ctx, rec.OrderID)
	default:
		q.logger.Error("unknown operation kind, exhausting record", "record_id", rec.ID, "kind", string(rec.Kind))
		q.exhaust(ctx, rec, rec.RetryCount, "unknown operation kind", rep)
		return
	}

	switch res.Outcome {
	case order.OutcomeApplied, order.OutcomeNoop, order.OutcomeRejected:
		if err := q.store.DeleteFailedOperation(ctx, rec.ID, rec.Version); err != nil && !errors.Is(err, db.ErrVersionConflict) {
			q.logger.Error("delete retried operation failed", "record_id", rec.ID, "error", err)
			rep.Errors++
			return
		}
		rep.Succeeded++
		q.record("succeeded")
		q.logger.Info("retried operation settled", "record_id", rec.ID, "order_id", rec.OrderID, "kind", string(rec.Kind),
			"outcome", string(res.Outcome), "attempt", rec.RetryCount+1)
	default:
		count := rec.RetryCount + 1
		reason := res.Reason
		if reason == "" {
			reason = string(res.Outcome)
		}
		if count > rec.MaxRetries {
			q.exhaust(ctx, rec, count, reason, rep)
			return
		}
		next := q.now().Add(q.cfg.Backoff.Delay(count))
		if err := q.store.RescheduleFailedOperation(ctx, rec.ID, rec.Version, count, next, reason); err != nil {
			q.logger.Error("reschedule failed", "record_id", rec.ID, "error", err)
			rep.Errors++
			return
		}
		rep.Rescheduled++
		q.record("rescheduled")
	}
}

func (q *Queue) exhaust(ctx context.Context, rec db.FailedOperation, count int, reason string, rep *SweepReport) {
	if err := q.store.ExhaustFailedOperation(ctx, rec.ID, rec.Version, count, reason); err != nil {
		q.logger.Error("exhaust record failed", "record_id", rec.ID, "error", err)
		rep.Errors++
		return
	}
	rep.Exhausted++
	q.record("exhausted")
	q.logger.Error("retries exhausted", "record_id", rec.ID, "order_id", rec.OrderID, "kind", string(rec.Kind),
		"exchange", rec.Exchange, "account_id", rec.AccountID, "retry_count", count, "reason", reason)

	e := events.RetryExhausted{
		RecordID:   rec.ID,
		OrderID:    rec.OrderID,
		Kind:       string(rec.Kind),
		AccountID:  rec.AccountID,
		Exchange:   rec.Exchange,
		RetryCount: count,
		Reason:     reason,
	}
	if q.emitter != nil {
		q.emitter.Emit(events.EventRetryExhausted, e)
	}
	if q.notifier != nil {
		q.notifier.RetryExhausted(ctx, e)
	}
	q.ops.Abandon(ctx, rec.OrderID, rec.Kind, reason)
}

func (q *Queue) record(outcome string) {
	if q.recorder != nil {
		q.recorder.RecordRetry(outcome)
	}
}
