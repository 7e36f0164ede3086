package order

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"execution-core/internal/lock"
	"execution-core/pkg/db"
)

// ReconcileStore is the persistence the reconciler reads.
type ReconcileStore interface {
	ListStaleOrders(ctx context.Context, before time.Time, statuses ...db.OrderStatus) ([]db.Order, error)
	GetActiveFailedOperation(ctx context.Context, orderID string, kind db.OperationKind) (db.FailedOperation, error)
}

// Reconciler periodically syncs orders left in CANCELLING or PENDING by a
// crash or an unexpected failure with venue truth.
type Reconciler struct {
	ctrl       *Controller
	locks      Locker
	store      ReconcileStore
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
	mu         sync.Mutex
	now        func() time.Time
}

// ReconcileReport summarizes one pass.
type ReconcileReport struct {
	Timestamp time.Time      `json:"timestamp"`
	Checked   int            `json:"checked"`
	Skipped   int            `json:"skipped"`
	Outcomes  map[string]int `json:"outcomes"`
}

func NewReconciler(ctrl *Controller, locks Locker, store ReconcileStore, interval, staleAfter time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		ctrl:       ctrl,
		locks:      locks,
		store:      store,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger.With("component", "reconciler"),
		now:        time.Now,
	}
}

// Start runs a pass immediately and then every interval until ctx is done.
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		r.logPass(r.Reconcile(ctx))
		for {
			select {
			case <-ticker.C:
				r.logPass(r.Reconcile(ctx))
			case <-ctx.Done():
				return
			}
		}
	}()
	r.logger.Info("reconciler started", "interval", r.interval, "stale_after", r.staleAfter)
}

func (r *Reconciler) logPass(rep ReconcileReport, err error) {
	if err != nil {
		r.logger.Error("reconciliation pass failed", "error", err)
		return
	}
	if rep.Checked > 0 {
		r.logger.Info("reconciliation pass", "checked", rep.Checked, "skipped", rep.Skipped, "outcomes", rep.Outcomes)
	}
}

// Reconcile syncs every CANCELLING or PENDING order not updated within the
// stale window. PENDING orders with an active create retry are left to the
// retry queue.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := ReconcileReport{Timestamp: r.now(), Outcomes: make(map[string]int)}
	orders, err := r.store.ListStaleOrders(ctx, r.now().Add(-r.staleAfter), db.OrderCancelling, db.OrderPending)
	if err != nil {
		return rep, err
	}

	for _, o := range orders {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if o.Status == db.OrderPending {
			_, err := r.store.GetActiveFailedOperation(ctx, o.ID, db.OperationCreate)
			if err == nil {
				rep.Skipped++
				continue
			}
			if !errors.Is(err, db.ErrNotFound) {
				r.logger.Warn("check retry record failed", "order_id", o.ID, "error", err)
				rep.Skipped++
				continue
			}
		}

		guard, err := r.locks.Acquire(ctx, lock.StrategySymbolKey(o.StrategyID, o.Symbol))
		if err != nil {
			r.logger.Warn("reconcile lock unavailable, will retry next pass", "order_id", o.ID, "error", err)
			rep.Skipped++
			continue
		}
		res := r.ctrl.Sync(ctx, o.ID)
		guard.Release()

		rep.Checked++
		rep.Outcomes[string(res.Outcome)]++
		if res.Outcome == OutcomeApplied {
			r.logger.Info("order reconciled", "order_id", o.ID, "status", string(o.Status), "reason", res.Reason)
		}
	}
	return rep, nil
}
