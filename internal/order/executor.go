package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/events"
	"execution-core/internal/lock"
	"execution-core/pkg/db"
)

// OpKind names a step inside a batch.
type OpKind string

const (
	OpCancel    OpKind = "cancel"
	OpCancelAll OpKind = "cancel_all" // every OPEN or PENDING order of the batch strategy on Symbol
	OpCreate    OpKind = "create"
)

// Op is one step of a batch.
type Op struct {
	Kind    OpKind `json:"kind"`
	OrderID string `json:"order_id,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
	Intent  Intent `json:"intent,omitempty"`
}

// Batch is an ordered list of operations for one strategy and account. All
// strategy+symbol locks the batch touches are held for its whole run.
type Batch struct {
	BatchID     string    `json:"batch_id"`
	StrategyID  string    `json:"strategy_id"`
	AccountID   string    `json:"account_id"`
	Ops         []Op      `json:"ops"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// BatchResult collects the per-order results of a batch, in op order.
type BatchResult struct {
	BatchID  string        `json:"batch_id"`
	Results  []Result      `json:"results"`
	Duration time.Duration `json:"duration"`
}

// Counts tallies results by outcome.
func (r BatchResult) Counts() map[string]int {
	out := make(map[string]int)
	for _, res := range r.Results {
		out[string(res.Outcome)]++
	}
	return out
}

var batchOrderSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("execution-core/batch-order"))

// BatchOrderID derives the order id of the create op at index within a
// batch. A batch replayed from the write-ahead log maps to the same ids.
func BatchOrderID(batchID string, index int) string {
	return uuid.NewSHA1(batchOrderSpace, []byte(batchID+"/"+strconv.Itoa(index))).String()
}

// Locker acquires keyed locks.
type Locker interface {
	Acquire(ctx context.Context, keys ...lock.Key) (*lock.Guard, error)
}

// Executor runs batches under the strategy+symbol locks they touch.
type Executor struct {
	ctrl    *Controller
	locks   Locker
	store   Store
	emitter Emitter
	logger  *slog.Logger
}

func NewExecutor(ctrl *Controller, locks Locker, store Store, emitter Emitter, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		ctrl:    ctrl,
		locks:   locks,
		store:   store,
		emitter: emitter,
		logger:  logger.With("component", "executor"),
	}
}

func validateBatch(b Batch) error {
	if b.StrategyID == "" || b.AccountID == "" {
		return errors.New("batch requires strategy and account")
	}
	for i, op := range b.Ops {
		switch op.Kind {
		case OpCancel:
			if op.OrderID == "" {
				return fmt.Errorf("op %d: cancel requires order id", i)
			}
		case OpCancelAll:
			if op.Symbol == "" {
				return fmt.Errorf("op %d: cancel_all requires symbol", i)
			}
		case OpCreate:
			if op.Intent.Symbol == "" {
				return fmt.Errorf("op %d: create requires symbol", i)
			}
		default:
			return fmt.Errorf("op %d: unknown kind %q", i, op.Kind)
		}
	}
	return nil
}

// lockKeys resolves the strategy+symbol keys a batch touches. Orders that
// cannot be found contribute no key; their cancel is a no-op.
func (e *Executor) lockKeys(ctx context.Context, b Batch) ([]lock.Key, error) {
	keys := make([]lock.Key, 0, len(b.Ops))
	for _, op := range b.Ops {
		switch op.Kind {
		case OpCancel:
			o, err := e.store.GetOrder(ctx, op.OrderID)
			if errors.Is(err, db.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("resolve lock key for %s: %w", op.OrderID, err)
			}
			keys = append(keys, lock.StrategySymbolKey(o.StrategyID, o.Symbol))
		case OpCancelAll:
			keys = append(keys, lock.StrategySymbolKey(b.StrategyID, op.Symbol))
		case OpCreate:
			strategy := op.Intent.StrategyID
			if strategy == "" {
				strategy = b.StrategyID
			}
			keys = append(keys, lock.StrategySymbolKey(strategy, op.Intent.Symbol))
		}
	}
	return keys, nil
}

// Execute runs the batch ops in order. A lock failure is returned as an error
// with no op run; every other failure is reported per order in the result.
func (e *Executor) Execute(ctx context.Context, b Batch) (BatchResult, error) {
	start := time.Now()
	out := BatchResult{BatchID: b.BatchID}
	if err := validateBatch(b); err != nil {
		return out, err
	}

	keys, err := e.lockKeys(ctx, b)
	if err != nil {
		return out, err
	}
	guard, err := e.locks.Acquire(ctx, keys...)
	if err != nil {
		e.logger.Warn("batch lock acquisition failed", "batch_id", b.BatchID, "keys", len(keys), "error", err)
		return out, err
	}
	defer guard.Release()

	for i, op := range b.Ops {
		switch op.Kind {
		case OpCancel:
			out.Results = append(out.Results, e.ctrl.Cancel(ctx, op.OrderID))
		case OpCancelAll:
			out.Results = append(out.Results, e.cancelAll(ctx, b, op.Symbol)...)
		case OpCreate:
			in := op.Intent
			if in.StrategyID == "" {
				in.StrategyID = b.StrategyID
			}
			if in.AccountID == "" {
				in.AccountID = b.AccountID
			}
			if in.BatchID == "" {
				in.BatchID = b.BatchID
			}
			if in.OrderID == "" && b.BatchID != "" {
				in.OrderID = BatchOrderID(b.BatchID, i)
			}
			out.Results = append(out.Results, e.ctrl.Create(ctx, in))
		}
	}

	out.Duration = time.Since(start)
	counts := out.Counts()
	if e.emitter != nil {
		e.emitter.Emit(events.EventBatchSummary, events.BatchSummary{
			BatchID:    b.BatchID,
			StrategyID: b.StrategyID,
			AccountID:  b.AccountID,
			Outcomes:   counts,
			DurationMs: out.Duration.Milliseconds(),
		})
	}
	e.logger.Info("batch executed", "batch_id", b.BatchID, "strategy_id", b.StrategyID, "ops", len(b.Ops),
		"applied", counts[string(OutcomeApplied)], "queued", counts[string(OutcomeQueued)],
		"rejected", counts[string(OutcomeRejected)], "duration", out.Duration)
	return out, nil
}

// Sync reconciles one order against the venue under its strategy+symbol lock.
func (e *Executor) Sync(ctx context.Context, orderID string) (Result, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	guard, err := e.locks.Acquire(ctx, lock.StrategySymbolKey(o.StrategyID, o.Symbol))
	if err != nil {
		return Result{}, err
	}
	defer guard.Release()
	return e.ctrl.Sync(ctx, orderID), nil
}

func (e *Executor) cancelAll(ctx context.Context, b Batch, symbol string) []Result {
	orders, err := e.store.ListOrdersBySymbol(ctx, b.StrategyID, symbol, db.OrderOpen, db.OrderPending)
	if err != nil {
		return []Result{result("", opCancel, OutcomeDeferred, "list orders: "+err.Error())}
	}
	if len(orders) == 0 {
		return []Result{result("", opCancel, OutcomeNoop, "no open orders on "+symbol)}
	}
	out := make([]Result, 0, len(orders))
	for _, o := range orders {
		out = append(out, e.ctrl.Cancel(ctx, o.ID))
	}
	return out
}
