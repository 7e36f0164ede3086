// Package allocation splits an account balance across the strategies linked
// to it, proportionally to their weights.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/balance"
	"execution-core/internal/events"
	"execution-core/internal/lock"
	"execution-core/pkg/db"
)

// ErrNotEligible is returned by Rebalance when the account does not pass
// the rebalance gate and the request is not forced.
var ErrNotEligible = errors.New("rebalance not eligible")

const capitalPlaces = 10

// Store is the persistence used by the allocator.
type Store interface {
	ListActiveStrategyAccounts(ctx context.Context, accountID, marketType string) ([]db.StrategyAccount, error)
	ListAllocations(ctx context.Context, accountID, marketType string) ([]db.CapitalAllocation, error)
	LastRebalance(ctx context.Context, accountID, marketType string) (decimal.Decimal, time.Time, error)
	ReplaceAllocations(ctx context.Context, accountID, marketType string, allocs []db.CapitalAllocation) error
	HasOpenPositions(ctx context.Context, accountID, marketType string) (bool, error)
	ListAccountMarkets(ctx context.Context) ([]db.AccountMarket, error)
}

// Balances resolves and invalidates account balances.
type Balances interface {
	Resolve(ctx context.Context, accountID, marketType string, useLive bool) balance.Quote
	Invalidate(accountID string) int
}

// Locker serializes mutations per account.
type Locker interface {
	Acquire(ctx context.Context, keys ...lock.Key) (*lock.Guard, error)
}

// Emitter publishes rebalance events.
type Emitter interface {
	Emit(e events.Event, payload any)
}

// Config tunes an Allocator.
type Config struct {
	AbsThreshold  decimal.Decimal // minimum absolute balance change, default 10
	RelThreshold  decimal.Decimal // minimum relative balance change, default 0.001
	SweepInterval time.Duration   // scheduled rebalance interval, default 1h
	Logger        *slog.Logger
}

// Allocation is the capital assigned to one strategy account link.
type Allocation struct {
	StrategyAccountID string          `json:"strategy_account_id"`
	StrategyID        string          `json:"strategy_id"`
	Weight            float64         `json:"weight"`
	Capital           decimal.Decimal `json:"capital"`
}

// Result describes a persisted allocation set.
type Result struct {
	AccountID   string          `json:"account_id"`
	MarketType  string          `json:"market_type"`
	Balance     decimal.Decimal `json:"balance"`
	Source      balance.Source  `json:"balance_source"`
	Allocations []Allocation    `json:"allocations"`
	Forced      bool            `json:"forced"`
	At          time.Time       `json:"at"`
}

// Eligibility is the outcome of the rebalance gate.
type Eligibility struct {
	Eligible      bool            `json:"eligible"`
	Reason        string          `json:"reason,omitempty"`
	OpenPositions bool            `json:"open_positions"`
	Balance       decimal.Decimal `json:"balance"`
	Previous      decimal.Decimal `json:"previous"`
	AbsDelta      decimal.Decimal `json:"abs_delta"`
	RelDelta      decimal.Decimal `json:"rel_delta"`
}

// RebalanceRequest asks for a gated or forced rebalance.
type RebalanceRequest struct {
	AccountID  string
	MarketType string
	Force      bool
	UseLive    bool
	Actor      string
}

// SweepReport summarizes one scheduled pass.
type SweepReport struct {
	Markets    int `json:"markets"`
	Rebalanced int `json:"rebalanced"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

// Allocator computes and persists capital allocations.
type Allocator struct {
	cfg      Config
	store    Store
	balances Balances
	locks    Locker
	emitter  Emitter
	logger   *slog.Logger
	now      func() time.Time
	sweepMu  sync.Mutex
}

// New creates an allocator.
func New(cfg Config, store Store, balances Balances, locks Locker, emitter Emitter) *Allocator {
	if cfg.AbsThreshold.IsZero() {
		cfg.AbsThreshold = decimal.NewFromInt(10)
	}
	if cfg.RelThreshold.IsZero() {
		cfg.RelThreshold = decimal.RequireFromString("0.001")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		cfg:      cfg,
		store:    store,
		balances: balances,
		locks:    locks,
		emitter:  emitter,
		logger:   logger.With("component", "allocation"),
		now:      time.Now,
	}
}

// Split divides total across weights. Non-positive weights get zero and the
// last positive weight takes the rounding remainder, so the parts always sum
// to total when any weight is positive.
func Split(total decimal.Decimal, weights []float64) []decimal.Decimal {
	parts := make([]decimal.Decimal, len(weights))
	sum := decimal.Zero
	last := -1
	for i, w := range weights {
		if w > 0 {
			sum = sum.Add(decimal.NewFromFloat(w))
			last = i
		}
	}
	if last < 0 {
		return parts
	}
	assigned := decimal.Zero
	for i, w := range weights {
		switch {
		case w <= 0:
			parts[i] = decimal.Zero
		case i == last:
			parts[i] = total.Sub(assigned)
		default:
			parts[i] = total.Mul(decimal.NewFromFloat(w)).DivRound(sum, capitalPlaces)
			assigned = assigned.Add(parts[i])
		}
	}
	return parts
}

// Recalculate recomputes the allocations of an account and market type
// without consulting the rebalance gate.
func (a *Allocator) Recalculate(ctx context.Context, accountID, marketType string, useLive bool) (Result, error) {
	guard, err := a.locks.Acquire(ctx, lock.AccountKey(accountID))
	if err != nil {
		return Result{}, err
	}
	defer guard.Release()

	q := a.balances.Resolve(ctx, accountID, marketType, useLive)
	return a.apply(ctx, accountID, marketType, q, false, "")
}

// ShouldRebalance evaluates the rebalance gate against the current balance.
func (a *Allocator) ShouldRebalance(ctx context.Context, accountID, marketType string) Eligibility {
	q := a.balances.Resolve(ctx, accountID, marketType, true)
	return a.eligibility(ctx, accountID, marketType, q.Amount)
}

// Rebalance recomputes allocations when the gate passes or the request is
// forced. A gated refusal returns ErrNotEligible and leaves rows unchanged.
func (a *Allocator) Rebalance(ctx context.Context, req RebalanceRequest) (Result, error) {
	if req.AccountID == "" {
		return Result{}, errors.New("account id is required")
	}
	if req.MarketType == "" {
		req.MarketType = "SPOT"
	}
	guard, err := a.locks.Acquire(ctx, lock.AccountKey(req.AccountID))
	if err != nil {
		return Result{}, err
	}
	defer guard.Release()

	q := a.balances.Resolve(ctx, req.AccountID, req.MarketType, req.UseLive)
	if req.Force {
		a.logger.Warn("forced rebalance",
			"account_id", req.AccountID,
			"market_type", req.MarketType,
			"actor", req.Actor,
			"balance", q.Amount.String(),
		)
	} else {
		el := a.eligibility(ctx, req.AccountID, req.MarketType, q.Amount)
		if !el.Eligible {
			a.logger.Debug("rebalance skipped", "account_id", req.AccountID, "market_type", req.MarketType, "reason", el.Reason)
			return Result{}, fmt.Errorf("%w: %s", ErrNotEligible, el.Reason)
		}
	}
	return a.apply(ctx, req.AccountID, req.MarketType, q, req.Force, req.Actor)
}

func (a *Allocator) eligibility(ctx context.Context, accountID, marketType string, current decimal.Decimal) Eligibility {
	el := Eligibility{Balance: current}

	// Positions on any market of the account block the gate.
	open, err := a.store.HasOpenPositions(ctx, accountID, "")
	if err != nil {
		el.Reason = "position check failed: " + err.Error()
		return el
	}
	if open {
		el.OpenPositions = true
		el.Reason = "account has open positions"
		return el
	}

	prev, _, err := a.store.LastRebalance(ctx, accountID, marketType)
	switch {
	case errors.Is(err, db.ErrNotFound):
		prev = decimal.Zero
	case err != nil:
		el.Reason = "last rebalance lookup failed: " + err.Error()
		return el
	}
	el.Previous = prev
	el.AbsDelta = current.Sub(prev).Abs()
	if prev.IsZero() {
		if !current.IsZero() {
			el.RelDelta = decimal.NewFromInt(1)
		}
	} else {
		el.RelDelta = el.AbsDelta.DivRound(prev.Abs(), capitalPlaces)
	}

	switch {
	case el.AbsDelta.LessThan(a.cfg.AbsThreshold):
		el.Reason = "balance change below absolute threshold"
	case el.RelDelta.LessThan(a.cfg.RelThreshold):
		el.Reason = "balance change below relative threshold"
	default:
		el.Eligible = true
	}
	return el
}

func (a *Allocator) apply(ctx context.Context, accountID, marketType string, q balance.Quote, forced bool, actor string) (Result, error) {
	links, err := a.store.ListActiveStrategyAccounts(ctx, accountID, marketType)
	if err != nil {
		return Result{}, err
	}
	weights := make([]float64, len(links))
	for i, l := range links {
		weights[i] = l.Weight
	}
	parts := Split(q.Amount, weights)

	at := a.now()
	res := Result{
		AccountID:   accountID,
		MarketType:  marketType,
		Balance:     q.Amount,
		Source:      q.Source,
		Forced:      forced,
		At:          at,
		Allocations: make([]Allocation, len(links)),
	}
	rows := make([]db.CapitalAllocation, len(links))
	byLink := make(map[string]string, len(links))
	for i, l := range links {
		res.Allocations[i] = Allocation{
			StrategyAccountID: l.ID,
			StrategyID:        l.StrategyID,
			Weight:            l.Weight,
			Capital:           parts[i],
		}
		rows[i] = db.CapitalAllocation{
			StrategyAccountID: l.ID,
			MarketType:        marketType,
			AccountID:         accountID,
			Weight:            l.Weight,
			AllocatedCapital:  parts[i],
			LastKnownBalance:  q.Amount,
			LastRebalanceAt:   at,
		}
		byLink[l.ID] = parts[i].String()
	}
	if err := a.store.ReplaceAllocations(ctx, accountID, marketType, rows); err != nil {
		return Result{}, fmt.Errorf("persist allocations: %w", err)
	}
	a.balances.Invalidate(accountID)

	if a.emitter != nil {
		a.emitter.Emit(events.EventRebalanceDone, events.RebalanceCompleted{
			AccountID:     accountID,
			MarketType:    marketType,
			Balance:       q.Amount.String(),
			BalanceSource: string(q.Source),
			Forced:        forced,
			Actor:         actor,
			Allocations:   byLink,
		})
	}
	a.logger.Info("capital allocated",
		"account_id", accountID,
		"market_type", marketType,
		"balance", q.Amount.String(),
		"source", q.Source,
		"links", len(links),
		"forced", forced,
	)
	return res, nil
}

// Start runs Sweep every sweep interval until ctx is done.
func (a *Allocator) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(a.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rep := a.Sweep(ctx)
				if rep.Rebalanced > 0 || rep.Errors > 0 {
					a.logger.Info("rebalance sweep", "markets", rep.Markets, "rebalanced", rep.Rebalanced, "errors", rep.Errors)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sweep runs a gated rebalance for every linked account and market type.
func (a *Allocator) Sweep(ctx context.Context) SweepReport {
	a.sweepMu.Lock()
	defer a.sweepMu.Unlock()

	var rep SweepReport
	markets, err := a.store.ListAccountMarkets(ctx)
	if err != nil {
		a.logger.Error("list account markets failed", "error", err)
		rep.Errors++
		return rep
	}
	rep.Markets = len(markets)
	for _, am := range markets {
		if ctx.Err() != nil {
			break
		}
		_, err := a.Rebalance(ctx, RebalanceRequest{
			AccountID:  am.AccountID,
			MarketType: am.MarketType,
			UseLive:    true,
			Actor:      "scheduler",
		})
		switch {
		case err == nil:
			rep.Rebalanced++
		case errors.Is(err, ErrNotEligible):
			rep.Skipped++
		default:
			rep.Errors++
			a.logger.Warn("scheduled rebalance failed", "account_id", am.AccountID, "market_type", am.MarketType, "error", err)
		}
	}
	return rep
}

// Allocations returns the persisted allocation set of an account and market type.
func (a *Allocator) Allocations(ctx context.Context, accountID, marketType string) ([]db.CapitalAllocation, error) {
	return a.store.ListAllocations(ctx, accountID, marketType)
}
