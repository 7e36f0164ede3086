// Package balance resolves account balances for capital allocation.
package balance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"execution-core/pkg/cache"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
)

// Source names where a balance came from.
type Source string

const (
	SourceLive      Source = "live"
	SourceDaily     Source = "daily"
	SourceAggregate Source = "aggregate"
	SourceNone      Source = "none"
)

// Quote is a resolved balance.
type Quote struct {
	Amount decimal.Decimal
	Source Source
	At     time.Time
	Cached bool // live value served from the TTL cache
}

// Store holds persisted balance snapshots.
type Store interface {
	LatestDailyBalance(ctx context.Context, accountID, marketType string) (float64, time.Time, error)
	GetAccountBalance(ctx context.Context, accountID string) (float64, time.Time, error)
	UpsertDailyBalance(ctx context.Context, accountID, marketType, day string, amount float64) error
	UpsertAccountBalance(ctx context.Context, accountID string, amount float64) error
	ListAccountMarkets(ctx context.Context) ([]db.AccountMarket, error)
}

// AdapterResolver maps an account to its venue adapter.
type AdapterResolver interface {
	AdapterFor(ctx context.Context, accountID string) (exchange.Adapter, error)
}

// Breaker is the circuit breaker view used for live lookups.
type Breaker interface {
	IsOpen(exchange string) bool
	RecordFailure(exchange string)
	RecordSuccess(exchange string)
}

// Limiter grants outbound call slots per account.
type Limiter interface {
	AcquireSlot(ctx context.Context, key string, cost int) error
}

// Config tunes a Manager.
type Config struct {
	CacheTTL     time.Duration // live balance cache, default 5m
	SyncInterval time.Duration // daily snapshot interval, default 1h
	Logger       *slog.Logger
}

// Manager resolves balances through live venue lookups, persisted daily
// snapshots, the aggregate account balance and finally zero.
type Manager struct {
	cfg      Config
	store    Store
	adapters AdapterResolver
	breakers Breaker
	limiter  Limiter
	cache    *cache.TTLCache[Quote]
	group    singleflight.Group
	logger   *slog.Logger
	now      func() time.Time
	syncMu   sync.Mutex
}

// NewManager creates a balance manager.
func NewManager(cfg Config, store Store, adapters AdapterResolver, breakers Breaker, limiter Limiter) *Manager {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		adapters: adapters,
		breakers: breakers,
		limiter:  limiter,
		cache:    cache.NewTTLCache[Quote](cfg.CacheTTL),
		logger:   logger.With("component", "balance"),
		now:      time.Now,
	}
}

func cacheKey(accountID, marketType string) string {
	return accountID + "|" + marketType
}

// Resolve returns the best available balance. It never fails; the zero
// quote is the last resort.
func (m *Manager) Resolve(ctx context.Context, accountID, marketType string, useLive bool) Quote {
	if useLive {
		q, err := m.Live(ctx, accountID, marketType)
		if err == nil {
			return q
		}
		m.logger.Warn("live balance unavailable, falling back", "account_id", accountID, "market_type", marketType, "error", err)
	}

	amount, at, err := m.store.LatestDailyBalance(ctx, accountID, marketType)
	switch {
	case err == nil:
		return Quote{Amount: decimal.NewFromFloat(amount), Source: SourceDaily, At: at}
	case !errors.Is(err, db.ErrNotFound):
		m.logger.Warn("daily balance lookup failed", "account_id", accountID, "market_type", marketType, "error", err)
	}

	amount, at, err = m.store.GetAccountBalance(ctx, accountID)
	switch {
	case err == nil:
		return Quote{Amount: decimal.NewFromFloat(amount), Source: SourceAggregate, At: at}
	case !errors.Is(err, db.ErrNotFound):
		m.logger.Warn("aggregate balance lookup failed", "account_id", accountID, "error", err)
	}

	return Quote{Amount: decimal.Zero, Source: SourceNone, At: m.now()}
}

// Live returns the venue balance, serving it from cache while fresh.
// Concurrent lookups for the same account and market share one venue call.
func (m *Manager) Live(ctx context.Context, accountID, marketType string) (Quote, error) {
	key := cacheKey(accountID, marketType)
	if q, ok := m.cache.Get(key); ok {
		q.Cached = true
		return q, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		adapter, err := m.adapters.AdapterFor(ctx, accountID)
		if err != nil {
			return Quote{}, err
		}
		venue := adapter.Name()
		if m.breakers != nil && m.breakers.IsOpen(venue) {
			return Quote{}, errors.New("circuit open for " + venue)
		}
		if m.limiter != nil {
			if err := m.limiter.AcquireSlot(ctx, accountID, 1); err != nil {
				return Quote{}, err
			}
		}
		amount, err := adapter.GetBalance(ctx, accountID, exchange.MarketType(marketType))
		if m.breakers != nil {
			if err != nil && exchange.Classify(err).Retryable() {
				m.breakers.RecordFailure(venue)
			} else {
				m.breakers.RecordSuccess(venue)
			}
		}
		if err != nil {
			return Quote{}, err
		}
		q := Quote{Amount: decimal.NewFromFloat(amount), Source: SourceLive, At: m.now()}
		m.cache.Set(key, q)
		return q, nil
	})
	if err != nil {
		return Quote{}, err
	}
	return v.(Quote), nil
}

// Invalidate drops every cached balance of an account.
func (m *Manager) Invalidate(accountID string) int {
	return m.cache.DeletePrefix(accountID + "|")
}

// CleanupCache evicts expired entries.
func (m *Manager) CleanupCache() int {
	return m.cache.Cleanup()
}

// CacheStats exposes cache statistics.
func (m *Manager) CacheStats() cache.CacheStats {
	return m.cache.Stats()
}

// Start snapshots live balances immediately and then every sync interval.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.SyncInterval)
		defer ticker.Stop()
		if err := m.Sync(ctx); err != nil {
			m.logger.Error("balance sync failed", "error", err)
		}
		for {
			select {
			case <-ticker.C:
				if err := m.Sync(ctx); err != nil {
					m.logger.Error("balance sync failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sync stores today's live balance of every linked account and market as
// the daily snapshot, and the sum per account as its aggregate balance.
// Markets whose live lookup fails keep their previous snapshot.
func (m *Manager) Sync(ctx context.Context) error {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	markets, err := m.store.ListAccountMarkets(ctx)
	if err != nil {
		return err
	}
	day := m.now().UTC().Format("2006-01-02")
	totals := make(map[string]decimal.Decimal)
	complete := make(map[string]bool)
	for _, am := range markets {
		if _, ok := complete[am.AccountID]; !ok {
			complete[am.AccountID] = true
		}
		// Always read through to the venue for snapshots.
		m.cache.Delete(cacheKey(am.AccountID, am.MarketType))
		q, err := m.Live(ctx, am.AccountID, am.MarketType)
		if err != nil {
			m.logger.Warn("balance snapshot skipped", "account_id", am.AccountID, "market_type", am.MarketType, "error", err)
			complete[am.AccountID] = false
			continue
		}
		if err := m.store.UpsertDailyBalance(ctx, am.AccountID, am.MarketType, day, q.Amount.InexactFloat64()); err != nil {
			return err
		}
		totals[am.AccountID] = totals[am.AccountID].Add(q.Amount)
	}
	for account, total := range totals {
		if !complete[account] {
			continue
		}
		if err := m.store.UpsertAccountBalance(ctx, account, total.InexactFloat64()); err != nil {
			return err
		}
	}
	m.logger.Info("balances synced", "markets", len(markets), "accounts", len(totals))
	return nil
}

func (q Quote) String() string {
	return q.Amount.String() + "@" + string(q.Source)
}
