// Package gateway maps trading accounts to venue adapters and keeps a bounded
// pool of them.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
)

var (
	ErrAccountInactive = errors.New("account is inactive")
	ErrPoolFull        = errors.New("adapter pool is full")
)

// AdapterFactory creates an adapter for an account with decrypted credentials.
type AdapterFactory func(acc db.Account, apiKey, apiSecret string) (exchange.Adapter, error)

// AccountStore loads account rows.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (db.Account, error)
}

// Opener decrypts credentials sealed for an account.
type Opener interface {
	Open(ciphertext, scope string) (string, error)
}

// cachedAdapter holds an adapter with metadata for lifecycle management.
type cachedAdapter struct {
	adapter      exchange.Adapter
	accountID    string
	exchangeType string
	createdAt    time.Time
	lastUsed     time.Time
}

// Config holds configuration for the Manager. MaxSize bounds the pool with
// LRU eviction and IdleTimeout drops adapters nobody asked for. With
// AllowUnregistered, accounts with no row resolve as active paper accounts
// (dry-run mode).
type Config struct {
	MaxSize           int
	IdleTimeout       time.Duration
	Transport         exchange.TransportPolicy
	AllowUnregistered bool
	Logger            *slog.Logger
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:     100,
		IdleTimeout: 30 * time.Minute,
		Transport:   exchange.DefaultTransportPolicy(),
	}
}

// Manager resolves accounts to adapters, caching one adapter per account.
type Manager struct {
	mu       sync.Mutex
	adapters map[string]*cachedAdapter // accountID -> cached adapter
	lruOrder []string                  // oldest first

	config  Config
	store   AccountStore
	opener  Opener
	factory AdapterFactory
	logger  *slog.Logger
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a Manager. opener may be nil when no account carries
// encrypted credentials.
func NewManager(store AccountStore, opener Opener, factory AdapterFactory, cfg Config) *Manager {
	d := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = d.MaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		adapters: make(map[string]*cachedAdapter),
		config:   cfg,
		store:    store,
		opener:   opener,
		factory:  factory,
		logger:   logger.With("component", "gateway"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the idle cleanup goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				if n := m.cleanupIdle(); n > 0 {
					m.logger.Debug("idle adapters dropped", "count", n)
				}
			}
		}
	}()
}

// Stop shuts down the cleanup goroutine and drops every adapter.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.adapters {
		m.dropLocked(id)
	}
}

// AdapterFor implements the order, balance and retry resolvers. Accounts with
// no row resolve to exchange.ErrUnknownAccount.
func (m *Manager) AdapterFor(ctx context.Context, accountID string) (exchange.Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.adapters[accountID]; ok {
		m.touchLocked(accountID)
		return cached.adapter, nil
	}

	acc, err := m.store.GetAccount(ctx, accountID)
	if errors.Is(err, db.ErrNotFound) && m.config.AllowUnregistered {
		acc, err = db.Account{ID: accountID, ExchangeType: ExchangePaper, IsActive: true}, nil
	}
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", exchange.ErrUnknownAccount, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if !acc.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrAccountInactive, accountID)
	}

	apiKey, apiSecret, err := m.credentials(acc)
	if err != nil {
		return nil, err
	}
	adapter, err := m.factory(acc, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("create adapter: %w", err)
	}
	adapter = exchange.WithTransportRetry(adapter, m.config.Transport, m.logger)

	if len(m.adapters) >= m.config.MaxSize && !m.evictOldestLocked() {
		return nil, ErrPoolFull
	}
	now := m.now()
	m.adapters[accountID] = &cachedAdapter{
		adapter:      adapter,
		accountID:    accountID,
		exchangeType: acc.ExchangeType,
		createdAt:    now,
		lastUsed:     now,
	}
	m.lruOrder = append(m.lruOrder, accountID)
	m.logger.Info("adapter created", "account_id", accountID, "exchange_type", acc.ExchangeType, "testnet", acc.Testnet)
	return adapter, nil
}

func (m *Manager) credentials(acc db.Account) (string, string, error) {
	if acc.APIKeyEncrypted == "" && acc.APISecretEncrypted == "" {
		return "", "", nil
	}
	if m.opener == nil {
		return "", "", fmt.Errorf("account %s has encrypted credentials but no master key is loaded", acc.ID)
	}
	apiKey, err := m.opener.Open(acc.APIKeyEncrypted, acc.ID)
	if err != nil {
		return "", "", fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := m.opener.Open(acc.APISecretEncrypted, acc.ID)
	if err != nil {
		return "", "", fmt.Errorf("decrypt api secret: %w", err)
	}
	return apiKey, apiSecret, nil
}

// Remove drops an account's adapter so the next lookup rebuilds it.
func (m *Manager) Remove(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(accountID)
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := PoolStats{
		TotalAdapters:  len(m.adapters),
		MaxSize:        m.config.MaxSize,
		ByExchangeType: make(map[string]int),
	}
	for _, cached := range m.adapters {
		stats.ByExchangeType[cached.exchangeType]++
	}
	return stats
}

// PoolStats contains adapter pool statistics.
type PoolStats struct {
	TotalAdapters  int            `json:"total_adapters"`
	MaxSize        int            `json:"max_size"`
	ByExchangeType map[string]int `json:"by_exchange_type"`
}

func (m *Manager) touchLocked(accountID string) {
	if cached, ok := m.adapters[accountID]; ok {
		cached.lastUsed = m.now()
	}
	m.removeLRULocked(accountID)
	m.lruOrder = append(m.lruOrder, accountID)
}

func (m *Manager) removeLRULocked(accountID string) {
	for i, id := range m.lruOrder {
		if id == accountID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			return
		}
	}
}

func (m *Manager) dropLocked(accountID string) {
	cached, ok := m.adapters[accountID]
	if !ok {
		return
	}
	if closer, ok := cached.adapter.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	delete(m.adapters, accountID)
	m.removeLRULocked(accountID)
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}
	m.dropLocked(m.lruOrder[0])
	return true
}

func (m *Manager) cleanupIdle() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var idle []string
	for id, cached := range m.adapters {
		if now.Sub(cached.lastUsed) > m.config.IdleTimeout {
			idle = append(idle, id)
		}
	}
	for _, id := range idle {
		m.dropLocked(id)
	}
	return len(idle)
}
