// Package lock serializes operations on composite keys such as strategy+symbol
// or account. Waiters on the same key are granted in arrival order.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"execution-core/pkg/identity"
)

var (
	// ErrLockTimeout is returned when the keys could not be acquired in time.
	ErrLockTimeout = errors.New("lock acquisition timed out")
	// ErrLockPoolExhausted is returned when tracking another key would exceed the pool ceiling.
	ErrLockPoolExhausted = errors.New("lock pool exhausted")
)

// Key names one lockable resource.
type Key string

// StrategySymbolKey guards the orders of one strategy on one symbol.
func StrategySymbolKey(strategyID, symbol string) Key {
	return Key("order:" + strategyID + ":" + symbol)
}

// AccountKey guards capital allocation state of one account.
func AccountKey(accountID string) Key {
	return Key("account:" + accountID)
}

// Config tunes a Manager. Zero values take the defaults.
type Config struct {
	Timeout  time.Duration // default 30s
	SoftWait time.Duration // default 5s
	PoolSize int           // default 1000
	Logger   *slog.Logger
	// ObserveWait, when set, receives how long each acquired key was waited on.
	ObserveWait func(time.Duration)
}

// Manager hands out exclusive guards over sets of keys.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[Key]*entry
}

type waiter struct {
	ch    chan struct{}
	owner string
}

type entry struct {
	held       bool
	owner      string
	acquiredAt time.Time
	waiters    []*waiter
}

// LockEntry is a point-in-time view of one tracked key.
type LockEntry struct {
	Key        Key       `json:"key"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	Waiters    int       `json:"waiters"`
}

// NewManager creates a lock manager.
func NewManager(cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SoftWait <= 0 {
		cfg.SoftWait = 5 * time.Second
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger.With("component", "lock"),
		entries: make(map[Key]*entry),
	}
}

// Guard holds a set of keys until Release is called.
type Guard struct {
	m     *Manager
	keys  []Key
	owner string
	once  sync.Once
}

// Keys returns the held keys in acquisition order.
func (g *Guard) Keys() []Key { return slices.Clone(g.keys) }

// Owner returns the ownership token of this guard.
func (g *Guard) Owner() string { return g.owner }

// Release frees every key in reverse acquisition order. Safe to call more than once.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.m.releaseAll(g.keys)
	})
}

// Acquire locks all keys or none. Keys are de-duplicated and sorted so callers
// locking overlapping sets cannot deadlock each other. The whole acquisition is
// bounded by the configured timeout; on failure every key already taken is
// released in reverse order and no retry is attempted.
func (m *Manager) Acquire(ctx context.Context, keys ...Key) (*Guard, error) {
	sorted := canonical(keys)
	owner := identity.OwnerToken()
	deadline := time.Now().Add(m.cfg.Timeout)

	taken := make([]Key, 0, len(sorted))
	for _, k := range sorted {
		if err := m.acquireOne(ctx, k, owner, deadline); err != nil {
			m.releaseAll(taken)
			return nil, err
		}
		taken = append(taken, k)
	}
	return &Guard{m: m, keys: taken, owner: owner}, nil
}

// WithLock runs fn while holding keys.
func (m *Manager) WithLock(ctx context.Context, keys []Key, fn func() error) error {
	g, err := m.Acquire(ctx, keys...)
	if err != nil {
		return err
	}
	defer g.Release()
	return fn()
}

func canonical(keys []Key) []Key {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

func (m *Manager) acquireOne(ctx context.Context, key Key, owner string, deadline time.Time) error {
	start := time.Now()

	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		if len(m.entries) >= m.cfg.PoolSize {
			m.mu.Unlock()
			return fmt.Errorf("%w: %d keys tracked, cannot add %s", ErrLockPoolExhausted, m.cfg.PoolSize, key)
		}
		e = &entry{}
		m.entries[key] = e
	}
	if !e.held && len(e.waiters) == 0 {
		e.held = true
		e.owner = owner
		e.acquiredAt = start
		m.mu.Unlock()
		m.observe(0)
		return nil
	}
	w := &waiter{ch: make(chan struct{}), owner: owner}
	e.waiters = append(e.waiters, w)
	holder := e.owner
	m.mu.Unlock()

	remaining := time.Until(deadline)
	if remaining <= 0 {
		remaining = time.Nanosecond
	}
	timeout := time.NewTimer(remaining)
	defer timeout.Stop()
	soft := time.NewTimer(m.cfg.SoftWait)
	defer soft.Stop()

	for {
		select {
		case <-w.ch:
			m.observe(time.Since(start))
			return nil
		case <-soft.C:
			m.logger.Warn("lock wait exceeds soft threshold",
				"key", string(key), "waited", time.Since(start), "holder", holder)
		case <-timeout.C:
			if m.abandon(key, w) {
				return fmt.Errorf("%w: %s after %s", ErrLockTimeout, key, m.cfg.Timeout)
			}
			m.observe(time.Since(start))
			return nil
		case <-ctx.Done():
			if m.abandon(key, w) {
				return fmt.Errorf("acquire %s: %w", key, ctx.Err())
			}
			// Granted concurrently; hand the key on so it is not leaked.
			m.releaseAll([]Key{key})
			return fmt.Errorf("acquire %s: %w", key, ctx.Err())
		}
	}
}

// abandon removes w from the wait queue. It returns false when the key was
// handed to w before it could be removed, in which case w now holds it.
func (m *Manager) abandon(key Key, w *waiter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-w.ch:
		return false
	default:
	}
	e := m.entries[key]
	if e == nil {
		return true
	}
	e.waiters = slices.DeleteFunc(e.waiters, func(x *waiter) bool { return x == w })
	if !e.held && len(e.waiters) == 0 {
		delete(m.entries, key)
	}
	return true
}

func (m *Manager) releaseAll(keys []Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(keys) - 1; i >= 0; i-- {
		key := keys[i]
		e := m.entries[key]
		if e == nil || !e.held {
			continue
		}
		if len(e.waiters) > 0 {
			next := e.waiters[0]
			e.waiters = e.waiters[1:]
			e.owner = next.owner
			e.acquiredAt = time.Now()
			close(next.ch)
			continue
		}
		delete(m.entries, key)
	}
}

func (m *Manager) observe(d time.Duration) {
	if m.cfg.ObserveWait != nil {
		m.cfg.ObserveWait(d)
	}
}

// Snapshot lists tracked keys, sorted.
func (m *Manager) Snapshot() []LockEntry {
	m.mu.Lock()
	out := make([]LockEntry, 0, len(m.entries))
	for k, e := range m.entries {
		out = append(out, LockEntry{Key: k, Owner: e.owner, AcquiredAt: e.acquiredAt, Waiters: len(e.waiters)})
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b LockEntry) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return out
}

// Tracked returns how many keys are currently held or waited on.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
