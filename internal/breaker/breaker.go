// Package breaker tracks consecutive exchange failures and isolates venues
// whose failure count reaches a threshold.
package breaker

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// CyclePolicy decides what happens to counters at the start of a processing cycle.
type CyclePolicy string

const (
	// PolicyReset zeroes every counter, so an exchange is isolated for at most
	// the remainder of the cycle in which it tripped.
	PolicyReset CyclePolicy = "reset"
	// PolicyDecay subtracts one from every counter, so an exchange that keeps
	// failing stays open across cycles and recovers gradually.
	PolicyDecay CyclePolicy = "decay"
)

// Config tunes a Registry.
type Config struct {
	Threshold int            // default 3
	Overrides map[string]int // per-exchange thresholds
	Policy    CyclePolicy    // default PolicyReset
	Logger    *slog.Logger
}

type counter struct {
	failures  atomic.Int64
	threshold int64
}

// Registry holds one failure counter per exchange. Counters are process-local.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	counters map[string]*counter
}

// State is a point-in-time view of one exchange's counter.
type State struct {
	Exchange  string `json:"exchange"`
	Failures  int64  `json:"failures"`
	Threshold int64  `json:"threshold"`
	Open      bool   `json:"open"`
}

// NewRegistry creates a breaker registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyReset
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger.With("component", "breaker"),
		counters: make(map[string]*counter),
	}
}

func (r *Registry) get(exchange string) *counter {
	r.mu.RLock()
	c, ok := r.counters[exchange]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[exchange]; ok {
		return c
	}
	threshold := r.cfg.Threshold
	if v, ok := r.cfg.Overrides[exchange]; ok && v > 0 {
		threshold = v
	}
	c = &counter{threshold: int64(threshold)}
	r.counters[exchange] = c
	return c
}

// RecordFailure adds one failure for exchange.
func (r *Registry) RecordFailure(exchange string) {
	c := r.get(exchange)
	n := c.failures.Add(1)
	if n == c.threshold {
		r.logger.Warn("circuit opened", "exchange", exchange, "failures", n, "threshold", c.threshold)
	}
}

// RecordSuccess removes one failure for exchange, never going below zero.
func (r *Registry) RecordSuccess(exchange string) {
	c := r.get(exchange)
	for {
		cur := c.failures.Load()
		if cur == 0 {
			return
		}
		if c.failures.CompareAndSwap(cur, cur-1) {
			if cur == c.threshold {
				r.logger.Info("circuit closed", "exchange", exchange, "failures", cur-1)
			}
			return
		}
	}
}

// IsOpen reports whether exchange has reached its failure threshold.
func (r *Registry) IsOpen(exchange string) bool {
	c := r.get(exchange)
	return c.failures.Load() >= c.threshold
}

// Failures returns the current counter for exchange.
func (r *Registry) Failures(exchange string) int64 {
	return r.get(exchange).failures.Load()
}

// BeginCycle applies the cycle policy to every counter. The retry sweep calls
// it once at the start of each pass.
func (r *Registry) BeginCycle() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, c := range r.counters {
		switch r.cfg.Policy {
		case PolicyDecay:
			for {
				cur := c.failures.Load()
				if cur == 0 || c.failures.CompareAndSwap(cur, cur-1) {
					if cur == c.threshold {
						r.logger.Info("circuit closed", "exchange", name, "failures", cur-1, "policy", string(r.cfg.Policy))
					}
					break
				}
			}
		default:
			if prev := c.failures.Swap(0); prev >= c.threshold {
				r.logger.Info("circuit closed", "exchange", name, "failures", 0, "policy", string(r.cfg.Policy))
			}
		}
	}
}

// Policy returns the configured cycle policy.
func (r *Registry) Policy() CyclePolicy { return r.cfg.Policy }

// Snapshot returns the state of every known exchange, sorted by name.
func (r *Registry) Snapshot() []State {
	r.mu.RLock()
	out := make([]State, 0, len(r.counters))
	for name, c := range r.counters {
		n := c.failures.Load()
		out = append(out, State{Exchange: name, Failures: n, Threshold: c.threshold, Open: n >= c.threshold})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out
}
