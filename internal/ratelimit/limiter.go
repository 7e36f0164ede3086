// Package ratelimit bounds outbound exchange calls per key (usually an
// account) with a sliding-window log.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrRateLimitWait is returned when a slot would not free up within MaxWait.
	ErrRateLimitWait = errors.New("rate limit wait exceeds max wait")
	// ErrCostExceedsCapacity is returned when a single request asks for more than the window holds.
	ErrCostExceedsCapacity = errors.New("rate limit cost exceeds capacity")
)

// Config tunes a Limiter. Zero values take the defaults.
type Config struct {
	Capacity  int            // calls per window, default 1200
	Window    time.Duration  // default 60s
	MaxWait   time.Duration  // default 5s
	Overrides map[string]int // per-key capacity
	Logger    *slog.Logger
}

// Limiter keeps an independent window per key. Safe for concurrent use.
type Limiter struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	// onAdmit observes every admitted call; tests use it to audit windows.
	onAdmit func(key string, at time.Time, cost int)

	mu      sync.Mutex
	windows map[string]*window

	throttleLog rate.Sometimes
}

type window struct {
	mu       sync.Mutex
	capacity int
	stamps   []time.Time // admission times, oldest first, one per unit of cost
	dead     bool        // set by Prune; holders must look the key up again
}

// Usage reports the current occupancy of one key's window.
type Usage struct {
	Key      string `json:"key"`
	Used     int    `json:"used"`
	Capacity int    `json:"capacity"`
}

// New creates a limiter.
func New(cfg Config) *Limiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1200
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		cfg:         cfg,
		logger:      logger.With("component", "ratelimit"),
		now:         time.Now,
		windows:     make(map[string]*window),
		throttleLog: rate.Sometimes{Interval: 10 * time.Second},
	}
}

func (l *Limiter) get(key string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok {
		capacity := l.cfg.Capacity
		if v, ok := l.cfg.Overrides[key]; ok && v > 0 {
			capacity = v
		}
		w = &window{capacity: capacity}
		l.windows[key] = w
	}
	return w
}

// prune drops stamps that have left the window ending at now. Caller holds w.mu.
func (w *window) prune(now time.Time, length time.Duration) {
	cutoff := now.Add(-length)
	i := sort.Search(len(w.stamps), func(i int) bool { return w.stamps[i].After(cutoff) })
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// AcquireSlot blocks until key has room for cost calls in its window. It fails
// fast with ErrRateLimitWait when the required wait is longer than MaxWait, and
// returns ctx.Err() if ctx ends first.
func (l *Limiter) AcquireSlot(ctx context.Context, key string, cost int) error {
	if cost <= 0 {
		cost = 1
	}
	w := l.get(key)
	if cost > w.capacity {
		return fmt.Errorf("%w: cost %d, capacity %d", ErrCostExceedsCapacity, cost, w.capacity)
	}
	deadline := l.now().Add(l.cfg.MaxWait)

	for {
		now := l.now()
		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			w = l.get(key)
			continue
		}
		w.prune(now, l.cfg.Window)
		if len(w.stamps)+cost <= w.capacity {
			for i := 0; i < cost; i++ {
				w.stamps = append(w.stamps, now)
			}
			w.mu.Unlock()
			if l.onAdmit != nil {
				l.onAdmit(key, now, cost)
			}
			return nil
		}
		// The window admits us once enough of the oldest stamps expire.
		oldest := w.stamps[len(w.stamps)+cost-w.capacity-1]
		wait := oldest.Add(l.cfg.Window).Sub(now) + time.Millisecond
		w.mu.Unlock()

		if now.Add(wait).After(deadline) {
			l.throttleLog.Do(func() {
				l.logger.Info("rate limit reached", "key", key, "capacity", w.capacity, "wait", wait)
			})
			return fmt.Errorf("%w: key %s needs %s", ErrRateLimitWait, key, wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Usage returns the current occupancy for key.
func (l *Limiter) Usage(key string) Usage {
	w := l.get(key)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(l.now(), l.cfg.Window)
	return Usage{Key: key, Used: len(w.stamps), Capacity: w.capacity}
}

// Prune forgets keys whose windows are empty and returns how many were removed.
func (l *Limiter) Prune() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		w.prune(now, l.cfg.Window)
		empty := len(w.stamps) == 0
		if empty {
			w.dead = true
		}
		w.mu.Unlock()
		if empty {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}
