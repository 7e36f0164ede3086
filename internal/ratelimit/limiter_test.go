package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type admission struct {
	key string
	at  time.Time
}

func recordAdmissions(l *Limiter) func() []admission {
	var (
		mu  sync.Mutex
		log []admission
	)
	l.onAdmit = func(key string, at time.Time, cost int) {
		mu.Lock()
		for i := 0; i < cost; i++ {
			log = append(log, admission{key, at})
		}
		mu.Unlock()
	}
	return func() []admission {
		mu.Lock()
		defer mu.Unlock()
		return append([]admission(nil), log...)
	}
}

// assertWindowRespected checks that no interval of length window contains
// more than capacity admissions for key.
func assertWindowRespected(t require.TestingT, adms []admission, key string, window time.Duration, capacity int) {
	var times []time.Time
	for _, a := range adms {
		if a.key == key {
			times = append(times, a.at)
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for i := range times {
		n := 0
		for j := i; j < len(times) && times[j].Sub(times[i]) < window; j++ {
			n++
		}
		require.LessOrEqual(t, n, capacity, "window starting at %v holds %d calls", times[i], n)
	}
}

func TestSlidingWindowUnderConcurrency(t *testing.T) {
	const (
		capacity = 5
		window   = 50 * time.Millisecond
	)
	l := New(Config{Capacity: capacity, Window: window, MaxWait: time.Second})
	admissions := recordAdmissions(l)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.AcquireSlot(context.Background(), "acc-1", 1))
		}()
	}
	wg.Wait()

	adms := admissions()
	require.Len(t, adms, 30)
	assertWindowRespected(t, adms, "acc-1", window, capacity)
}

func TestKeysHaveIndependentWindows(t *testing.T) {
	l := New(Config{Capacity: 2, Window: time.Hour, MaxWait: time.Millisecond})
	ctx := context.Background()
	require.NoError(t, l.AcquireSlot(ctx, "a", 1))
	require.NoError(t, l.AcquireSlot(ctx, "a", 1))
	require.ErrorIs(t, l.AcquireSlot(ctx, "a", 1), ErrRateLimitWait)
	require.NoError(t, l.AcquireSlot(ctx, "b", 1))
	assert.Equal(t, Usage{Key: "a", Used: 2, Capacity: 2}, l.Usage("a"))
}

func TestFailsFastWhenWaitExceedsMax(t *testing.T) {
	l := New(Config{Capacity: 1, Window: time.Hour, MaxWait: 50 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, l.AcquireSlot(ctx, "a", 1))

	start := time.Now()
	err := l.AcquireSlot(ctx, "a", 1)
	require.ErrorIs(t, err, ErrRateLimitWait)
	assert.Less(t, time.Since(start), 40*time.Millisecond, "should not sleep when the wait is known to be too long")
}

func TestWaitsForSlot(t *testing.T) {
	l := New(Config{Capacity: 1, Window: 30 * time.Millisecond, MaxWait: time.Second})
	ctx := context.Background()
	require.NoError(t, l.AcquireSlot(ctx, "a", 1))

	start := time.Now()
	require.NoError(t, l.AcquireSlot(ctx, "a", 1))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestRespectsContext(t *testing.T) {
	l := New(Config{Capacity: 1, Window: time.Second, MaxWait: 5 * time.Second})
	require.NoError(t, l.AcquireSlot(context.Background(), "a", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, l.AcquireSlot(ctx, "a", 1), context.DeadlineExceeded)
}

func TestCostAndOverrides(t *testing.T) {
	l := New(Config{Capacity: 10, Window: time.Hour, MaxWait: time.Millisecond, Overrides: map[string]int{"vip": 20}})
	ctx := context.Background()
	require.ErrorIs(t, l.AcquireSlot(ctx, "a", 11), ErrCostExceedsCapacity)
	require.NoError(t, l.AcquireSlot(ctx, "vip", 15))
	require.NoError(t, l.AcquireSlot(ctx, "a", 10))
	require.ErrorIs(t, l.AcquireSlot(ctx, "a", 1), ErrRateLimitWait)
}

func TestPruneDropsIdleKeys(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := New(Config{Capacity: 1, Window: time.Minute})
	l.now = func() time.Time { return now }

	require.NoError(t, l.AcquireSlot(context.Background(), "a", 1))
	assert.Zero(t, l.Prune())
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, l.Prune())
	require.NoError(t, l.AcquireSlot(context.Background(), "a", 1))
}

// With a frozen clock nothing ever expires, so exactly min(total, capacity)
// units must be admitted regardless of the order of requests.
func TestAdmissionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 20).Draw(t, "capacity")
		costs := rapid.SliceOf(rapid.IntRange(1, 5)).Draw(t, "costs")

		now := time.Unix(1_700_000_000, 0)
		l := New(Config{Capacity: capacity, Window: time.Minute, MaxWait: time.Millisecond})
		l.now = func() time.Time { return now }
		admissions := recordAdmissions(l)

		used := 0
		for _, c := range costs {
			err := l.AcquireSlot(context.Background(), "k", c)
			switch {
			case c > capacity:
				if err == nil {
					t.Fatalf("cost %d above capacity %d was admitted", c, capacity)
				}
			case used+c <= capacity:
				if err != nil {
					t.Fatalf("cost %d rejected with %d/%d used: %v", c, used, capacity, err)
				}
				used += c
			default:
				if err == nil {
					t.Fatalf("cost %d admitted with %d/%d used", c, used, capacity)
				}
			}
		}
		if got := len(admissions()); got != used {
			t.Fatalf("admitted %d units, want %d", got, used)
		}
		if u := l.Usage("k"); u.Used > capacity {
			t.Fatalf("usage %d exceeds capacity %d", u.Used, capacity)
		}
	})
}
