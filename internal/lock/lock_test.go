package lock

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func waitForWaiters(t *testing.T, m *Manager, key Key, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, e := range m.Snapshot() {
			if e.Key == key {
				return e.Waiters == n
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func TestAcquireIsExclusive(t *testing.T) {
	m := NewManager(Config{})
	key := StrategySymbolKey("s1", "BTCUSDT")

	var (
		inside  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(context.Background(), []Key{key}, func() error {
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(2 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load(), "two holders overlapped on the same key")
	assert.Zero(t, m.Tracked())
}

func TestWaitersAreServedInArrivalOrder(t *testing.T) {
	m := NewManager(Config{})
	key := Key("k")
	first, err := m.Acquire(context.Background(), key)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := m.Acquire(context.Background(), key)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			g.Release()
		}(i)
		waitForWaiters(t, m, key, i+1)
	}

	first.Release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestAcquireTimesOut(t *testing.T) {
	m := NewManager(Config{Timeout: 30 * time.Millisecond})
	holder, err := m.Acquire(context.Background(), "k")
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Acquire(context.Background(), "k")
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, holder.Owner(), snap[0].Owner)
	assert.Zero(t, snap[0].Waiters)

	holder.Release()
	assert.Zero(t, m.Tracked())
}

func TestPartialAcquisitionIsRolledBack(t *testing.T) {
	m := NewManager(Config{Timeout: 20 * time.Millisecond})
	blocker, err := m.Acquire(context.Background(), "c")
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), "c", "a", "b")
	require.ErrorIs(t, err, ErrLockTimeout)

	// a and b must be free again.
	g, err := m.Acquire(context.Background(), "a", "b")
	require.NoError(t, err)
	g.Release()
	blocker.Release()
	assert.Zero(t, m.Tracked())
}

func TestPoolExhaustedFailsFast(t *testing.T) {
	m := NewManager(Config{PoolSize: 2, Timeout: time.Hour})
	g, err := m.Acquire(context.Background(), "a", "b")
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Acquire(context.Background(), "c")
	require.ErrorIs(t, err, ErrLockPoolExhausted)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	g.Release()
	g2, err := m.Acquire(context.Background(), "c")
	require.NoError(t, err)
	g2.Release()
}

func TestKeysAreSortedAndDeduplicated(t *testing.T) {
	m := NewManager(Config{})
	g, err := m.Acquire(context.Background(), "b", "a", "b")
	require.NoError(t, err)
	defer g.Release()
	assert.Equal(t, []Key{"a", "b"}, g.Keys())
}

func TestOppositeOrderDoesNotDeadlock(t *testing.T) {
	m := NewManager(Config{Timeout: 2 * time.Second})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.WithLock(context.Background(), []Key{"x", "y"}, func() error { return nil }))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, m.WithLock(context.Background(), []Key{"y", "x"}, func() error { return nil }))
		}()
	}
	wg.Wait()
	assert.Zero(t, m.Tracked())
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := NewManager(Config{})
	g, err := m.Acquire(context.Background(), "k")
	require.NoError(t, err)
	g.Release()

	other, err := m.Acquire(context.Background(), "k")
	require.NoError(t, err)
	g.Release() // must not free the other holder's key
	assert.Equal(t, 1, m.Tracked())
	other.Release()
}

func TestSoftWaitIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	var waited atomic.Int64
	m := NewManager(Config{
		SoftWait:    5 * time.Millisecond,
		Logger:      logger,
		ObserveWait: func(d time.Duration) { waited.Store(int64(d)) },
	})
	g, err := m.Acquire(context.Background(), "k")
	require.NoError(t, err)
	go func() {
		time.Sleep(30 * time.Millisecond)
		g.Release()
	}()

	g2, err := m.Acquire(context.Background(), "k")
	require.NoError(t, err)
	g2.Release()

	assert.Contains(t, buf.String(), "lock wait exceeds soft threshold")
	assert.GreaterOrEqual(t, time.Duration(waited.Load()), 20*time.Millisecond)
}

func TestContextCancelAbandonsWait(t *testing.T) {
	m := NewManager(Config{})
	g, err := m.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "k")
		done <- err
	}()
	waitForWaiters(t, m, "k", 1)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	g.Release()
	assert.Zero(t, m.Tracked())
}

func TestAcquireReleaseProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewManager(Config{PoolSize: 64})
		keyGen := rapid.SampledFrom([]Key{"a", "b", "c", "d", "e"})
		var guards []*Guard
		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		held := map[Key]bool{}
		for i := 0; i < steps; i++ {
			if len(guards) > 0 && rapid.Bool().Draw(t, "release") {
				idx := rapid.IntRange(0, len(guards)-1).Draw(t, "idx")
				for _, k := range guards[idx].Keys() {
					delete(held, k)
				}
				guards[idx].Release()
				guards = append(guards[:idx], guards[idx+1:]...)
				continue
			}
			keys := rapid.SliceOfN(keyGen, 1, 3).Draw(t, "keys")
			free := true
			for _, k := range keys {
				if held[k] {
					free = false
				}
			}
			if !free {
				continue
			}
			g, err := m.Acquire(context.Background(), keys...)
			if err != nil {
				t.Fatalf("acquire of free keys failed: %v", err)
			}
			for _, k := range g.Keys() {
				held[k] = true
			}
			guards = append(guards, g)
			if m.Tracked() != len(held) {
				t.Fatalf("tracked %d keys, want %d", m.Tracked(), len(held))
			}
		}
		for _, g := range guards {
			g.Release()
		}
		if m.Tracked() != 0 {
			t.Fatalf("keys leaked: %v", m.Snapshot())
		}
	})
}
