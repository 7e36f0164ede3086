package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/lock"
	"execution-core/internal/order"
)

// Monitor watches events and batch results, feeds SystemMetrics and emits alerts.
type Monitor struct {
	Bus     *events.Bus
	Metrics *SystemMetrics
	Sinks   []AlertSink
	Logger  *slog.Logger
}

func (m *Monitor) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

// Start subscribes to batch summaries and rebalance events.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Metrics == nil {
		m.logger().Warn("monitor not fully configured; skipping")
		return
	}
	summaries, unsubSummaries := m.Bus.Subscribe(events.EventBatchSummary, 100)
	rebalances, unsubRebalances := m.Bus.Subscribe(events.EventRebalanceDone, 20)
	go func() {
		defer unsubSummaries()
		defer unsubRebalances()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-summaries:
				if !ok {
					return
				}
				if s, ok := env.Payload.(events.BatchSummary); ok {
					m.Metrics.BatchLatency.RecordDuration(time.Duration(s.DurationMs) * time.Millisecond)
				}
			case env, ok := <-rebalances:
				if !ok {
					return
				}
				if r, ok := env.Payload.(events.RebalanceCompleted); ok && r.Forced {
					m.alert(fmt.Sprintf("forced rebalance on %s/%s by %s (balance %s from %s)",
						r.AccountID, r.MarketType, r.Actor, r.Balance, r.BalanceSource))
				}
			}
		}
	}()
}

// TrackResults counts failed batches from an async executor's result stream
// until the stream closes.
func (m *Monitor) TrackResults(ctx context.Context, results <-chan order.ExecutionResult) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case res, ok := <-results:
				if !ok {
					return
				}
				if res.Success {
					continue
				}
				m.Metrics.IncrementBatchFailures()
				if errors.Is(res.Error, lock.ErrLockTimeout) || errors.Is(res.Error, lock.ErrLockPoolExhausted) {
					m.Metrics.IncrementLockTimeouts()
				}
			}
		}
	}()
}

// RetryExhausted alerts on an operation that ran out of retries.
func (m *Monitor) RetryExhausted(_ context.Context, e events.RetryExhausted) {
	m.alert(fmt.Sprintf("%s for order %s on %s/%s gave up after %d retries: %s",
		e.Kind, e.OrderID, e.Exchange, e.AccountID, e.RetryCount, e.Reason))
}

func (m *Monitor) alert(msg string) {
	line := formatAlert(msg)
	for _, sink := range m.Sinks {
		if err := sink.Send(line); err != nil {
			m.logger().Error("alert delivery failed", "error", err)
		}
	}
}

func formatAlert(msg string) string {
	return "[" + time.Now().UTC().Format(time.RFC3339) + "] " + msg
}
