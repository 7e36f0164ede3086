package common

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// TransportPolicy bounds each adapter call and retries transient transport
// failures a fixed number of times before handing the error back.
type TransportPolicy struct {
	CallTimeout time.Duration // per attempt, default 10s
	Retries     int           // extra attempts on TRANSIENT, default 3
	Pause       time.Duration // between attempts, default 200ms
}

// DefaultTransportPolicy returns the stock 10s / 3 retries policy.
func DefaultTransportPolicy() TransportPolicy {
	return TransportPolicy{CallTimeout: 10 * time.Second, Retries: 3, Pause: 200 * time.Millisecond}
}

func (p TransportPolicy) normalized() TransportPolicy {
	d := DefaultTransportPolicy()
	if p.CallTimeout <= 0 {
		p.CallTimeout = d.CallTimeout
	}
	if p.Retries < 0 {
		p.Retries = 0
	}
	if p.Pause < 0 {
		p.Pause = 0
	}
	return p
}

// retryingAdapter wraps an Adapter with per-call timeouts and transport retries.
// Only TRANSIENT failures are retried here; RATE_LIMITED is left to the caller
// so the venue is not hammered from inside a single attempt.
type retryingAdapter struct {
	inner  Adapter
	policy TransportPolicy
	logger *slog.Logger
}

// WithTransportRetry decorates inner. Create calls are safe to repeat because
// the request carries ClientID as an idempotency key.
func WithTransportRetry(inner Adapter, policy TransportPolicy, logger *slog.Logger) Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &retryingAdapter{
		inner:  inner,
		policy: policy.normalized(),
		logger: logger.With("component", "transport", "exchange", inner.Name()),
	}
}

func (r *retryingAdapter) Name() string { return r.inner.Name() }

func (r *retryingAdapter) CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	var res OrderResult
	err := r.do(ctx, "create_order", func(ctx context.Context) error {
		var err error
		res, err = r.inner.CreateOrder(ctx, req)
		return err
	})
	return res, err
}

func (r *retryingAdapter) CancelOrder(ctx context.Context, ref OrderRef) error {
	return r.do(ctx, "cancel_order", func(ctx context.Context) error {
		return r.inner.CancelOrder(ctx, ref)
	})
}

func (r *retryingAdapter) FetchOrder(ctx context.Context, ref OrderRef) (OrderResult, error) {
	var res OrderResult
	err := r.do(ctx, "fetch_order", func(ctx context.Context) error {
		var err error
		res, err = r.inner.FetchOrder(ctx, ref)
		return err
	})
	return res, err
}

func (r *retryingAdapter) GetBalance(ctx context.Context, accountID string, market MarketType) (float64, error) {
	var bal float64
	err := r.do(ctx, "get_balance", func(ctx context.Context) error {
		var err error
		bal, err = r.inner.GetBalance(ctx, accountID, market)
		return err
	})
	return bal, err
}

func (r *retryingAdapter) do(ctx context.Context, op string, call func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= r.policy.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return NewError(KindTransient, op, ctx.Err())
			case <-time.After(r.policy.Pause):
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, r.policy.CallTimeout)
		err = call(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if Classify(err) != KindTransient {
			return err
		}
		if ctx.Err() != nil {
			break
		}
		r.logger.Debug("transient failure", "op", op, "attempt", attempt+1, "error", err)
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return NewError(KindTransient, op, err)
}
