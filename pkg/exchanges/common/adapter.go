package common

import (
	"context"
	"errors"
)

// Adapter abstracts a trading venue behind the normalized contract.
// Every error returned by an Adapter should be an *Error so the caller can
// dispatch on its Kind; anything else is treated as KindTransient.
type Adapter interface {
	// Name identifies the venue. It keys circuit breaker state and is never
	// used for behavioural branching.
	Name() string
	CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, ref OrderRef) error
	FetchOrder(ctx context.Context, ref OrderRef) (OrderResult, error)
	GetBalance(ctx context.Context, accountID string, market MarketType) (float64, error)
}

// ErrUnknownAccount is returned by adapter resolvers for accounts with no venue configured.
var ErrUnknownAccount = errors.New("no exchange adapter configured for account")
