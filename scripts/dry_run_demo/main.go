package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/breaker"
	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/internal/lock"
	"execution-core/internal/order"
	"execution-core/internal/ratelimit"
	"execution-core/internal/retry"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
	"execution-core/pkg/logging"
)

// dry_run_demo drives a few batches through the execution core against the
// paper venue and an in-memory database.
//
// Usage:
//   go run ./scripts/dry_run_demo
//
// It will:
//   1) open a LIMIT order and fill a MARKET order in one batch.
//   2) send a MARKET order larger than the paper balance.
//   3) fail the venue until the circuit breaker opens, then show that new
//      orders are queued without calling it.

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dry_run_demo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := logging.NewWithWriter(os.Stdout, "info")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	initialBalance := cfg.DryRunInitialBalance
	if initialBalance <= 0 {
		initialBalance = 10000
	}

	database, err := db.New(":memory:")
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return err
	}

	venue := paper.New(paper.Config{FeeRate: cfg.DryRunFeeRate, DefaultBalance: initialBalance})
	gateways := gateway.NewManager(database, nil, gateway.DryRunFactory(venue), gateway.Config{
		Transport:         exchange.TransportPolicy{CallTimeout: 5 * time.Second},
		AllowUnregistered: true,
		Logger:            logger,
	})
	bus := events.NewBus()
	breakers := breaker.NewRegistry(breaker.Config{Threshold: 2, Logger: logger})
	limiter := ratelimit.New(ratelimit.Config{Logger: logger})
	locks := lock.NewManager(lock.Config{Timeout: 5 * time.Second, Logger: logger})

	ctrl := order.NewController(order.Deps{
		Store:    database,
		Adapters: gateways,
		Breakers: breakers,
		Limiter:  limiter,
		Emitter:  bus,
		Sizer:    database,
		Logger:   logger,
	})
	retries := retry.New(retry.Config{Logger: logger}, database, ctrl, breakers, locks, bus, nil, nil)
	ctrl.SetRetryEnqueuer(retries)
	executor := order.NewExecutor(ctrl, locks, database, bus, logger)

	ctx := context.Background()
	runBatch := func(label string, intents ...order.Intent) error {
		b := order.Batch{
			BatchID:    uuid.NewString(),
			StrategyID: "demo",
			AccountID:  "paper-1",
		}
		for _, in := range intents {
			b.Ops = append(b.Ops, order.Op{Kind: order.OpCreate, Intent: in})
		}
		res, err := executor.Execute(ctx, b)
		if err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
		for _, r := range res.Results {
			logger.Info(label, "order_id", r.OrderID, "outcome", r.Outcome, "reason", r.Reason)
		}
		return nil
	}

	limit := order.Intent{Symbol: "BTCUSDT", Side: exchange.SideBuy, Kind: exchange.OrderTypeLimit,
		Market: exchange.MarketSpot, Quantity: 0.1, Price: 100}
	market := limit
	market.Kind = exchange.OrderTypeMarket

	logger.Info("scenario 1: open a LIMIT order and fill a MARKET order")
	if err := runBatch("scenario 1", limit, market); err != nil {
		return err
	}

	logger.Info("scenario 2: MARKET order above the paper balance")
	oversized := market
	oversized.Quantity = initialBalance
	if err := runBatch("scenario 2", oversized); err != nil {
		return err
	}

	logger.Info("scenario 3: venue outage trips the breaker")
	outage := exchange.NewError(exchange.KindTransient, paper.OpCreate, errors.New("venue unavailable"))
	venue.FailNext(paper.OpCreate, outage)
	venue.FailNext(paper.OpCreate, outage)
	eth := limit
	eth.Symbol = "ETHUSDT"
	if err := runBatch("scenario 3", eth, eth); err != nil {
		return err
	}
	before := venue.Calls(paper.OpCreate)
	if err := runBatch("scenario 3 (breaker open)", eth); err != nil {
		return err
	}
	logger.Info("venue calls while breaker open", "calls", venue.Calls(paper.OpCreate)-before)
	for _, st := range breakers.Snapshot() {
		logger.Info("breaker", "exchange", st.Exchange, "failures", st.Failures, "threshold", st.Threshold, "open", st.Open)
	}

	logger.Info("dry-run demo finished")
	return nil
}
