package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/allocation"
	"execution-core/internal/api"
	"execution-core/internal/balance"
	"execution-core/internal/breaker"
	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/internal/lock"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/ratelimit"
	"execution-core/internal/retry"
	"execution-core/pkg/backoff"
	"execution-core/pkg/config"
	"execution-core/pkg/crypto"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
	"execution-core/pkg/identity"
	"execution-core/pkg/logging"
)

var buildVersion = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "execution-core: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	slog.SetDefault(logger)
	logger.Info("starting execution core",
		"version", buildVersion,
		"instance", identity.InstanceID(),
		"dry_run", cfg.DryRun,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	keys, err := crypto.LoadKeyManager()
	if err != nil {
		logger.Warn("credential encryption disabled", "error", err)
	}
	var opener gateway.Opener
	if keys != nil {
		opener = keys
	}

	venue := paper.New(paper.Config{
		Name:              "paper",
		FeeRate:           cfg.DryRunFeeRate,
		RequestsPerSecond: cfg.DryRunVenueRPS,
		Burst:             int(cfg.DryRunVenueRPS) + 1,
		LatencyMin:        time.Duration(cfg.DryRunGwLatencyMinMs) * time.Millisecond,
		LatencyMax:        time.Duration(cfg.DryRunGwLatencyMaxMs) * time.Millisecond,
		DefaultBalance:    cfg.DryRunInitialBalance,
	})
	seedPaperBalances(venue, cfg, logger)

	transport := exchange.DefaultTransportPolicy()
	transport.CallTimeout = cfg.CallTimeout
	transport.Retries = cfg.TransportRetries

	factory := gateway.DefaultFactory(venue)
	if cfg.DryRun {
		factory = gateway.DryRunFactory(venue)
	}
	gateways := gateway.NewManager(database, opener, factory, gateway.Config{
		Transport:         transport,
		AllowUnregistered: cfg.DryRun,
		Logger:            logger,
	})

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()

	breakers := breaker.NewRegistry(breaker.Config{
		Threshold: cfg.BreakerThreshold,
		Overrides: cfg.Overrides.BreakerThresholds,
		Policy:    breaker.CyclePolicy(cfg.BreakerCyclePolicy),
		Logger:    logger,
	})
	limiter := ratelimit.New(ratelimit.Config{
		Capacity:  cfg.RateLimitCapacity,
		Window:    cfg.RateLimitWindow,
		MaxWait:   cfg.RateLimitMaxWait,
		Overrides: cfg.Overrides.RateLimitCapacities,
		Logger:    logger,
	})
	locks := lock.NewManager(lock.Config{
		Timeout:     cfg.LockTimeout,
		SoftWait:    cfg.LockSoftWait,
		PoolSize:    cfg.LockPoolSize,
		Logger:      logger,
		ObserveWait: metrics.ObserveLockWait,
	})

	balances := balance.NewManager(balance.Config{
		CacheTTL: cfg.BalanceCacheTTL,
		Logger:   logger,
	}, database, gateways, breakers, limiter)

	ctrl := order.NewController(order.Deps{
		Store:    database,
		Adapters: gateways,
		Breakers: breakers,
		Limiter:  limiter,
		Emitter:  bus,
		Recorder: metrics,
		Sizer:    database,
		Logger:   logger,
	})

	mon := &monitor.Monitor{
		Bus:     bus,
		Metrics: metrics,
		Sinks:   []monitor.AlertSink{monitor.LogSink{Logger: logger}},
		Logger:  logger,
	}
	retries := retry.New(retry.Config{
		MaxRetries: cfg.RetryMax,
		Interval:   cfg.RetrySweepInterval,
		Backoff:    backoff.Policy{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay},
		Logger:     logger,
	}, database, ctrl, breakers, locks, bus, mon, metrics)
	ctrl.SetRetryEnqueuer(retries)

	executor := order.NewExecutor(ctrl, locks, database, bus, logger)

	var queue order.BatchQueue
	if cfg.EnableBatchWAL {
		pq, err := order.NewPersistentQueue(cfg.BatchWALPath, 1000, logger)
		if err != nil {
			return fmt.Errorf("open batch wal: %w", err)
		}
		if err := pq.Recover(); err != nil {
			logger.Error("batch wal recovery failed", "error", err)
		}
		queue = pq
	} else {
		queue = order.NewQueue(1000)
	}

	async := order.NewAsyncExecutor(executor, queue, cfg.ExecutorWorkers, logger)
	async.Start(ctx)
	mon.Start(ctx)
	mon.TrackResults(ctx, async.Results())

	reconciler := order.NewReconciler(ctrl, locks, database, cfg.ReconcileInterval, cfg.ReconcileStale, logger)
	reconciler.Start(ctx)

	allocator := allocation.New(allocation.Config{
		AbsThreshold:  decimal.NewFromFloat(cfg.RebalanceAbsThreshold),
		RelThreshold:  decimal.NewFromFloat(cfg.RebalanceRelThreshold),
		SweepInterval: cfg.RebalanceInterval,
		Logger:        logger,
	}, database, balances, locks, bus)
	allocator.Start(ctx)

	balances.Start(ctx)
	retries.Start(ctx)
	gateways.Start(ctx)
	go housekeeping(ctx, limiter, balances, gateways, metrics, logger)

	server := api.NewServer(&api.Server{
		DB:        database,
		Executor:  executor,
		Async:     async,
		Queue:     queue,
		Retries:   retries,
		Breakers:  breakers,
		Limiter:   limiter,
		Balances:  balances,
		Allocator: allocator,
		Gateways:  gateways,
		Keys:      keys,
		Metrics:   metrics,
		JWTSecret: cfg.JWTSecret,
		Meta: api.SystemMeta{
			DryRun:  cfg.DryRun,
			Version: buildVersion,
		},
	}, logger)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx, ":"+cfg.Port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			logger.Error("api server stopped", "error", err)
		}
	}

	cancel()
	async.Close()
	gateways.Stop()
	logger.Info("shutdown complete")
	return nil
}

// seedPaperBalances funds the accounts listed in the overrides file. Other
// accounts report the dry-run default balance.
func seedPaperBalances(venue *paper.Exchange, cfg *config.Config, logger *slog.Logger) {
	for accountID, markets := range cfg.Overrides.PaperBalances {
		for market, amount := range markets {
			venue.SetBalance(accountID, exchange.MarketType(market), amount)
		}
	}
	if !cfg.DryRun {
		return
	}
	logger.Info("paper venue ready",
		"default_balance", cfg.DryRunInitialBalance,
		"seeded_accounts", len(cfg.Overrides.PaperBalances),
	)
}

// housekeeping prunes idle limiter windows and expired balance quotes, and
// publishes gateway pool stats.
func housekeeping(ctx context.Context, limiter *ratelimit.Limiter, balances *balance.Manager, gateways *gateway.Manager, metrics *monitor.SystemMetrics, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned := limiter.Prune()
			expired := balances.CleanupCache()
			metrics.SetGatewayPoolStats(gateways.Stats())
			if pruned > 0 || expired > 0 {
				logger.Debug("housekeeping", "limiter_keys_pruned", pruned, "balance_quotes_expired", expired)
			}
		}
	}
}
