package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"execution-core/internal/allocation"
	"execution-core/internal/balance"
	"execution-core/internal/breaker"
	"execution-core/internal/gateway"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/ratelimit"
	"execution-core/internal/retry"
	"execution-core/pkg/crypto"
	"execution-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the execution core.
type Server struct {
	Router    *gin.Engine
	DB        *db.Database
	Executor  *order.Executor
	Async     *order.AsyncExecutor
	Queue     order.BatchQueue
	Retries   *retry.Queue
	Breakers  *breaker.Registry
	Limiter   *ratelimit.Limiter
	Balances  *balance.Manager
	Allocator *allocation.Allocator
	Gateways  *gateway.Manager
	Keys      *crypto.KeyManager
	Metrics   *monitor.SystemMetrics
	JWTSecret string
	Meta      SystemMeta

	ipLimiters *ipLimiters
	logger     *slog.Logger
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	DryRun  bool
	Version string
}

// NewServer builds the router. Fields of s left nil disable the routes that need them.
func NewServer(s *Server, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s.logger = logger.With("component", "api")
	s.ipLimiters = newIPLimiters(20, 50)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(s.Metrics, s.logger))
	r.Use(RateLimitMiddleware(s.ipLimiters, s.logger))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())
	s.Router = r
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/metrics/prom", s.getPromMetrics)
		api.GET("/queue/metrics", s.getQueueMetrics)

		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/batches", s.submitBatch)
			protected.GET("/orders/:id", s.getOrder)
			protected.POST("/orders/:id/sync", s.syncOrder)

			protected.GET("/breakers", s.getBreakers)
			protected.GET("/rate-limits/:key", s.getRateLimit)
			protected.GET("/failed-operations", s.listFailedOperations)
			protected.POST("/failed-operations/sweep", s.sweepFailedOperations)

			protected.GET("/accounts", s.listAccounts)
			protected.PUT("/accounts/:id", s.putAccount)
			protected.DELETE("/accounts/:id", s.deactivateAccount)
			protected.GET("/accounts/:id/balance", s.getBalance)
			protected.GET("/accounts/:id/allocations", s.getAllocations)
			protected.GET("/accounts/:id/rebalance", s.getRebalanceEligibility)
			protected.POST("/accounts/:id/rebalance", s.rebalance)
			protected.POST("/accounts/:id/strategies", s.linkStrategy)
			protected.DELETE("/strategy-accounts/:id", s.unlinkStrategy)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					s.logger.Error("api shutdown failed", "error", err)
				}
				return
			case <-ticker.C:
				s.ipLimiters.reset()
			}
		}
	}()

	s.logger.Info("api listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
