package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"execution-core/internal/allocation"
	"execution-core/internal/gateway"
	"execution-core/internal/lock"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type opRequest struct {
	Kind       string  `json:"kind" binding:"required,oneof=create cancel cancel_all"`
	OrderID    string  `json:"order_id"`
	StrategyID string  `json:"strategy_id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Type       string  `json:"type"`
	MarketType string  `json:"market_type"`
	Qty        float64 `json:"qty" binding:"gte=0"`
	QtyPercent float64 `json:"qty_percent" binding:"gte=0,lte=100"`
	Price      float64 `json:"price" binding:"gte=0"`
	StopPrice  float64 `json:"stop_price" binding:"gte=0"`
	ReduceOnly bool    `json:"reduce_only"`
}

type batchRequest struct {
	BatchID    string      `json:"batch_id"`
	StrategyID string      `json:"strategy_id" binding:"required"`
	AccountID  string      `json:"account_id" binding:"required"`
	Ops        []opRequest `json:"ops" binding:"required,min=1,dive"`
	Wait       bool        `json:"wait"`
}

type putAccountRequest struct {
	ExchangeType string `json:"exchange_type" binding:"required,oneof=binance paper"`
	Name         string `json:"name"`
	APIKey       string `json:"api_key"`
	APISecret    string `json:"api_secret"`
	Testnet      bool   `json:"testnet"`
	IsActive     *bool  `json:"is_active"`
}

type rebalanceRequest struct {
	MarketType     string `json:"market_type"`
	Force          bool   `json:"force"`
	UseLiveBalance bool   `json:"use_live_balance"`
}

type linkStrategyRequest struct {
	StrategyID string  `json:"strategy_id" binding:"required"`
	MarketType string  `json:"market_type"`
	Weight     float64 `json:"weight" binding:"gt=0"`
}

type listFailedQuery struct {
	State string `form:"state"`
	Limit int    `form:"limit"`
}

func (q *listFailedQuery) normalize() {
	if q.State == "" {
		q.State = string(db.FailedActive)
	}
	q.State = strings.ToUpper(q.State)
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// marketTypeParam reads a market type from the query or body value, defaulting to SPOT.
func marketTypeParam(raw string) (string, bool) {
	if raw == "" {
		return string(exchange.MarketSpot), true
	}
	mt := exchange.MarketType(strings.ToUpper(raw))
	return string(mt), mt.Valid()
}

func (r opRequest) toOp() (order.Op, error) {
	op := order.Op{Kind: order.OpKind(r.Kind), OrderID: r.OrderID, Symbol: strings.ToUpper(r.Symbol)}
	if op.Kind != order.OpCreate {
		return op, nil
	}
	side := exchange.Side(strings.ToUpper(r.Side))
	if side != exchange.SideBuy && side != exchange.SideSell {
		return op, fmt.Errorf("side must be BUY or SELL")
	}
	kind := exchange.OrderType(strings.ToUpper(r.Type))
	if !kind.Valid() {
		return op, fmt.Errorf("unsupported order type %q", r.Type)
	}
	market, ok := marketTypeParam(r.MarketType)
	if !ok {
		return op, fmt.Errorf("unsupported market type %q", r.MarketType)
	}
	if (r.Qty > 0) == (r.QtyPercent > 0) {
		return op, fmt.Errorf("exactly one of qty or qty_percent is required")
	}
	op.Intent = order.Intent{
		StrategyID:      r.StrategyID,
		Symbol:          op.Symbol,
		Side:            side,
		Kind:            kind,
		Market:          exchange.MarketType(market),
		Quantity:        r.Qty,
		QuantityPercent: r.QtyPercent,
		Price:           r.Price,
		StopPrice:       r.StopPrice,
		ReduceOnly:      r.ReduceOnly,
	}
	return op, nil
}

// submitBatch queues a batch for the async executor, or runs it inline when wait is set.
func (s *Server) submitBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	b := order.Batch{
		BatchID:     req.BatchID,
		StrategyID:  req.StrategyID,
		AccountID:   req.AccountID,
		SubmittedAt: time.Now().UTC(),
	}
	if b.BatchID == "" {
		b.BatchID = uuid.NewString()
	}
	for i, r := range req.Ops {
		op, err := r.toOp()
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_OP", fmt.Sprintf("op %d: %v", i, err))
			return
		}
		b.Ops = append(b.Ops, op)
	}

	if req.Wait {
		if s.Executor == nil {
			respondError(c, http.StatusServiceUnavailable, "EXECUTOR_UNAVAILABLE", "executor not available")
			return
		}
		res, err := s.Executor.Execute(c.Request.Context(), b)
		if err != nil {
			if errors.Is(err, lock.ErrLockTimeout) || errors.Is(err, lock.ErrLockPoolExhausted) {
				respondError(c, http.StatusConflict, "LOCK_TIMEOUT", err.Error())
				return
			}
			respondError(c, http.StatusBadRequest, "BATCH_FAILED", err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"batch_id":    res.BatchID,
			"results":     res.Results,
			"outcomes":    res.Counts(),
			"duration_ms": res.Duration.Milliseconds(),
		})
		return
	}

	if s.Async == nil {
		respondError(c, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "batch queue not available")
		return
	}
	if !s.Async.Submit(b) {
		respondError(c, http.StatusServiceUnavailable, "QUEUE_FULL", "batch queue is full")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"batch_id": b.BatchID, "ops": len(b.Ops), "status": "queued"})
}

func orderView(o db.Order) gin.H {
	v := gin.H{
		"id":                o.ID,
		"exchange_order_id": o.ExchangeOrderID,
		"strategy_id":       o.StrategyID,
		"account_id":        o.AccountID,
		"exchange":          o.Exchange,
		"market_type":       o.MarketType,
		"symbol":            o.Symbol,
		"side":              o.Side,
		"kind":              o.Kind,
		"qty":               o.Qty,
		"price":             o.Price,
		"stop_price":        o.StopPrice,
		"reduce_only":       o.ReduceOnly,
		"status":            o.Status,
		"batch_id":          o.BatchID,
		"last_error":        o.LastError,
		"version":           o.Version,
		"created_at":        o.CreatedAt,
		"updated_at":        o.UpdatedAt,
	}
	if o.IsActivated != nil {
		v["is_activated"] = *o.IsActivated
	}
	if o.ActivationDetectedAt != nil {
		v["activation_detected_at"] = *o.ActivationDetectedAt
	}
	return v
}

func (s *Server) getOrder(c *gin.Context) {
	o, err := s.DB.GetOrder(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "order not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, orderView(o))
}

// syncOrder reconciles one order against the venue under its strategy+symbol lock.
func (s *Server) syncOrder(c *gin.Context) {
	if s.Executor == nil {
		respondError(c, http.StatusServiceUnavailable, "EXECUTOR_UNAVAILABLE", "executor not available")
		return
	}
	ctx := c.Request.Context()
	res, err := s.Executor.Sync(ctx, c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "order not found")
		return
	}
	if errors.Is(err, lock.ErrLockTimeout) || errors.Is(err, lock.ErrLockPoolExhausted) {
		respondError(c, http.StatusConflict, "LOCK_TIMEOUT", err.Error())
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "SYNC_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getBreakers(c *gin.Context) {
	if s.Breakers == nil {
		respondError(c, http.StatusServiceUnavailable, "BREAKERS_UNAVAILABLE", "breaker registry not available")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"policy":    s.Breakers.Policy(),
		"exchanges": s.Breakers.Snapshot(),
	})
}

func (s *Server) getRateLimit(c *gin.Context) {
	if s.Limiter == nil {
		respondError(c, http.StatusServiceUnavailable, "LIMITER_UNAVAILABLE", "rate limiter not available")
		return
	}
	c.JSON(http.StatusOK, s.Limiter.Usage(c.Param("key")))
}

func failedOperationView(f db.FailedOperation) gin.H {
	return gin.H{
		"id":                  f.ID,
		"order_id":            f.OrderID,
		"account_id":          f.AccountID,
		"exchange":            f.Exchange,
		"strategy_id":         f.StrategyID,
		"symbol":              f.Symbol,
		"kind":                f.Kind,
		"retry_count":         f.RetryCount,
		"max_retries":         f.MaxRetries,
		"next_attempt_at":     f.NextAttemptAt,
		"last_failure_reason": f.LastFailureReason,
		"state":               f.State,
		"created_at":          f.CreatedAt,
		"updated_at":          f.UpdatedAt,
	}
}

func (s *Server) listFailedOperations(c *gin.Context) {
	var q listFailedQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid query")
		return
	}
	q.normalize()
	state := db.FailedOperationState(q.State)
	if state != db.FailedActive && state != db.FailedExhausted {
		respondError(c, http.StatusBadRequest, "INVALID_STATE", "state must be ACTIVE or EXHAUSTED")
		return
	}

	ctx := c.Request.Context()
	records, err := s.DB.ListFailedOperations(ctx, state, q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	counts, err := s.DB.CountFailedOperations(ctx)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	items := make([]gin.H, 0, len(records))
	for _, r := range records {
		items = append(items, failedOperationView(r))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "counts": counts})
}

func (s *Server) sweepFailedOperations(c *gin.Context) {
	if s.Retries == nil {
		respondError(c, http.StatusServiceUnavailable, "RETRY_UNAVAILABLE", "retry queue not available")
		return
	}
	c.JSON(http.StatusOK, s.Retries.Sweep(c.Request.Context()))
}

func accountView(a db.Account) gin.H {
	return gin.H{
		"id":              a.ID,
		"exchange_type":   a.ExchangeType,
		"name":            a.Name,
		"has_credentials": a.APIKeyEncrypted != "",
		"key_version":     a.KeyVersion,
		"testnet":         a.Testnet,
		"is_active":       a.IsActive,
		"created_at":      a.CreatedAt,
		"updated_at":      a.UpdatedAt,
	}
}

func (s *Server) listAccounts(c *gin.Context) {
	accounts, err := s.DB.ListAccounts(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	out := make([]gin.H, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountView(a))
	}
	c.JSON(http.StatusOK, out)
}

// putAccount creates or updates an account. New credentials are sealed to
// the account id; omitting them keeps the stored ones.
func (s *Server) putAccount(c *gin.Context) {
	var req putAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if (req.APIKey == "") != (req.APISecret == "") {
		respondError(c, http.StatusBadRequest, "INVALID_CREDENTIALS", "api_key and api_secret must be set together")
		return
	}

	id := c.Param("id")
	ctx := c.Request.Context()
	acc, err := s.DB.GetAccount(ctx, id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		acc = db.Account{ID: id, IsActive: true}
	case err != nil:
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	acc.ExchangeType = req.ExchangeType
	acc.Name = req.Name
	acc.Testnet = req.Testnet
	if req.IsActive != nil {
		acc.IsActive = *req.IsActive
	}

	if req.APIKey != "" {
		if s.Keys == nil {
			respondError(c, http.StatusInternalServerError, "CONFIG_ERROR", "master encryption key not loaded")
			return
		}
		encKey, version, err := s.Keys.Seal(req.APIKey, id)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "ENCRYPTION_ERROR", "failed to encrypt api_key")
			return
		}
		encSecret, _, err := s.Keys.Seal(req.APISecret, id)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "ENCRYPTION_ERROR", "failed to encrypt api_secret")
			return
		}
		acc.APIKeyEncrypted, acc.APISecretEncrypted, acc.KeyVersion = encKey, encSecret, version
	}
	if acc.ExchangeType == gateway.ExchangeBinance && acc.APIKeyEncrypted == "" && !s.Meta.DryRun {
		respondError(c, http.StatusBadRequest, "MISSING_CREDENTIALS", "binance accounts require api credentials")
		return
	}

	saved, err := s.DB.UpsertAccount(ctx, acc)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	s.dropAccountState(id)
	s.logger.Info("account saved", "account_id", id, "exchange_type", saved.ExchangeType, "actor", CurrentActor(c))
	c.JSON(http.StatusOK, accountView(saved))
}

func (s *Server) deactivateAccount(c *gin.Context) {
	id := c.Param("id")
	if err := s.DB.SetAccountActive(c.Request.Context(), id, false); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "NOT_FOUND", "account not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	s.dropAccountState(id)
	s.logger.Info("account deactivated", "account_id", id, "actor", CurrentActor(c))
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

// dropAccountState forgets the cached adapter and balances of an account.
func (s *Server) dropAccountState(id string) {
	if s.Gateways != nil {
		s.Gateways.Remove(id)
	}
	if s.Balances != nil {
		s.Balances.Invalidate(id)
	}
}

func (s *Server) getBalance(c *gin.Context) {
	if s.Balances == nil {
		respondError(c, http.StatusServiceUnavailable, "BALANCE_UNAVAILABLE", "balance manager not available")
		return
	}
	mt, ok := marketTypeParam(c.Query("market_type"))
	if !ok {
		respondError(c, http.StatusBadRequest, "INVALID_MARKET_TYPE", "unsupported market type")
		return
	}
	live, _ := strconv.ParseBool(c.DefaultQuery("live", "false"))
	q := s.Balances.Resolve(c.Request.Context(), c.Param("id"), mt, live)
	c.JSON(http.StatusOK, gin.H{
		"account_id":  c.Param("id"),
		"market_type": mt,
		"amount":      q.Amount.String(),
		"source":      q.Source,
		"at":          q.At,
		"cached":      q.Cached,
	})
}

func (s *Server) getAllocations(c *gin.Context) {
	if s.Allocator == nil {
		respondError(c, http.StatusServiceUnavailable, "ALLOCATOR_UNAVAILABLE", "allocator not available")
		return
	}
	mt, ok := marketTypeParam(c.Query("market_type"))
	if !ok {
		respondError(c, http.StatusBadRequest, "INVALID_MARKET_TYPE", "unsupported market type")
		return
	}
	allocs, err := s.Allocator.Allocations(c.Request.Context(), c.Param("id"), mt)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	out := make([]gin.H, 0, len(allocs))
	for _, a := range allocs {
		out = append(out, gin.H{
			"strategy_account_id": a.StrategyAccountID,
			"weight":              a.Weight,
			"allocated_capital":   a.AllocatedCapital.String(),
			"last_known_balance":  a.LastKnownBalance.String(),
			"last_rebalance_at":   a.LastRebalanceAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getRebalanceEligibility(c *gin.Context) {
	if s.Allocator == nil {
		respondError(c, http.StatusServiceUnavailable, "ALLOCATOR_UNAVAILABLE", "allocator not available")
		return
	}
	mt, ok := marketTypeParam(c.Query("market_type"))
	if !ok {
		respondError(c, http.StatusBadRequest, "INVALID_MARKET_TYPE", "unsupported market type")
		return
	}
	c.JSON(http.StatusOK, s.Allocator.ShouldRebalance(c.Request.Context(), c.Param("id"), mt))
}

// rebalance runs a gated rebalance, or a forced one attributed to the caller.
func (s *Server) rebalance(c *gin.Context) {
	if s.Allocator == nil {
		respondError(c, http.StatusServiceUnavailable, "ALLOCATOR_UNAVAILABLE", "allocator not available")
		return
	}
	var req rebalanceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
			return
		}
	}
	mt, ok := marketTypeParam(req.MarketType)
	if !ok {
		respondError(c, http.StatusBadRequest, "INVALID_MARKET_TYPE", "unsupported market type")
		return
	}

	res, err := s.Allocator.Rebalance(c.Request.Context(), allocation.RebalanceRequest{
		AccountID:  c.Param("id"),
		MarketType: mt,
		Force:      req.Force,
		UseLive:    req.UseLiveBalance,
		Actor:      CurrentActor(c),
	})
	switch {
	case errors.Is(err, allocation.ErrNotEligible):
		respondError(c, http.StatusConflict, "NOT_ELIGIBLE", err.Error())
		return
	case errors.Is(err, lock.ErrLockTimeout), errors.Is(err, lock.ErrLockPoolExhausted):
		respondError(c, http.StatusConflict, "LOCK_TIMEOUT", err.Error())
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, "REBALANCE_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) linkStrategy(c *gin.Context) {
	var req linkStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	mt, ok := marketTypeParam(req.MarketType)
	if !ok {
		respondError(c, http.StatusBadRequest, "INVALID_MARKET_TYPE", "unsupported market type")
		return
	}
	ctx := c.Request.Context()
	accountID := c.Param("id")
	if _, err := s.DB.GetAccount(ctx, accountID); err != nil && !(errors.Is(err, db.ErrNotFound) && s.Meta.DryRun) {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "NOT_FOUND", "account not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	sa, err := s.DB.CreateStrategyAccount(ctx, db.StrategyAccount{
		StrategyID: req.StrategyID,
		AccountID:  accountID,
		MarketType: mt,
		Weight:     req.Weight,
		Active:     true,
	})
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":          sa.ID,
		"strategy_id": sa.StrategyID,
		"account_id":  sa.AccountID,
		"market_type": sa.MarketType,
		"weight":      sa.Weight,
	})
}

func (s *Server) unlinkStrategy(c *gin.Context) {
	if err := s.DB.SetStrategyAccountActive(c.Request.Context(), c.Param("id"), false); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "NOT_FOUND", "strategy account not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

// getSystemStatus exposes runtime mode for operators.
func (s *Server) getSystemStatus(c *gin.Context) {
	mode := "LIVE"
	if s.Meta.DryRun {
		mode = "DRY_RUN"
	}
	c.JSON(http.StatusOK, gin.H{
		"mode":        mode,
		"dry_run":     s.Meta.DryRun,
		"version":     s.Meta.Version,
		"server_time": time.Now().UTC(),
	})
}

// getMetrics returns system performance metrics.
func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not available")
		return
	}
	if s.Gateways != nil {
		s.Metrics.SetGatewayPoolStats(s.Gateways.Stats())
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// getPromMetrics returns a minimal Prometheus text exposition of key metrics.
func (s *Server) getPromMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.String(http.StatusServiceUnavailable, "# metrics not available\n")
		return
	}
	if s.Gateways != nil {
		s.Metrics.SetGatewayPoolStats(s.Gateways.Stats())
	}
	snapshot := s.Metrics.GetSnapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "exec_api_requests_total %d\n", snapshot.APIRequests)
	fmt.Fprintf(&b, "exec_api_errors_total %d\n", snapshot.APIErrors)
	fmt.Fprintf(&b, "exec_lock_timeouts_total %d\n", snapshot.LockTimeouts)
	fmt.Fprintf(&b, "exec_batches_failed_total %d\n", snapshot.BatchesFailed)
	for key, n := range snapshot.Outcomes {
		op, outcome, _ := strings.Cut(key, ":")
		fmt.Fprintf(&b, "exec_order_outcomes_total{op=\"%s\",outcome=\"%s\"} %d\n", op, outcome, n)
	}
	for outcome, n := range snapshot.Retries {
		fmt.Fprintf(&b, "exec_retry_total{outcome=\"%s\"} %d\n", outcome, n)
	}
	for ex, n := range snapshot.BreakerSkips {
		fmt.Fprintf(&b, "exec_breaker_skipped_records_total{exchange=\"%s\"} %d\n", ex, n)
	}

	writeLatency := func(prefix string, ls monitor.LatencyStats) {
		if ls.Count == 0 {
			return
		}
		fmt.Fprintf(&b, "exec_%s_latency_ms_avg %f\n", prefix, ls.Avg)
		fmt.Fprintf(&b, "exec_%s_latency_ms_p50 %f\n", prefix, ls.P50)
		fmt.Fprintf(&b, "exec_%s_latency_ms_p95 %f\n", prefix, ls.P95)
		fmt.Fprintf(&b, "exec_%s_latency_ms_p99 %f\n", prefix, ls.P99)
	}
	writeLatency("api", snapshot.APILatency)
	writeLatency("lock_wait", snapshot.LockWait)
	writeLatency("batch", snapshot.BatchLatency)

	fmt.Fprintf(&b, "exec_gateway_total %d\n", snapshot.GatewayPool.TotalAdapters)
	fmt.Fprintf(&b, "exec_gateway_max %d\n", snapshot.GatewayPool.MaxSize)
	for exType, count := range snapshot.GatewayPool.ByExchangeType {
		fmt.Fprintf(&b, "exec_gateway_by_exchange{type=\"%s\"} %d\n", exType, count)
	}
	if s.Breakers != nil {
		for _, st := range s.Breakers.Snapshot() {
			open := 0
			if st.Open {
				open = 1
			}
			fmt.Fprintf(&b, "exec_breaker_open{exchange=\"%s\"} %d\n", st.Exchange, open)
		}
	}
	fmt.Fprintf(&b, "exec_goroutines %d\n", snapshot.GoroutineCount)
	fmt.Fprintf(&b, "exec_heap_alloc_bytes %d\n", snapshot.HeapAlloc)
	fmt.Fprintf(&b, "exec_heap_sys_bytes %d\n", snapshot.HeapSys)

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(http.StatusOK, b.String())
}

// getQueueMetrics returns batch queue statistics.
func (s *Server) getQueueMetrics(c *gin.Context) {
	if s.Queue == nil {
		respondError(c, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "batch queue not available")
		return
	}
	response := gin.H{"current_depth": s.Queue.Len()}
	if pq, ok := s.Queue.(*order.PersistentQueue); ok {
		m := pq.GetMetrics()
		response["written"] = m.Written
		response["recovered"] = m.Recovered
		response["completed"] = m.Completed
		response["failed"] = m.Failed
		response["type"] = "persistent"
	} else {
		response["type"] = "in-memory"
	}
	c.JSON(http.StatusOK, response)
}
