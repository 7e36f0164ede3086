package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port string

	// Database
	DBPath string

	// Logging
	LogLevel string
	LogFile  string

	// Auth
	JWTSecret string

	// Execution
	DryRun            bool
	ExecutorWorkers   int
	BatchWALPath      string
	EnableBatchWAL    bool
	CallTimeout       time.Duration
	TransportRetries  int
	ReconcileInterval time.Duration
	ReconcileStale    time.Duration

	// Dry-run simulation
	DryRunInitialBalance float64
	DryRunFeeRate        float64 // decimal (e.g. 0.0004 = 4 bps)
	DryRunGwLatencyMinMs int     // simulated gateway latency lower bound
	DryRunGwLatencyMaxMs int     // simulated gateway latency upper bound
	DryRunVenueRPS       float64 // venue-side request throttle, 0 disables

	// Locking
	LockTimeout  time.Duration
	LockSoftWait time.Duration
	LockPoolSize int

	// Circuit breaker
	BreakerThreshold   int
	BreakerCyclePolicy string // "reset" (default) or "decay"

	// Rate limiting
	RateLimitCapacity int
	RateLimitWindow   time.Duration
	RateLimitMaxWait  time.Duration

	// Failed operation retries
	RetryMax           int
	RetrySweepInterval time.Duration
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration

	// Capital allocation
	RebalanceAbsThreshold float64
	RebalanceRelThreshold float64
	RebalanceInterval     time.Duration
	BalanceCacheTTL       time.Duration

	// Per-key overrides loaded from OverridesFile.
	OverridesFile string
	Overrides     Overrides
}

// Overrides carries per-exchange and per-account tuning that does not fit in env vars.
type Overrides struct {
	BreakerThresholds   map[string]int                `yaml:"breaker_thresholds"`
	RateLimitCapacities map[string]int                `yaml:"rate_limit_capacities"`
	PaperBalances       map[string]map[string]float64 `yaml:"paper_balances"` // account -> market type -> balance
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		DBPath:                getEnv("DB_PATH", "./data/execution.db"),
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFile:               getEnv("LOG_FILE", "./logs/execution-core.log"),
		JWTSecret:             getEnv("JWT_SECRET", "dev-secret"),
		DryRun:                getEnv("DRY_RUN", "true") == "true",
		ExecutorWorkers:       getEnvInt("EXECUTOR_WORKERS", 8),
		BatchWALPath:          getEnv("BATCH_WAL_PATH", "./data/batch_wal"),
		EnableBatchWAL:        getEnv("ENABLE_BATCH_WAL", "true") == "true",
		CallTimeout:           getEnvDuration("EXCHANGE_CALL_TIMEOUT", 10*time.Second),
		TransportRetries:      getEnvInt("EXCHANGE_TRANSPORT_RETRIES", 3),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		ReconcileStale:        getEnvDuration("RECONCILE_STALE_AFTER", 2*time.Minute),
		DryRunInitialBalance:  getEnvFloat("DRY_RUN_INITIAL_BALANCE", 10000.0),
		DryRunFeeRate:         getEnvFloat("DRY_RUN_FEE_RATE", 0.0004),
		DryRunGwLatencyMinMs:  getEnvInt("DRY_RUN_GATEWAY_LATENCY_MIN_MS", 0),
		DryRunGwLatencyMaxMs:  getEnvInt("DRY_RUN_GATEWAY_LATENCY_MAX_MS", 0),
		DryRunVenueRPS:        getEnvFloat("DRY_RUN_VENUE_RPS", 0),
		LockTimeout:           getEnvDuration("LOCK_TIMEOUT", 30*time.Second),
		LockSoftWait:          getEnvDuration("LOCK_SOFT_WAIT", 5*time.Second),
		LockPoolSize:          getEnvInt("LOCK_POOL_SIZE", 1000),
		BreakerThreshold:      getEnvInt("BREAKER_THRESHOLD", 3),
		BreakerCyclePolicy:    strings.ToLower(getEnv("BREAKER_CYCLE_POLICY", "reset")),
		RateLimitCapacity:     getEnvInt("RATE_LIMIT_CAPACITY", 1200),
		RateLimitWindow:       getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitMaxWait:      getEnvDuration("RATE_LIMIT_MAX_WAIT", 5*time.Second),
		RetryMax:              getEnvInt("RETRY_MAX", 5),
		RetrySweepInterval:    getEnvDuration("RETRY_SWEEP_INTERVAL", 15*time.Second),
		RetryBaseDelay:        getEnvDuration("RETRY_BASE_DELAY", time.Second),
		RetryMaxDelay:         getEnvDuration("RETRY_MAX_DELAY", time.Minute),
		RebalanceAbsThreshold: getEnvFloat("REBALANCE_ABS_THRESHOLD", 10),
		RebalanceRelThreshold: getEnvFloat("REBALANCE_REL_THRESHOLD", 0.001),
		RebalanceInterval:     getEnvDuration("REBALANCE_SWEEP_INTERVAL", time.Hour),
		BalanceCacheTTL:       getEnvDuration("BALANCE_CACHE_TTL", 5*time.Minute),
		OverridesFile:         getEnv("OVERRIDES_FILE", ""),
	}

	if cfg.OverridesFile != "" {
		ov, err := LoadOverrides(cfg.OverridesFile)
		if err != nil {
			return nil, err
		}
		cfg.Overrides = ov
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOverrides parses the YAML overrides file at path.
func LoadOverrides(path string) (Overrides, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Overrides{}, fmt.Errorf("read overrides %s: %w", path, err)
	}
	return ParseOverrides(raw)
}

// ParseOverrides decodes overrides YAML and rejects non-positive values.
func ParseOverrides(raw []byte) (Overrides, error) {
	var ov Overrides
	if err := yaml.Unmarshal(raw, &ov); err != nil {
		return Overrides{}, fmt.Errorf("parse overrides: %w", err)
	}
	for ex, v := range ov.BreakerThresholds {
		if v <= 0 {
			return Overrides{}, fmt.Errorf("breaker threshold for %s must be positive, got %d", ex, v)
		}
	}
	for acc, v := range ov.RateLimitCapacities {
		if v <= 0 {
			return Overrides{}, fmt.Errorf("rate limit capacity for %s must be positive, got %d", acc, v)
		}
	}
	return ov, nil
}

// Validate rejects settings the core cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	positive("LOCK_TIMEOUT", int64(c.LockTimeout))
	positive("LOCK_SOFT_WAIT", int64(c.LockSoftWait))
	positive("LOCK_POOL_SIZE", int64(c.LockPoolSize))
	positive("BREAKER_THRESHOLD", int64(c.BreakerThreshold))
	positive("RATE_LIMIT_CAPACITY", int64(c.RateLimitCapacity))
	positive("RATE_LIMIT_WINDOW", int64(c.RateLimitWindow))
	positive("RATE_LIMIT_MAX_WAIT", int64(c.RateLimitMaxWait))
	positive("EXCHANGE_CALL_TIMEOUT", int64(c.CallTimeout))
	positive("RETRY_SWEEP_INTERVAL", int64(c.RetrySweepInterval))
	positive("RETRY_BASE_DELAY", int64(c.RetryBaseDelay))
	positive("BALANCE_CACHE_TTL", int64(c.BalanceCacheTTL))
	positive("EXECUTOR_WORKERS", int64(c.ExecutorWorkers))
	positive("RETRY_MAX", int64(c.RetryMax))
	if c.TransportRetries < 0 {
		errs = append(errs, errors.New("EXCHANGE_TRANSPORT_RETRIES must not be negative"))
	}
	if c.RebalanceAbsThreshold <= 0 {
		errs = append(errs, errors.New("REBALANCE_ABS_THRESHOLD must be positive"))
	}
	if c.RebalanceRelThreshold <= 0 {
		errs = append(errs, errors.New("REBALANCE_REL_THRESHOLD must be positive"))
	}
	switch c.BreakerCyclePolicy {
	case "reset", "decay":
	default:
		errs = append(errs, fmt.Errorf("BREAKER_CYCLE_POLICY must be reset or decay, got %q", c.BreakerCyclePolicy))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration accepts Go duration strings ("30s") or bare seconds ("30").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
