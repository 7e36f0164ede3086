package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir()) // keep a stray .env out of the test
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LockTimeout != 30*time.Second || cfg.LockSoftWait != 5*time.Second || cfg.LockPoolSize != 1000 {
		t.Fatalf("unexpected lock defaults: %+v", cfg)
	}
	if cfg.BreakerThreshold != 3 || cfg.BreakerCyclePolicy != "reset" {
		t.Fatalf("unexpected breaker defaults: %+v", cfg)
	}
	if cfg.RateLimitCapacity != 1200 || cfg.RateLimitWindow != time.Minute {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg)
	}
	if cfg.RetryMax != 5 || cfg.RetrySweepInterval != 15*time.Second {
		t.Fatalf("unexpected retry defaults: %+v", cfg)
	}
	if cfg.RebalanceAbsThreshold != 10 || cfg.RebalanceRelThreshold != 0.001 || cfg.BalanceCacheTTL != 5*time.Minute {
		t.Fatalf("unexpected rebalance defaults: %+v", cfg)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LOCK_TIMEOUT", "2s")
	t.Setenv("RATE_LIMIT_WINDOW", "30")
	t.Setenv("BREAKER_CYCLE_POLICY", "DECAY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LockTimeout != 2*time.Second {
		t.Fatalf("LockTimeout = %v", cfg.LockTimeout)
	}
	if cfg.RateLimitWindow != 30*time.Second {
		t.Fatalf("RateLimitWindow = %v", cfg.RateLimitWindow)
	}
	if cfg.BreakerCyclePolicy != "decay" {
		t.Fatalf("BreakerCyclePolicy = %q", cfg.BreakerCyclePolicy)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"zero pool", map[string]string{"LOCK_POOL_SIZE": "0"}, "LOCK_POOL_SIZE"},
		{"negative capacity", map[string]string{"RATE_LIMIT_CAPACITY": "-1"}, "RATE_LIMIT_CAPACITY"},
		{"unknown policy", map[string]string{"BREAKER_CYCLE_POLICY": "halve"}, "BREAKER_CYCLE_POLICY"},
		{"zero retries", map[string]string{"RETRY_MAX": "0"}, "RETRY_MAX"},
		{"zero absolute threshold", map[string]string{"REBALANCE_ABS_THRESHOLD": "0"}, "REBALANCE_ABS_THRESHOLD"},
		{"zero relative threshold", map[string]string{"REBALANCE_REL_THRESHOLD": "0"}, "REBALANCE_REL_THRESHOLD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "overrides.yaml")
	body := `
breaker_thresholds:
  binance: 5
rate_limit_capacities:
  acc-1: 600
paper_balances:
  acc-1:
    SPOT: 1000
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("OVERRIDES_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Overrides.BreakerThresholds["binance"] != 5 {
		t.Fatalf("breaker override = %v", cfg.Overrides.BreakerThresholds)
	}
	if cfg.Overrides.RateLimitCapacities["acc-1"] != 600 {
		t.Fatalf("rate override = %v", cfg.Overrides.RateLimitCapacities)
	}
	if cfg.Overrides.PaperBalances["acc-1"]["SPOT"] != 1000 {
		t.Fatalf("paper balances = %v", cfg.Overrides.PaperBalances)
	}

	if _, err := ParseOverrides([]byte("breaker_thresholds:\n  binance: 0\n")); err == nil {
		t.Fatal("expected non-positive threshold to be rejected")
	}
}
