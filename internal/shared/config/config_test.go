package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// unsetEnv remove a variável durante o teste; t.Setenv restaura o valor anterior no fim
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	_ = os.Unsetenv(key)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SERVICE_NAME", "settlement-service")
	for _, k := range []string{"KAFKA_BROKERS", "LEDGER_BACKEND", "RATE_LIMIT_BACKEND"} {
		unsetEnv(t, k)
	}
	cfg := Load()

	// sem broker configurado o publisher fica desligado
	if cfg.KafkaBrokers != "" {
		t.Fatalf("expected no default kafka brokers, got %q", cfg.KafkaBrokers)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}

	if cfg.Currency != "DOGE" || cfg.HTTPPort != "8082" || cfg.MetricsPort != "9098" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if !cfg.DepositTolerance.Equal(decimal.RequireFromString("0.95")) {
		t.Fatalf("unexpected tolerance %s", cfg.DepositTolerance)
	}
	if cfg.ReconcileAfter != 10*time.Minute || cfg.EscalateAfter != 24*time.Hour {
		t.Fatalf("unexpected reconcile windows %s/%s", cfg.ReconcileAfter, cfg.EscalateAfter)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERVICE_NAME", "reconciliation-worker")
	t.Setenv("CURRENCY", "ltc")
	t.Setenv("WITHDRAW_RATE_WINDOW", "600")
	t.Setenv("DEPOSIT_TTL", "90m")
	t.Setenv("DAILY_WITHDRAWAL_LIMIT", "7.5")
	t.Setenv("TRUST_PROXY_HEADERS", "true")
	t.Setenv("GENERAL_RATE_LIMIT", "not-a-number")
	t.Setenv("MIN_DEPOSIT", "-1")

	cfg := Load()
	if cfg.Currency != "LTC" || cfg.MetricsPort != "9099" {
		t.Fatalf("unexpected cfg %+v", cfg)
	}
	if cfg.WithdrawRateWindow != 10*time.Minute || cfg.DepositTTL != 90*time.Minute {
		t.Fatalf("unexpected durations %s/%s", cfg.WithdrawRateWindow, cfg.DepositTTL)
	}
	if !cfg.DailyWithdrawalLimit.Equal(decimal.RequireFromString("7.5")) || !cfg.TrustProxyHeaders {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
	// valores inválidos caem no default
	if cfg.GeneralRateLimit != 120 || !cfg.MinDeposit.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("invalid values must fall back to defaults, got %d/%s", cfg.GeneralRateLimit, cfg.MinDeposit)
	}
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	cases := []struct {
		name    string
		ledger  string
		limiter string
		ok      bool
	}{
		{"memory+redis", "memory", "redis", true},
		{"postgres+postgres", "postgres", "postgres", true},
		{"typo ledger", "pg", "redis", false},
		{"empty ledger", "", "redis", false},
		{"typo limiter", "postgres", "memcached", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Config{LedgerBackend: tc.ledger, RateLimitBackend: tc.limiter}.Validate()
			if (err == nil) != tc.ok {
				t.Fatalf("ledger=%q limiter=%q: ok=%v err=%v", tc.ledger, tc.limiter, tc.ok, err)
			}
		})
	}
}
