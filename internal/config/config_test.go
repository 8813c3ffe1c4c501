package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(env(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Port)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Errorf("expected 30s cache TTL, got %s", cfg.CacheTTL)
	}
	if cfg.MaxPositions != 8 {
		t.Errorf("expected 8 positions, got %d", cfg.MaxPositions)
	}
	if !cfg.DiscountRate.IsZero() || len(cfg.OracleRates) != 0 {
		t.Errorf("unexpected valuation defaults %+v", cfg)
	}
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := load(env(map[string]string{
		"PORT":                 "9000",
		"DATABASE_URL":         "postgres://localhost/ledger",
		"CACHE_TTL":            "2m",
		"MAX_PORTFOLIO_ASSETS": "12",
		"DISCOUNT_RATE":        "0.05",
		"ORACLE_RATES":         "1=0.02, 2=1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9000" || cfg.DatabaseURL == "" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.CacheTTL != 2*time.Minute || cfg.MaxPositions != 12 {
		t.Errorf("unexpected limits %+v", cfg)
	}
	if !cfg.DiscountRate.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("expected discount rate 0.05, got %s", cfg.DiscountRate)
	}
	if !cfg.OracleRates[1].Equal(decimal.RequireFromString("0.02")) || !cfg.OracleRates[2].Equal(decimal.NewFromInt(1)) {
		t.Errorf("unexpected oracle rates %v", cfg.OracleRates)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"CACHE_TTL":            "soon",
		"MAX_PORTFOLIO_ASSETS": "0",
		"DISCOUNT_RATE":        "-0.1",
		"ORACLE_RATES":         "1:0.02",
	}
	for k, v := range tests {
		if _, err := load(env(map[string]string{k: v})); err == nil {
			t.Errorf("%s=%s: expected error", k, v)
		}
	}
}
