// Package config loads the ledger engine settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/portfolio"
)

// Config holds the process settings. Empty URLs disable the backing service.
type Config struct {
	Port         string
	DatabaseURL  string
	RedisURL     string
	CacheTTL     time.Duration
	MaxPositions int

	// Valuation parameters, as annual continuously compounded rates.
	DiscountRate decimal.Decimal
	DebtBuffer   decimal.Decimal
	Haircut      decimal.Decimal

	// OracleRates seeds the static exchange-rate oracle.
	OracleRates map[model.CurrencyID]decimal.Decimal
}

// Load reads the configuration using os.Getenv.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		Port:         getenv("PORT"),
		DatabaseURL:  getenv("DATABASE_URL"),
		RedisURL:     getenv("REDIS_URL"),
		CacheTTL:     30 * time.Second,
		MaxPositions: portfolio.DefaultMaxPositions,
		OracleRates:  make(map[model.CurrencyID]decimal.Decimal),
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}

	if v := getenv("CACHE_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil || ttl <= 0 {
			return nil, fmt.Errorf("config: invalid CACHE_TTL %q", v)
		}
		cfg.CacheTTL = ttl
	}

	if v := getenv("MAX_PORTFOLIO_ASSETS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 255 {
			return nil, fmt.Errorf("config: invalid MAX_PORTFOLIO_ASSETS %q", v)
		}
		cfg.MaxPositions = n
	}

	var err error
	if cfg.DiscountRate, err = decimalVar(getenv, "DISCOUNT_RATE"); err != nil {
		return nil, err
	}
	if cfg.DebtBuffer, err = decimalVar(getenv, "DEBT_BUFFER"); err != nil {
		return nil, err
	}
	if cfg.Haircut, err = decimalVar(getenv, "HAIRCUT"); err != nil {
		return nil, err
	}

	// ORACLE_RATES is a comma separated list of currency=rate pairs.
	if v := getenv("ORACLE_RATES"); v != "" {
		for _, pair := range strings.Split(v, ",") {
			id, rate, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok {
				return nil, fmt.Errorf("config: invalid ORACLE_RATES entry %q", pair)
			}
			n, err := strconv.ParseUint(id, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("config: invalid currency in ORACLE_RATES entry %q", pair)
			}
			r, err := decimal.NewFromString(rate)
			if err != nil {
				return nil, fmt.Errorf("config: invalid rate in ORACLE_RATES entry %q", pair)
			}
			cfg.OracleRates[model.CurrencyID(n)] = r
		}
	}
	return cfg, nil
}

func decimalVar(getenv func(string) string, name string) (decimal.Decimal, error) {
	v := getenv(name)
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		return decimal.Zero, fmt.Errorf("config: invalid %s %q", name, v)
	}
	return d, nil
}
