// Package oracle declares the external collaborators the ledger consumes:
// the exchange-rate oracle that seeds settlement rates, the valuation
// model used for present values, and the pooled market state read during
// liquidity claim settlement. StaticRates and DiscountValuation are simple
// implementations for local runs and tests.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// ErrNoRate is returned when no exchange rate is known for a currency.
var ErrNoRate = errors.New("oracle: no exchange rate for currency")

// RateOracle supplies the live underlying-to-cash conversion factor.
type RateOracle interface {
	UnderlyingToCash(ctx context.Context, currency model.CurrencyID, at int64) (decimal.Decimal, error)
}

// Valuation returns present values of fixed-maturity notionals.
type Valuation interface {
	PresentValue(ctx context.Context, currency model.CurrencyID, maturity int64, notional decimal.Decimal, at int64) (decimal.Decimal, error)

	// HaircutPresentValue is PresentValue with a risk adjustment that
	// makes the result less favourable to the holder.
	HaircutPresentValue(ctx context.Context, currency model.CurrencyID, maturity int64, notional decimal.Decimal, at int64) (decimal.Decimal, error)
}

// Markets reads and writes pooled market totals.
type Markets interface {
	GetMarket(ctx context.Context, currency model.CurrencyID, maturity int64) (model.Market, error)
	SetMarket(ctx context.Context, m model.Market) error
}

// StaticRates is an in-memory RateOracle. The rate of a currency does not
// depend on the requested time.
type StaticRates struct {
	mu    sync.RWMutex
	rates map[model.CurrencyID]decimal.Decimal
}

// NewStaticRates creates an empty oracle.
func NewStaticRates() *StaticRates {
	return &StaticRates{rates: make(map[model.CurrencyID]decimal.Decimal)}
}

// Set records the rate of currency.
func (s *StaticRates) Set(currency model.CurrencyID, rate decimal.Decimal) error {
	if err := model.ValidateCurrencyID(currency); err != nil {
		return err
	}
	if !rate.IsPositive() {
		return fmt.Errorf("%w: %s", model.ErrInvalidRate, rate)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[currency] = rate
	return nil
}

func (s *StaticRates) UnderlyingToCash(_ context.Context, currency model.CurrencyID, _ int64) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rates[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w %d", ErrNoRate, currency)
	}
	return r, nil
}

// secondsPerYear is the 360-day protocol year.
const secondsPerYear = 360 * 86400

// DiscountValuation discounts notionals continuously at a fixed annual
// rate. HaircutPresentValue adds DebtBuffer to the rate for negative
// notionals and Haircut for positive ones.
type DiscountValuation struct {
	AnnualRate decimal.Decimal
	DebtBuffer decimal.Decimal
	Haircut    decimal.Decimal
}

func (v DiscountValuation) PresentValue(_ context.Context, _ model.CurrencyID, maturity int64, notional decimal.Decimal, at int64) (decimal.Decimal, error) {
	return discount(notional, v.AnnualRate, maturity-at), nil
}

func (v DiscountValuation) HaircutPresentValue(_ context.Context, _ model.CurrencyID, maturity int64, notional decimal.Decimal, at int64) (decimal.Decimal, error) {
	rate := v.AnnualRate.Add(v.Haircut)
	if notional.IsNegative() {
		rate = v.AnnualRate.Sub(v.DebtBuffer)
		if rate.IsNegative() {
			rate = decimal.Zero
		}
	}
	return discount(notional, rate, maturity-at), nil
}

// discount returns notional * exp(-rate * t), truncated toward zero. Matured
// notionals are not discounted.
func discount(notional, rate decimal.Decimal, seconds int64) decimal.Decimal {
	if seconds <= 0 || rate.IsZero() {
		return notional
	}
	r, _ := rate.Float64()
	factor := math.Exp(-r * float64(seconds) / secondsPerYear)
	return notional.Mul(decimal.NewFromFloat(factor)).Truncate(0)
}
