package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

func TestAssetTypeCodeRoundTrip(t *testing.T) {
	types := []AssetType{FCash()}
	for i := uint8(1); i <= MaxMarketIndex; i++ {
		types = append(types, LiquidityToken(i))
	}
	for _, at := range types {
		got, err := AssetTypeFromCode(at.Code())
		if err != nil {
			t.Fatalf("AssetTypeFromCode(%d): %v", at.Code(), err)
		}
		if got != at {
			t.Errorf("round trip %s: got %s", at, got)
		}
	}
	if _, err := AssetTypeFromCode(0); err == nil {
		t.Error("expected error for code 0")
	}
	if _, err := AssetTypeFromCode(9); err == nil {
		t.Error("expected error for code 9")
	}
}

func TestAssetTypeValidate(t *testing.T) {
	if err := LiquidityToken(0).Validate(); err == nil {
		t.Error("market index 0 should be invalid")
	}
	if err := LiquidityToken(8).Validate(); err == nil {
		t.Error("market index 8 should be invalid")
	}
	if err := (AssetType{Kind: FixedMaturity, MarketIndex: 2}).Validate(); err == nil {
		t.Error("fcash with market index should be invalid")
	}
}

func TestValidateCurrencyID(t *testing.T) {
	for _, id := range []CurrencyID{0, MaxCurrencyID + 1} {
		if err := ValidateCurrencyID(id); !errors.Is(err, ErrInvalidCurrencyID) {
			t.Errorf("id %d: expected ErrInvalidCurrencyID, got %v", id, err)
		}
	}
	if err := ValidateCurrencyID(MaxCurrencyID); err != nil {
		t.Errorf("max id should be valid: %v", err)
	}
}

func TestCheckInt88Bounds(t *testing.T) {
	if err := CheckInt88(MaxInt88); err != nil {
		t.Errorf("max int88 rejected: %v", err)
	}
	if err := CheckInt88(MinInt88); err != nil {
		t.Errorf("min int88 rejected: %v", err)
	}
	if err := CheckInt88(MaxInt88.Add(d(1))); !errors.Is(err, ErrNotionalOverflow) {
		t.Errorf("expected overflow above max, got %v", err)
	}
	if err := CheckInt88(MinInt88.Sub(d(1))); !errors.Is(err, ErrNotionalOverflow) {
		t.Errorf("expected overflow below min, got %v", err)
	}
	if err := CheckInt88(decimal.RequireFromString("1.5")); !errors.Is(err, ErrNotionalOverflow) {
		t.Errorf("expected fractional amount rejected, got %v", err)
	}
	if err := CheckUint80(d(-1)); !errors.Is(err, ErrNotionalOverflow) {
		t.Errorf("expected negative uint80 rejected, got %v", err)
	}
}

func TestMarketClaim(t *testing.T) {
	m := Market{TotalCash: d(1000), TotalFCash: d(3000), TotalLiquidity: d(100)}

	cash, fCash, err := m.Claim(d(25))
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !cash.Equal(d(250)) || !fCash.Equal(d(750)) {
		t.Errorf("expected 250/750, got %s/%s", cash, fCash)
	}
	if !m.TotalCash.Equal(d(750)) || !m.TotalFCash.Equal(d(2250)) || !m.TotalLiquidity.Equal(d(75)) {
		t.Errorf("market totals not reduced: %+v", m)
	}

	if _, _, err := m.Claim(d(76)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestSettlementRateConvertTruncates(t *testing.T) {
	r := SettlementRate{Rate: decimal.RequireFromString("0.0215")}
	if got := r.Convert(d(1000)); !got.Equal(d(21)) {
		t.Errorf("expected 21, got %s", got)
	}
	if got := r.Convert(d(-1000)); !got.Equal(d(-21)) {
		t.Errorf("expected -21, got %s", got)
	}
}

func TestReason(t *testing.T) {
	err := fmt.Errorf("withdraw: %w", ErrInsufficientBalance)
	if got := Reason(err); got != "InsufficientBalance" {
		t.Errorf("expected InsufficientBalance, got %q", got)
	}
	if got := Reason(errors.New("other")); got != "" {
		t.Errorf("expected empty reason, got %q", got)
	}
}
