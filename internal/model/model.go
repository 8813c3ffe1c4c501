// Package model defines the core domain types shared across the ledger engine.
// All amounts use shopspring/decimal holding integral values, never float64
// for money.
package model

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// CurrencyID identifies a protocol currency. Only the low 14 bits are usable.
type CurrencyID uint16

const (
	// MaxCurrencyID is the largest currency id that fits the 14 bit id lane
	// of the active currency index.
	MaxCurrencyID CurrencyID = 1<<14 - 1

	// MaxActiveCurrencies is the capacity of the active currency index.
	MaxActiveCurrencies = 9

	// MaxMarketIndex is the highest traded market index a liquidity claim
	// can reference.
	MaxMarketIndex = 7
)

// ValidateCurrencyID returns ErrInvalidCurrencyID for zero or oversized ids.
func ValidateCurrencyID(id CurrencyID) error {
	if id == 0 || id > MaxCurrencyID {
		return fmt.Errorf("%w: %d", ErrInvalidCurrencyID, id)
	}
	return nil
}

// ActiveFlags mark why a currency is present in the active currency index.
type ActiveFlags uint8

const (
	ActiveInBalances  ActiveFlags = 1 << 0
	ActiveInPortfolio ActiveFlags = 1 << 1

	ActiveInAll = ActiveInBalances | ActiveInPortfolio
)

// ActiveCurrency is one entry of the active currency index.
type ActiveCurrency struct {
	ID    CurrencyID  `json:"currency_id"`
	Flags ActiveFlags `json:"flags"`
}

// DebtFlags records which kind of debt an account carries.
type DebtFlags uint8

const (
	HasAssetDebt DebtFlags = 1 << 0
	HasCashDebt  DebtFlags = 1 << 1
)

// AccountContext is the small aggregate record every component of the
// ledger reads and updates. Unused slots of ActiveCurrencies have ID 0 and
// always trail the used ones.
type AccountContext struct {
	NextSettleTime      int64                               `json:"next_settle_time"`
	HasDebt             DebtFlags                           `json:"has_debt"`
	BitmapCurrencyID    CurrencyID                          `json:"bitmap_currency_id"`
	PositionArrayLength uint8                               `json:"position_array_length"`
	ActiveCurrencies    [MaxActiveCurrencies]ActiveCurrency `json:"active_currencies"`
}

// AssetKind is the closed set of position kinds.
type AssetKind uint8

const (
	FixedMaturity AssetKind = iota + 1
	Liquidity
)

// AssetType is a fixed-maturity claim or a liquidity claim on one of the
// traded markets. MarketIndex is only meaningful for liquidity claims.
type AssetType struct {
	Kind        AssetKind `json:"kind"`
	MarketIndex uint8     `json:"market_index,omitempty"`
}

// FCash returns the fixed-maturity claim asset type.
func FCash() AssetType { return AssetType{Kind: FixedMaturity} }

// LiquidityToken returns the liquidity claim type for a market index (1..7).
func LiquidityToken(marketIndex uint8) AssetType {
	return AssetType{Kind: Liquidity, MarketIndex: marketIndex}
}

// IsLiquidity reports whether the asset is a liquidity claim.
func (a AssetType) IsLiquidity() bool { return a.Kind == Liquidity }

// Validate checks that the variant is well formed.
func (a AssetType) Validate() error {
	switch a.Kind {
	case FixedMaturity:
		if a.MarketIndex != 0 {
			return fmt.Errorf("model: fixed maturity asset with market index %d", a.MarketIndex)
		}
		return nil
	case Liquidity:
		if a.MarketIndex < 1 || a.MarketIndex > MaxMarketIndex {
			return fmt.Errorf("model: invalid market index %d", a.MarketIndex)
		}
		return nil
	default:
		return fmt.Errorf("model: unknown asset kind %d", a.Kind)
	}
}

// Code is the persisted single byte tag: 1 for fixed-maturity claims,
// 1+marketIndex for liquidity claims.
func (a AssetType) Code() uint8 {
	if a.Kind == Liquidity {
		return 1 + a.MarketIndex
	}
	return 1
}

// AssetTypeFromCode is the inverse of Code.
func AssetTypeFromCode(code uint8) (AssetType, error) {
	var a AssetType
	switch {
	case code == 1:
		a = FCash()
	case code >= 2 && code <= 1+MaxMarketIndex:
		a = LiquidityToken(code - 1)
	default:
		return AssetType{}, fmt.Errorf("model: unknown asset type code %d", code)
	}
	return a, nil
}

func (a AssetType) String() string {
	if a.Kind == Liquidity {
		return fmt.Sprintf("LP%d", a.MarketIndex)
	}
	return "FCASH"
}

// StorageState is the transient mutation tag of a working-copy position.
type StorageState uint8

const (
	NoChange StorageState = iota
	Update
	Delete
)

// Position is one dated financial position of an account.
type Position struct {
	CurrencyID CurrencyID      `json:"currency_id"`
	AssetType  AssetType       `json:"asset_type"`
	Maturity   int64           `json:"maturity"`
	Notional   decimal.Decimal `json:"notional"`
	State      StorageState    `json:"-"`
}

// Matches reports whether p refers to the same asset slot.
func (p Position) Matches(currency CurrencyID, asset AssetType, maturity int64) bool {
	return p.CurrencyID == currency && p.AssetType == asset && p.Maturity == maturity
}

// Balance is the persisted per-account, per-currency balance.
type Balance struct {
	CurrencyID    CurrencyID      `json:"currency_id"`
	CashBalance   decimal.Decimal `json:"cash_balance"`
	TokenBalance  decimal.Decimal `json:"token_balance"`
	LastClaimTime int64           `json:"last_claim_time"`
}

// SettlementRate is the underlying-to-cash factor fixed the first time a
// maturity is settled. Once written it never changes.
type SettlementRate struct {
	CurrencyID         CurrencyID      `json:"currency_id"`
	Maturity           int64           `json:"maturity"`
	Rate               decimal.Decimal `json:"rate"`
	FixedAt            int64           `json:"fixed_at"`
	UnderlyingDecimals uint8           `json:"underlying_decimals"`
}

// Convert turns a matured notional into cash, truncating toward zero.
func (r SettlementRate) Convert(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(r.Rate).Truncate(0)
}

// Market holds the pooled totals of one currency+maturity market.
type Market struct {
	CurrencyID     CurrencyID      `json:"currency_id"`
	Maturity       int64           `json:"maturity"`
	TotalFCash     decimal.Decimal `json:"total_fcash"`
	TotalCash      decimal.Decimal `json:"total_cash"`
	TotalLiquidity decimal.Decimal `json:"total_liquidity"`
}

// Claim removes tokens worth of liquidity from the market and returns the
// proportional cash and fCash shares.
func (m *Market) Claim(tokens decimal.Decimal) (cash, fCash decimal.Decimal, err error) {
	if tokens.IsNegative() {
		return decimal.Zero, decimal.Zero, ErrNegativeLiquidityBalance
	}
	if tokens.IsZero() {
		return decimal.Zero, decimal.Zero, nil
	}
	if tokens.GreaterThan(m.TotalLiquidity) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: claim %s exceeds market liquidity %s",
			ErrInsufficientBalance, tokens, m.TotalLiquidity)
	}
	cash = m.TotalCash.Mul(tokens).Div(m.TotalLiquidity).Truncate(0)
	fCash = m.TotalFCash.Mul(tokens).Div(m.TotalLiquidity).Truncate(0)

	m.TotalCash = m.TotalCash.Sub(cash)
	m.TotalFCash = m.TotalFCash.Sub(fCash)
	m.TotalLiquidity = m.TotalLiquidity.Sub(tokens)
	return cash, fCash, nil
}

// Fixed-width bounds of persisted amounts.
var (
	MaxInt88  = decimal.NewFromBigInt(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 87), big.NewInt(1)), 0)
	MinInt88  = decimal.NewFromBigInt(new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 87)), 0)
	MaxUint80 = decimal.NewFromBigInt(new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 80), big.NewInt(1)), 0)
)

// CheckInt88 returns ErrNotionalOverflow if v is fractional or outside the
// signed 88 bit range.
func CheckInt88(v decimal.Decimal) error {
	if !v.IsInteger() || v.GreaterThan(MaxInt88) || v.LessThan(MinInt88) {
		return fmt.Errorf("%w: %s", ErrNotionalOverflow, v)
	}
	return nil
}

// CheckUint80 returns ErrNotionalOverflow if v is fractional, negative or
// wider than 80 bits.
func CheckUint80(v decimal.Decimal) error {
	if !v.IsInteger() || v.IsNegative() || v.GreaterThan(MaxUint80) {
		return fmt.Errorf("%w: %s", ErrNotionalOverflow, v)
	}
	return nil
}
