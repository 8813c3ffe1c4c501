package codec

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// Account context layout.
var (
	ctxNextSettleTime   = Field{Offset: 0, Width: 40}
	ctxHasDebt          = Field{Offset: 40, Width: 8}
	ctxArrayLength      = Field{Offset: 48, Width: 8}
	ctxBitmapCurrencyID = Field{Offset: 56, Width: 16}
	ctxActiveCurrencies = Field{Offset: 72, Width: 16 * model.MaxActiveCurrencies}
)

// Active currency lane layout: 14 bit id, then the balance and portfolio flags.
const (
	laneIDBits        = 14
	laneBalancesFlag  = 1 << 14
	lanePortfolioFlag = 1 << 15
)

// activeLane is the field of slot i; slot 0 sits in the most significant lane.
func activeLane(i int) Field {
	return Field{
		Offset: ctxActiveCurrencies.Offset + uint(model.MaxActiveCurrencies-1-i)*16,
		Width:  16,
	}
}

// Position layout.
var (
	posCurrencyID = Field{Offset: 0, Width: 16}
	posMaturity   = Field{Offset: 16, Width: 40}
	posAssetType  = Field{Offset: 56, Width: 8}
	posNotional   = Field{Offset: 64, Width: 88}
)

// Balance layout.
var (
	balCash          = Field{Offset: 0, Width: 88}
	balTokens        = Field{Offset: 88, Width: 80}
	balLastClaimTime = Field{Offset: 168, Width: 32}
)

// Settlement rate layout. The rate is stored as an integer scaled by
// RatePrecision.
var (
	rateFixedAt  = Field{Offset: 0, Width: 40}
	rateValue    = Field{Offset: 40, Width: 128}
	rateDecimals = Field{Offset: 168, Width: 8}
)

// RatePrecision is the fixed-point scale of persisted settlement rates.
const RatePrecision = 18

// Market layout.
var (
	mktFCash     = Field{Offset: 0, Width: 88}
	mktCash      = Field{Offset: 88, Width: 88}
	mktLiquidity = Field{Offset: 176, Width: 80}
)

// Bitmap notional layout.
var notionalValue = Field{Offset: 0, Width: 88}

// EncodeAccountContext packs ctx. The active currency index must already be
// well formed; ids wider than 14 bits are rejected.
func EncodeAccountContext(ctx model.AccountContext) (Word, error) {
	var w Word
	var err error
	if ctx.NextSettleTime < 0 {
		return w, fmt.Errorf("%w: next settle time %d", ErrFieldOverflow, ctx.NextSettleTime)
	}
	if w, err = w.SetUint64(ctxNextSettleTime, uint64(ctx.NextSettleTime)); err != nil {
		return w, err
	}
	if w, err = w.SetUint64(ctxHasDebt, uint64(ctx.HasDebt)); err != nil {
		return w, err
	}
	if w, err = w.SetUint64(ctxArrayLength, uint64(ctx.PositionArrayLength)); err != nil {
		return w, err
	}
	if w, err = w.SetUint64(ctxBitmapCurrencyID, uint64(ctx.BitmapCurrencyID)); err != nil {
		return w, err
	}
	for i, ac := range ctx.ActiveCurrencies {
		if ac.ID > model.MaxCurrencyID {
			return w, fmt.Errorf("%w: currency id %d", ErrFieldOverflow, ac.ID)
		}
		lane := uint64(ac.ID)
		if ac.Flags&model.ActiveInBalances != 0 {
			lane |= laneBalancesFlag
		}
		if ac.Flags&model.ActiveInPortfolio != 0 {
			lane |= lanePortfolioFlag
		}
		if w, err = w.SetUint64(activeLane(i), lane); err != nil {
			return w, err
		}
	}
	return w, nil
}

// DecodeAccountContext unpacks an account context word.
func DecodeAccountContext(w Word) model.AccountContext {
	ctx := model.AccountContext{
		NextSettleTime:      int64(w.Uint64(ctxNextSettleTime)),
		HasDebt:             model.DebtFlags(w.Uint64(ctxHasDebt)),
		PositionArrayLength: uint8(w.Uint64(ctxArrayLength)),
		BitmapCurrencyID:    model.CurrencyID(w.Uint64(ctxBitmapCurrencyID)),
	}
	for i := range ctx.ActiveCurrencies {
		lane := w.Uint64(activeLane(i))
		ac := model.ActiveCurrency{ID: model.CurrencyID(lane & (1<<laneIDBits - 1))}
		if lane&laneBalancesFlag != 0 {
			ac.Flags |= model.ActiveInBalances
		}
		if lane&lanePortfolioFlag != 0 {
			ac.Flags |= model.ActiveInPortfolio
		}
		ctx.ActiveCurrencies[i] = ac
	}
	return ctx
}

// EncodePosition packs a position. The transient storage state is dropped.
func EncodePosition(p model.Position) (Word, error) {
	var w Word
	var err error
	if err = p.AssetType.Validate(); err != nil {
		return w, err
	}
	if p.Maturity < 0 {
		return w, fmt.Errorf("%w: maturity %d", ErrFieldOverflow, p.Maturity)
	}
	if w, err = w.SetUint64(posCurrencyID, uint64(p.CurrencyID)); err != nil {
		return w, err
	}
	if w, err = w.SetUint64(posMaturity, uint64(p.Maturity)); err != nil {
		return w, err
	}
	if w, err = w.SetUint64(posAssetType, uint64(p.AssetType.Code())); err != nil {
		return w, err
	}
	return w.SetDecimal(posNotional, p.Notional)
}

// DecodePosition unpacks a position word.
func DecodePosition(w Word) (model.Position, error) {
	at, err := model.AssetTypeFromCode(uint8(w.Uint64(posAssetType)))
	if err != nil {
		return model.Position{}, err
	}
	return model.Position{
		CurrencyID: model.CurrencyID(w.Uint64(posCurrencyID)),
		AssetType:  at,
		Maturity:   int64(w.Uint64(posMaturity)),
		Notional:   w.Decimal(posNotional),
	}, nil
}

// EncodePositions packs a position array as consecutive words.
func EncodePositions(ps []model.Position) ([]byte, error) {
	out := make([]byte, 0, len(ps)*WordBytes)
	for i, p := range ps {
		w, err := EncodePosition(p)
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", i, err)
		}
		out = append(out, w[:]...)
	}
	return out, nil
}

// DecodePositions is the inverse of EncodePositions.
func DecodePositions(b []byte) ([]model.Position, error) {
	if len(b)%WordBytes != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, len(b))
	}
	ps := make([]model.Position, 0, len(b)/WordBytes)
	for off := 0; off < len(b); off += WordBytes {
		w, _ := WordFromBytes(b[off : off+WordBytes])
		p, err := DecodePosition(w)
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", off/WordBytes, err)
		}
		ps = append(ps, p)
	}
	return ps, nil
}

// EncodeBalance packs a balance record. The currency id is part of the key,
// not the word.
func EncodeBalance(b model.Balance) (Word, error) {
	var w Word
	var err error
	if w, err = w.SetDecimal(balCash, b.CashBalance); err != nil {
		return w, err
	}
	if w, err = w.SetUDecimal(balTokens, b.TokenBalance); err != nil {
		return w, err
	}
	if b.LastClaimTime < 0 {
		return w, fmt.Errorf("%w: last claim time %d", ErrFieldOverflow, b.LastClaimTime)
	}
	return w.SetUint64(balLastClaimTime, uint64(b.LastClaimTime))
}

// DecodeBalance unpacks a balance word.
func DecodeBalance(currency model.CurrencyID, w Word) model.Balance {
	return model.Balance{
		CurrencyID:    currency,
		CashBalance:   w.Decimal(balCash),
		TokenBalance:  w.UDecimal(balTokens),
		LastClaimTime: int64(w.Uint64(balLastClaimTime)),
	}
}

// EncodeSettlementRate packs a settlement rate. Rates must be positive and
// representable in 128 bits at RatePrecision.
func EncodeSettlementRate(r model.SettlementRate) (Word, error) {
	var w Word
	var err error
	scaled := r.Rate.Shift(RatePrecision)
	if !scaled.IsPositive() || !scaled.IsInteger() {
		return w, fmt.Errorf("%w: %s", model.ErrInvalidRate, r.Rate)
	}
	if w, err = w.SetUint(rateValue, scaled.BigInt()); err != nil {
		return w, fmt.Errorf("%w: %s", model.ErrInvalidRate, r.Rate)
	}
	if r.FixedAt <= 0 {
		return w, fmt.Errorf("%w: fixed at %d", model.ErrInvalidTimestamp, r.FixedAt)
	}
	if w, err = w.SetUint64(rateFixedAt, uint64(r.FixedAt)); err != nil {
		return w, fmt.Errorf("%w: fixed at %d", model.ErrInvalidTimestamp, r.FixedAt)
	}
	return w.SetUint64(rateDecimals, uint64(r.UnderlyingDecimals))
}

// DecodeSettlementRate unpacks a settlement rate word.
func DecodeSettlementRate(currency model.CurrencyID, maturity int64, w Word) model.SettlementRate {
	return model.SettlementRate{
		CurrencyID:         currency,
		Maturity:           maturity,
		Rate:               decimal.NewFromBigInt(w.Uint(rateValue), -RatePrecision),
		FixedAt:            int64(w.Uint64(rateFixedAt)),
		UnderlyingDecimals: uint8(w.Uint64(rateDecimals)),
	}
}

// EncodeMarket packs pooled market totals.
func EncodeMarket(m model.Market) (Word, error) {
	var w Word
	var err error
	if w, err = w.SetDecimal(mktFCash, m.TotalFCash); err != nil {
		return w, err
	}
	if w, err = w.SetDecimal(mktCash, m.TotalCash); err != nil {
		return w, err
	}
	return w.SetUDecimal(mktLiquidity, m.TotalLiquidity)
}

// DecodeMarket unpacks a market word.
func DecodeMarket(currency model.CurrencyID, maturity int64, w Word) model.Market {
	return model.Market{
		CurrencyID:     currency,
		Maturity:       maturity,
		TotalFCash:     w.Decimal(mktFCash),
		TotalCash:      w.Decimal(mktCash),
		TotalLiquidity: w.UDecimal(mktLiquidity),
	}
}

// EncodeNotional packs a bitmap notional value.
func EncodeNotional(n decimal.Decimal) (Word, error) {
	var w Word
	return w.SetDecimal(notionalValue, n)
}

// DecodeNotional unpacks a bitmap notional value.
func DecodeNotional(w Word) decimal.Decimal {
	return w.Decimal(notionalValue)
}

// maxRate is the largest representable settlement rate.
var maxRate = decimal.NewFromBigInt(
	new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), rateValue.Width), big.NewInt(1)),
	-RatePrecision,
)

// ValidRate reports whether r can be persisted as a settlement rate.
func ValidRate(r decimal.Decimal) bool {
	return r.IsPositive() && r.Shift(RatePrecision).IsInteger() && r.LessThanOrEqual(maxRate)
}
