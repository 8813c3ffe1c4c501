package bitmap

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/account"
	"github.com/atmx/ledger-engine/internal/datetime"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/oracle"
)

// Repository persists bitmaps and their per-maturity notionals. Setting a
// zero notional deletes its record.
type Repository interface {
	GetAssetsBitmap(ctx context.Context, account string, currency model.CurrencyID) (Bitmap, error)
	SetAssetsBitmap(ctx context.Context, account string, currency model.CurrencyID, b Bitmap) error
	GetBitmapNotional(ctx context.Context, account string, currency model.CurrencyID, maturity int64) (decimal.Decimal, error)
	SetBitmapNotional(ctx context.Context, account string, currency model.CurrencyID, maturity int64, notional decimal.Decimal) error
}

// Handler reads and writes bitmap positions.
type Handler struct {
	repo      Repository
	valuation oracle.Valuation
}

// NewHandler creates a handler. valuation may be nil if present values are
// never requested.
func NewHandler(repo Repository, valuation oracle.Valuation) *Handler {
	return &Handler{repo: repo, valuation: valuation}
}

// AddPosition adds notional to the position at maturity and returns the
// resulting notional. maturity must fall exactly on a bit relative to ref.
// When the bit is not set yet the notional is written without a prior read.
func (h *Handler) AddPosition(ctx context.Context, acct string, currency model.CurrencyID, ref, maturity int64, notional decimal.Decimal) (decimal.Decimal, error) {
	if err := model.ValidateCurrencyID(currency); err != nil {
		return decimal.Zero, err
	}
	bitNum, exact, err := datetime.BitNumFromMaturity(ref, maturity)
	if err != nil {
		return decimal.Zero, err
	}
	if !exact {
		return decimal.Zero, fmt.Errorf("%w: %d relative to %d", model.ErrMisalignedMaturity, maturity, ref)
	}

	bm, err := h.repo.GetAssetsBitmap(ctx, acct, currency)
	if err != nil {
		return decimal.Zero, err
	}

	result := notional
	if bm.GetBit(bitNum) {
		current, err := h.repo.GetBitmapNotional(ctx, acct, currency, maturity)
		if err != nil {
			return decimal.Zero, err
		}
		result = current.Add(notional)
	}
	if err := model.CheckInt88(result); err != nil {
		return decimal.Zero, err
	}
	if result.IsZero() && !bm.GetBit(bitNum) {
		return result, nil
	}

	if err := h.repo.SetBitmapNotional(ctx, acct, currency, maturity, result); err != nil {
		return decimal.Zero, err
	}
	next := bm.SetBit(bitNum, !result.IsZero())
	if next != bm {
		if err := h.repo.SetAssetsBitmap(ctx, acct, currency, next); err != nil {
			return decimal.Zero, err
		}
	}
	return result, nil
}

// AddToAccount adds a position to the bitmap currency of actx and raises
// the asset debt flag when the result is negative.
func (h *Handler) AddToAccount(ctx context.Context, acct string, actx *model.AccountContext, maturity int64, notional decimal.Decimal) (decimal.Decimal, error) {
	if actx.BitmapCurrencyID == 0 {
		return decimal.Zero, fmt.Errorf("%w: account %s has no bitmap currency", model.ErrBitmapConflict, acct)
	}
	result, err := h.AddPosition(ctx, acct, actx.BitmapCurrencyID, actx.NextSettleTime, maturity, notional)
	if err != nil {
		return decimal.Zero, err
	}
	if result.IsNegative() {
		account.SetAssetDebt(actx)
	}
	return result, nil
}

// RefreshDebt sets the asset debt flag of actx if any position in its
// bitmap currency is negative and clears it otherwise.
func (h *Handler) RefreshDebt(ctx context.Context, acct string, actx *model.AccountContext) error {
	if actx.BitmapCurrencyID == 0 {
		return nil
	}
	positions, err := h.Positions(ctx, acct, actx.BitmapCurrencyID, actx.NextSettleTime)
	if err != nil {
		return err
	}
	for _, p := range positions {
		if p.Notional.IsNegative() {
			account.SetAssetDebt(actx)
			return nil
		}
	}
	account.ClearDebt(actx, model.HasAssetDebt)
	return nil
}

// Positions lists the bitmap positions of (account, currency) as
// fixed-maturity positions in ascending maturity order.
func (h *Handler) Positions(ctx context.Context, acct string, currency model.CurrencyID, ref int64) ([]model.Position, error) {
	bm, err := h.repo.GetAssetsBitmap(ctx, acct, currency)
	if err != nil {
		return nil, err
	}
	maturities, err := bm.Maturities(ref)
	if err != nil {
		return nil, err
	}
	out := make([]model.Position, 0, len(maturities))
	for _, m := range maturities {
		n, err := h.repo.GetBitmapNotional(ctx, acct, currency, m)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Position{
			CurrencyID: currency,
			AssetType:  model.FCash(),
			Maturity:   m,
			Notional:   n,
		})
	}
	return out, nil
}

// PresentValue sums the present value of every bitmap position at time at.
func (h *Handler) PresentValue(ctx context.Context, acct string, currency model.CurrencyID, ref, at int64) (decimal.Decimal, error) {
	return h.walk(ctx, acct, currency, ref, func(maturity int64, notional decimal.Decimal) (decimal.Decimal, error) {
		return h.valuation.PresentValue(ctx, currency, maturity, notional, at)
	})
}

// Withholdings sums the haircut present value of the negative positions
// only. Positive positions contribute nothing. The result is zero or
// negative.
func (h *Handler) Withholdings(ctx context.Context, acct string, currency model.CurrencyID, ref, at int64) (decimal.Decimal, error) {
	return h.walk(ctx, acct, currency, ref, func(maturity int64, notional decimal.Decimal) (decimal.Decimal, error) {
		if !notional.IsNegative() {
			return decimal.Zero, nil
		}
		return h.valuation.HaircutPresentValue(ctx, currency, maturity, notional, at)
	})
}

func (h *Handler) walk(ctx context.Context, acct string, currency model.CurrencyID, ref int64, value func(int64, decimal.Decimal) (decimal.Decimal, error)) (decimal.Decimal, error) {
	if h.valuation == nil {
		return decimal.Zero, fmt.Errorf("bitmap: no valuation configured")
	}
	positions, err := h.Positions(ctx, acct, currency, ref)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, p := range positions {
		v, err := value(p.Maturity, p.Notional)
		if err != nil {
			return decimal.Zero, fmt.Errorf("value maturity %d: %w", p.Maturity, err)
		}
		total = total.Add(v)
	}
	return total, nil
}
