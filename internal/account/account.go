// Package account maintains the account context: the active currency index,
// debt flags, bitmap currency mode and the settlement schedule predicate.
//
// The active currency index is an ordered list of at most nine currency
// ids, strictly ascending, each tagged with ActiveInBalances and/or
// ActiveInPortfolio. Entries with no flag left are removed. The bitmap
// currency of an account is implicitly active in its portfolio and never
// carries the portfolio flag in the index.
package account

import (
	"errors"
	"fmt"
	"slices"

	"github.com/atmx/ledger-engine/internal/datetime"
	"github.com/atmx/ledger-engine/internal/model"
)

// ErrInvalidContext is returned by Validate for a malformed active currency
// index.
var ErrInvalidContext = errors.New("account: invalid account context")

// Len returns the number of used slots in the active currency index.
func Len(ctx *model.AccountContext) int {
	for i, ac := range ctx.ActiveCurrencies {
		if ac.ID == 0 {
			return i
		}
	}
	return model.MaxActiveCurrencies
}

// IsActive reports whether currency carries any of flags.
func IsActive(ctx *model.AccountContext, currency model.CurrencyID, flags model.ActiveFlags) bool {
	if currency != 0 && ctx.BitmapCurrencyID == currency && flags&model.ActiveInPortfolio != 0 {
		return true
	}
	for _, ac := range ctx.ActiveCurrencies {
		if ac.ID == 0 {
			break
		}
		if ac.ID == currency {
			return ac.Flags&flags != 0
		}
		if ac.ID > currency {
			break
		}
	}
	return false
}

// SetActive sets or clears flags for currency, keeping the index sorted.
// On error ctx is left unchanged.
func SetActive(ctx *model.AccountContext, currency model.CurrencyID, isActive bool, flags model.ActiveFlags) error {
	if err := model.ValidateCurrencyID(currency); err != nil {
		return err
	}
	if ctx.BitmapCurrencyID == currency {
		flags &^= model.ActiveInPortfolio
	}
	if flags == 0 {
		return nil
	}

	list := ctx.ActiveCurrencies
	n := Len(ctx)
	for i := 0; i < n; i++ {
		ac := list[i]
		if ac.ID == currency {
			if isActive {
				list[i].Flags |= flags
			} else {
				list[i].Flags &^= flags
				if list[i].Flags == 0 {
					copy(list[i:n], list[i+1:n])
					list[n-1] = model.ActiveCurrency{}
				}
			}
			ctx.ActiveCurrencies = list
			return nil
		}

		if ac.ID > currency {
			if !isActive {
				return nil
			}
			if n == model.MaxActiveCurrencies {
				return fmt.Errorf("%w: more than %d active currencies", model.ErrCapacityExceeded, model.MaxActiveCurrencies)
			}
			copy(list[i+1:n+1], list[i:n])
			list[i] = model.ActiveCurrency{ID: currency, Flags: flags}
			ctx.ActiveCurrencies = list
			return nil
		}
	}

	if !isActive {
		return nil
	}
	if n == model.MaxActiveCurrencies {
		return fmt.Errorf("%w: more than %d active currencies", model.ErrCapacityExceeded, model.MaxActiveCurrencies)
	}
	list[n] = model.ActiveCurrency{ID: currency, Flags: flags}
	ctx.ActiveCurrencies = list
	return nil
}

// ActiveCurrencyIDs lists the ids carrying any of flags, in ascending order.
// The bitmap currency is included when flags asks for the portfolio.
func ActiveCurrencyIDs(ctx *model.AccountContext, flags model.ActiveFlags) []model.CurrencyID {
	var ids []model.CurrencyID
	for _, ac := range ctx.ActiveCurrencies {
		if ac.ID == 0 {
			break
		}
		if ac.Flags&flags != 0 {
			ids = append(ids, ac.ID)
		}
	}
	bitmap := ctx.BitmapCurrencyID
	if bitmap != 0 && flags&model.ActiveInPortfolio != 0 {
		if i, found := slices.BinarySearch(ids, bitmap); !found {
			ids = slices.Insert(ids, i, bitmap)
		}
	}
	return ids
}

// Validate checks the structural invariants of a context supplied from
// outside the ledger.
func Validate(ctx *model.AccountContext) error {
	n := Len(ctx)
	var prev model.CurrencyID
	for i, ac := range ctx.ActiveCurrencies {
		if i >= n {
			if ac != (model.ActiveCurrency{}) {
				return fmt.Errorf("%w: active currency slot %d used after end of list", ErrInvalidContext, i)
			}
			continue
		}
		if err := model.ValidateCurrencyID(ac.ID); err != nil {
			return err
		}
		if ac.ID <= prev {
			return fmt.Errorf("%w: active currencies not strictly ascending at slot %d", ErrInvalidContext, i)
		}
		if ac.Flags == 0 || ac.Flags&^model.ActiveInAll != 0 {
			return fmt.Errorf("%w: invalid flags %d for currency %d", ErrInvalidContext, ac.Flags, ac.ID)
		}
		if ac.ID == ctx.BitmapCurrencyID && ac.Flags&model.ActiveInPortfolio != 0 {
			return fmt.Errorf("%w: bitmap currency %d flagged in portfolio", model.ErrBitmapConflict, ac.ID)
		}
		prev = ac.ID
	}
	if ctx.BitmapCurrencyID != 0 {
		if err := model.ValidateCurrencyID(ctx.BitmapCurrencyID); err != nil {
			return err
		}
		if ctx.PositionArrayLength != 0 {
			return fmt.Errorf("%w: bitmap account with %d array positions", model.ErrBitmapConflict, ctx.PositionArrayLength)
		}
	}
	if ctx.NextSettleTime < 0 {
		return fmt.Errorf("%w: next settle time %d", model.ErrInvalidTimestamp, ctx.NextSettleTime)
	}
	return nil
}

// MustSettle reports whether the account holds matured, unsettled
// positions at now. Bitmap accounts are re-referenced to the start of the
// current day on settlement, so they are due once that day has moved on.
func MustSettle(ctx *model.AccountContext, now int64) bool {
	if ctx.BitmapCurrencyID != 0 {
		return ctx.NextSettleTime < datetime.TimeUTC0(now)
	}
	return 0 < ctx.NextSettleTime && ctx.NextSettleTime <= now
}

// RequireSettled returns ErrUnsettledMaturity when MustSettle is true.
func RequireSettled(ctx *model.AccountContext, now int64) error {
	if MustSettle(ctx, now) {
		return fmt.Errorf("%w: next settle time %d, now %d", model.ErrUnsettledMaturity, ctx.NextSettleTime, now)
	}
	return nil
}

// EnableBitmap switches the account into single currency bitmap mode for
// currency, or out of it when currency is zero. The position array must be
// empty, and so must the current bitmap when one is already enabled.
func EnableBitmap(ctx *model.AccountContext, currency model.CurrencyID, now int64, bitmapEmpty bool) error {
	if currency != 0 {
		if err := model.ValidateCurrencyID(currency); err != nil {
			return err
		}
	}
	if ctx.BitmapCurrencyID == currency {
		return nil
	}
	if ctx.PositionArrayLength != 0 {
		return fmt.Errorf("%w: account holds %d array positions", model.ErrBitmapConflict, ctx.PositionArrayLength)
	}
	if ctx.BitmapCurrencyID != 0 && !bitmapEmpty {
		return fmt.Errorf("%w: currency %d", model.ErrBitmapNotEmpty, ctx.BitmapCurrencyID)
	}
	for _, ac := range ctx.ActiveCurrencies {
		if ac.ID != 0 && ac.Flags&model.ActiveInPortfolio != 0 {
			return fmt.Errorf("%w: currency %d active in portfolio", model.ErrBitmapConflict, ac.ID)
		}
	}

	ctx.BitmapCurrencyID = currency
	if currency == 0 {
		ctx.NextSettleTime = 0
	} else {
		ctx.NextSettleTime = datetime.TimeUTC0(now)
	}
	return nil
}

// HasAssetDebt reports whether the asset debt flag is set.
func HasAssetDebt(ctx *model.AccountContext) bool { return ctx.HasDebt&model.HasAssetDebt != 0 }

// HasCashDebt reports whether the cash debt flag is set.
func HasCashDebt(ctx *model.AccountContext) bool { return ctx.HasDebt&model.HasCashDebt != 0 }

// SetAssetDebt raises the asset debt flag. Storing positions recomputes it.
func SetAssetDebt(ctx *model.AccountContext) { ctx.HasDebt |= model.HasAssetDebt }

// SetCashDebt raises the cash debt flag. The ledger never lowers it.
func SetCashDebt(ctx *model.AccountContext) { ctx.HasDebt |= model.HasCashDebt }

// ClearDebt lowers the given flags.
func ClearDebt(ctx *model.AccountContext, flags model.DebtFlags) { ctx.HasDebt &^= flags }
