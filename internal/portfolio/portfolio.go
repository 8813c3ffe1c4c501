// Package portfolio implements the per-account position array.
//
// A WorkingSet is loaded once per unit of work, mutated in memory and
// written back exactly once. Stored records live in a fixed arena with a
// live-length counter; deletion swaps the removed slot with the last live
// slot, so the order of surviving records is not preserved. New records are
// buffered separately and appended on store.
package portfolio

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/account"
	"github.com/atmx/ledger-engine/internal/datetime"
	"github.com/atmx/ledger-engine/internal/model"
)

// DefaultMaxPositions is the protocol maximum of concurrent positions.
const DefaultMaxPositions = 8

// Repository persists an account's position array.
type Repository interface {
	GetPositions(ctx context.Context, account string) ([]model.Position, error)
	SetPositions(ctx context.Context, account string, positions []model.Position) error
}

// WorkingSet is an in-memory copy of an account's position array plus the
// records added during the current unit of work.
type WorkingSet struct {
	stored       []model.Position
	live         int
	pending      []model.Position
	maxPositions int
}

// NewWorkingSet builds a working set over already loaded records.
func NewWorkingSet(stored []model.Position, maxPositions int) *WorkingSet {
	if maxPositions <= 0 {
		maxPositions = DefaultMaxPositions
	}
	arena := make([]model.Position, len(stored), max(len(stored), maxPositions))
	copy(arena, stored)
	for i := range arena {
		arena[i].State = model.NoChange
	}
	return &WorkingSet{stored: arena, live: len(arena), maxPositions: maxPositions}
}

// Build loads the working set of account.
func Build(ctx context.Context, repo Repository, acct string, maxPositions int) (*WorkingSet, error) {
	stored, err := repo.GetPositions(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("load positions of %s: %w", acct, err)
	}
	return NewWorkingSet(stored, maxPositions), nil
}

// Len returns the number of stored records not marked for deletion.
func (ws *WorkingSet) Len() int { return ws.live }

// Stored returns the loaded records, including ones marked for deletion.
// The slice aliases the working set; callers must not append to it.
func (ws *WorkingSet) Stored() []model.Position { return ws.stored }

// Pending returns the records added during this unit of work.
func (ws *WorkingSet) Pending() []model.Position { return ws.pending }

// AddOrUpdate merges notional into the matching record or buffers a new one.
// isNewHint skips the search of stored records when the caller knows the
// asset cannot already be held.
func (ws *WorkingSet) AddOrUpdate(currency model.CurrencyID, asset model.AssetType, maturity int64, notional decimal.Decimal, isNewHint bool) error {
	if err := model.ValidateCurrencyID(currency); err != nil {
		return err
	}
	if err := asset.Validate(); err != nil {
		return err
	}
	if maturity <= 0 {
		return fmt.Errorf("%w: maturity %d", model.ErrInvalidTimestamp, maturity)
	}

	if !isNewHint {
		for i := range ws.stored {
			p := &ws.stored[i]
			if p.State == model.Delete || !p.Matches(currency, asset, maturity) {
				continue
			}
			n, err := merged(asset, p.Notional, notional)
			if err != nil {
				return err
			}
			p.Notional = n
			if p.State == model.NoChange {
				p.State = model.Update
			}
			return nil
		}
	}

	for i := range ws.pending {
		p := &ws.pending[i]
		if !p.Matches(currency, asset, maturity) {
			continue
		}
		n, err := merged(asset, p.Notional, notional)
		if err != nil {
			return err
		}
		p.Notional = n
		return nil
	}

	n, err := merged(asset, decimal.Zero, notional)
	if err != nil {
		return err
	}
	ws.pending = append(ws.pending, model.Position{
		CurrencyID: currency,
		AssetType:  asset,
		Maturity:   maturity,
		Notional:   n,
		State:      model.Update,
	})
	return nil
}

func merged(asset model.AssetType, current, delta decimal.Decimal) (decimal.Decimal, error) {
	n := current.Add(delta)
	if asset.IsLiquidity() && n.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s + %s", model.ErrNegativeLiquidityBalance, current, delta)
	}
	if err := model.CheckInt88(n); err != nil {
		return decimal.Zero, err
	}
	return n, nil
}

// Delete marks the stored record at index for deletion. Settlement is the
// only caller.
func (ws *WorkingSet) Delete(index int) {
	if ws.stored[index].State == model.Delete {
		return
	}
	ws.stored[index].State = model.Delete
	ws.live--
}

// Options tune StoreAll.
type Options struct {
	// AllowOverCap lets an intermediate liquidation step exceed the maximum
	// number of positions; a later settlement brings the account back.
	AllowOverCap bool
}

// StoreAll compacts deleted and zero records out of the arena, applies
// updates, appends pending records and returns the array to persist. The
// working set is reset to the stored state, so a second call with no
// mutations in between yields the same array.
func (ws *WorkingSet) StoreAll(opts Options) ([]model.Position, error) {
	arena := make([]model.Position, len(ws.stored), len(ws.stored)+len(ws.pending))
	copy(arena, ws.stored)

	n := len(arena)
	for i := 0; i < n; {
		p := arena[i]
		if p.State == model.Delete || p.Notional.IsZero() {
			arena[i] = arena[n-1]
			n--
			continue
		}
		i++
	}
	arena = arena[:n]

	for i := range arena {
		arena[i].State = model.NoChange
	}

	for _, p := range ws.pending {
		if p.Notional.IsZero() {
			continue
		}
		p.State = model.NoChange
		arena = append(arena, p)
	}

	if len(arena) > ws.maxPositions && !opts.AllowOverCap {
		return nil, fmt.Errorf("%w: %d positions, maximum %d", model.ErrCapacityExceeded, len(arena), ws.maxPositions)
	}
	if len(arena) > 255 {
		return nil, fmt.Errorf("%w: %d positions", model.ErrCapacityExceeded, len(arena))
	}

	ws.stored = arena
	ws.live = len(arena)
	ws.pending = nil
	return append([]model.Position(nil), arena...), nil
}

// StoreAndFinalize persists the working set and updates the account context:
// array length, next settlement time, asset debt flag and the portfolio
// flags of the active currency index. The asset debt flag is recomputed
// from the stored positions. On error actx is left unchanged.
func StoreAndFinalize(ctx context.Context, repo Repository, acct string, ws *WorkingSet, actx *model.AccountContext, opts Options) error {
	positions, err := ws.StoreAll(opts)
	if err != nil {
		return err
	}

	next := *actx
	var nextSettle int64
	hasDebt := false
	currencies := make(map[model.CurrencyID]bool)
	for _, p := range positions {
		sd, err := datetime.SettlementDate(p.AssetType, p.Maturity)
		if err != nil {
			return err
		}
		if nextSettle == 0 || sd < nextSettle {
			nextSettle = sd
		}
		if p.Notional.IsNegative() {
			hasDebt = true
		}
		currencies[p.CurrencyID] = true
	}

	if len(positions) > 0 && next.BitmapCurrencyID != 0 {
		return fmt.Errorf("%w: array positions on bitmap account", model.ErrBitmapConflict)
	}

	// Clear stale portfolio flags before setting new ones so the index never
	// overflows transiently.
	for _, id := range account.ActiveCurrencyIDs(&next, model.ActiveInPortfolio) {
		if !currencies[id] && id != next.BitmapCurrencyID {
			if err := account.SetActive(&next, id, false, model.ActiveInPortfolio); err != nil {
				return err
			}
		}
	}
	for id := range currencies {
		if err := account.SetActive(&next, id, true, model.ActiveInPortfolio); err != nil {
			return err
		}
	}

	next.PositionArrayLength = uint8(len(positions))
	if next.BitmapCurrencyID == 0 {
		next.NextSettleTime = nextSettle
	}
	if hasDebt {
		account.SetAssetDebt(&next)
	} else {
		account.ClearDebt(&next, model.HasAssetDebt)
	}

	if err := repo.SetPositions(ctx, acct, positions); err != nil {
		return fmt.Errorf("store positions of %s: %w", acct, err)
	}
	*actx = next
	return nil
}

// Positions returns the live view of the working set: stored records not
// marked for deletion followed by non-zero pending records.
func (ws *WorkingSet) Positions() []model.Position {
	out := make([]model.Position, 0, ws.live+len(ws.pending))
	for _, p := range ws.stored {
		if p.State != model.Delete {
			out = append(out, p)
		}
	}
	for _, p := range ws.pending {
		if !p.Notional.IsZero() {
			out = append(out, p)
		}
	}
	return out
}
