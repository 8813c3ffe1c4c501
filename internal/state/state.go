// Package state is the typed record repository of the ledger. It encodes
// model records with the codec and persists them in a store.Store under
// the ledger key space:
//
//	ctx/{account}
//	portfolio/{account}
//	bitmap/{account}/{currency}
//	fcash/{account}/{currency}/{maturity}
//	balance/{account}/{currency}
//	rate/{currency}/{maturity}
//	market/{currency}/{maturity}
//
// Missing records read as their zero value.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/bitmap"
	"github.com/atmx/ledger-engine/internal/codec"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/store"
)

// Repository reads and writes ledger records.
type Repository struct {
	store store.Store
}

// New creates a repository over s.
func New(s store.Store) *Repository {
	return &Repository{store: s}
}

// Store returns the underlying store.
func (r *Repository) Store() store.Store { return r.store }

func ContextKey(account string) string   { return "ctx/" + account }
func PortfolioKey(account string) string { return "portfolio/" + account }

func BitmapKey(account string, currency model.CurrencyID) string {
	return fmt.Sprintf("bitmap/%s/%d", account, currency)
}

func NotionalKey(account string, currency model.CurrencyID, maturity int64) string {
	return fmt.Sprintf("fcash/%s/%d/%d", account, currency, maturity)
}

func BalanceKey(account string, currency model.CurrencyID) string {
	return fmt.Sprintf("balance/%s/%d", account, currency)
}

func RateKey(currency model.CurrencyID, maturity int64) string {
	return fmt.Sprintf("rate/%d/%d", currency, maturity)
}

func MarketKey(currency model.CurrencyID, maturity int64) string {
	return fmt.Sprintf("market/%d/%d", currency, maturity)
}

// getWord reads a single word record; ok is false when it does not exist.
func (r *Repository) getWord(ctx context.Context, key string) (w codec.Word, ok bool, err error) {
	b, err := r.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return w, false, nil
	}
	if err != nil {
		return w, false, err
	}
	w, err = codec.WordFromBytes(b)
	if err != nil {
		return w, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return w, true, nil
}

// setWord writes w, or deletes the record when w is zero.
func (r *Repository) setWord(ctx context.Context, key string, w codec.Word) error {
	if w.IsZero() {
		return r.store.Delete(ctx, key)
	}
	return r.store.Set(ctx, key, w.Bytes())
}

// --- Account context ---

func (r *Repository) GetAccountContext(ctx context.Context, account string) (model.AccountContext, error) {
	w, _, err := r.getWord(ctx, ContextKey(account))
	if err != nil {
		return model.AccountContext{}, err
	}
	return codec.DecodeAccountContext(w), nil
}

func (r *Repository) SetAccountContext(ctx context.Context, account string, actx model.AccountContext) error {
	w, err := codec.EncodeAccountContext(actx)
	if err != nil {
		return fmt.Errorf("encode context of %s: %w", account, err)
	}
	return r.setWord(ctx, ContextKey(account), w)
}

// --- Position array ---

func (r *Repository) GetPositions(ctx context.Context, account string) ([]model.Position, error) {
	b, err := r.store.Get(ctx, PortfolioKey(account))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return codec.DecodePositions(b)
}

func (r *Repository) SetPositions(ctx context.Context, account string, positions []model.Position) error {
	if len(positions) == 0 {
		return r.store.Delete(ctx, PortfolioKey(account))
	}
	b, err := codec.EncodePositions(positions)
	if err != nil {
		return fmt.Errorf("encode positions of %s: %w", account, err)
	}
	return r.store.Set(ctx, PortfolioKey(account), b)
}

// --- Bitmap ---

func (r *Repository) GetAssetsBitmap(ctx context.Context, account string, currency model.CurrencyID) (bitmap.Bitmap, error) {
	w, _, err := r.getWord(ctx, BitmapKey(account, currency))
	return bitmap.Bitmap(w), err
}

func (r *Repository) SetAssetsBitmap(ctx context.Context, account string, currency model.CurrencyID, b bitmap.Bitmap) error {
	return r.setWord(ctx, BitmapKey(account, currency), codec.Word(b))
}

func (r *Repository) GetBitmapNotional(ctx context.Context, account string, currency model.CurrencyID, maturity int64) (decimal.Decimal, error) {
	w, _, err := r.getWord(ctx, NotionalKey(account, currency, maturity))
	if err != nil {
		return decimal.Zero, err
	}
	return codec.DecodeNotional(w), nil
}

func (r *Repository) SetBitmapNotional(ctx context.Context, account string, currency model.CurrencyID, maturity int64, notional decimal.Decimal) error {
	w, err := codec.EncodeNotional(notional)
	if err != nil {
		return fmt.Errorf("%w: %s", model.ErrNotionalOverflow, notional)
	}
	return r.setWord(ctx, NotionalKey(account, currency, maturity), w)
}

// BitmapNotionals returns every persisted notional of (account, currency)
// keyed by maturity, in ascending maturity order.
func (r *Repository) BitmapNotionals(ctx context.Context, account string, currency model.CurrencyID) ([]model.Position, error) {
	prefix := fmt.Sprintf("fcash/%s/%d/", account, currency)
	records, err := r.store.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]model.Position, 0, len(records))
	for k, v := range records {
		maturity, err := strconv.ParseInt(strings.TrimPrefix(k, prefix), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse key %s: %w", k, err)
		}
		w, err := codec.WordFromBytes(v)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		out = append(out, model.Position{
			CurrencyID: currency,
			AssetType:  model.FCash(),
			Maturity:   maturity,
			Notional:   codec.DecodeNotional(w),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Maturity < out[j].Maturity })
	return out, nil
}

// --- Balances ---

func (r *Repository) GetBalance(ctx context.Context, account string, currency model.CurrencyID) (model.Balance, error) {
	w, _, err := r.getWord(ctx, BalanceKey(account, currency))
	if err != nil {
		return model.Balance{}, err
	}
	return codec.DecodeBalance(currency, w), nil
}

func (r *Repository) SetBalance(ctx context.Context, account string, b model.Balance) error {
	w, err := codec.EncodeBalance(b)
	if err != nil {
		return fmt.Errorf("%w: balance of %s in %d: %v", model.ErrNotionalOverflow, account, b.CurrencyID, err)
	}
	return r.setWord(ctx, BalanceKey(account, b.CurrencyID), w)
}

// --- Settlement rates ---

// GetSettlementRate returns the fixed rate of (currency, maturity); ok is
// false when none has been fixed yet.
func (r *Repository) GetSettlementRate(ctx context.Context, currency model.CurrencyID, maturity int64) (rate model.SettlementRate, ok bool, err error) {
	w, ok, err := r.getWord(ctx, RateKey(currency, maturity))
	if err != nil || !ok {
		return model.SettlementRate{}, false, err
	}
	return codec.DecodeSettlementRate(currency, maturity, w), true, nil
}

// FixSettlementRate writes rate once. A second write for the same
// (currency, maturity) fails with ErrRateReinitialization.
func (r *Repository) FixSettlementRate(ctx context.Context, rate model.SettlementRate) error {
	key := RateKey(rate.CurrencyID, rate.Maturity)
	_, exists, err := r.getWord(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: currency %d maturity %d", model.ErrRateReinitialization, rate.CurrencyID, rate.Maturity)
	}
	w, err := codec.EncodeSettlementRate(rate)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, key, w.Bytes())
}

// --- Markets ---

func (r *Repository) GetMarket(ctx context.Context, currency model.CurrencyID, maturity int64) (model.Market, error) {
	w, _, err := r.getWord(ctx, MarketKey(currency, maturity))
	if err != nil {
		return model.Market{}, err
	}
	return codec.DecodeMarket(currency, maturity, w), nil
}

func (r *Repository) SetMarket(ctx context.Context, m model.Market) error {
	w, err := codec.EncodeMarket(m)
	if err != nil {
		return fmt.Errorf("%w: market %d/%d: %v", model.ErrNotionalOverflow, m.CurrencyID, m.Maturity, err)
	}
	return r.setWord(ctx, MarketKey(m.CurrencyID, m.Maturity), w)
}
