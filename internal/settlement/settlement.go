// Package settlement converts matured positions into cash.
//
// A settlement pass scans the account's position array or bitmap for
// positions whose settlement date has passed, resolves the write-once
// settlement rate of each (currency, maturity), converts the matured
// notional into a cash delta, retires the position and, for bitmap
// accounts, remaps the surviving bits onto the new reference time. Cash
// deltas are credited through the balance ledger. All writes go through a
// store.UnitOfWork, so a failed pass leaves nothing behind.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/account"
	"github.com/atmx/ledger-engine/internal/balance"
	"github.com/atmx/ledger-engine/internal/bitmap"
	"github.com/atmx/ledger-engine/internal/codec"
	"github.com/atmx/ledger-engine/internal/datetime"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/oracle"
	"github.com/atmx/ledger-engine/internal/portfolio"
	"github.com/atmx/ledger-engine/internal/state"
	"github.com/atmx/ledger-engine/internal/store"
)

// Mode selects whether SettleIfDue persists its result.
type Mode int

const (
	// View computes the settlement without persisting anything.
	View Mode = iota
	// Stateful commits the settlement.
	Stateful
)

func (m Mode) String() string {
	if m == Stateful {
		return "stateful"
	}
	return "view"
}

// Result describes one settlement pass.
type Result struct {
	Account    string                               `json:"account"`
	Due        bool                                 `json:"due"`
	Settled    []model.Position                     `json:"settled"`
	CashDeltas map[model.CurrencyID]decimal.Decimal `json:"cash_deltas"`
	RatesFixed []model.SettlementRate               `json:"rates_fixed,omitempty"`
	Context    model.AccountContext                 `json:"context"`
	isBitmap   bool
}

func newResult(acct string) *Result {
	return &Result{Account: acct, CashDeltas: make(map[model.CurrencyID]decimal.Decimal)}
}

func (r *Result) credit(currency model.CurrencyID, cash decimal.Decimal) {
	r.CashDeltas[currency] = r.CashDeltas[currency].Add(cash)
}

// Engine settles accounts.
type Engine struct {
	rates        oracle.RateOracle
	maxPositions int
}

// NewEngine creates an engine that seeds new settlement rates from rates.
// maxPositions bounds the position array; zero selects the protocol default.
func NewEngine(rates oracle.RateOracle, maxPositions int) *Engine {
	return &Engine{rates: rates, maxPositions: maxPositions}
}

// SettleIfDue settles acct at now if it holds matured positions. The pass
// runs in a unit of work over base that is committed only in Stateful
// mode. When nothing is due the stored context is returned unchanged.
func (e *Engine) SettleIfDue(ctx context.Context, base store.Store, acct string, now int64, mode Mode) (*Result, error) {
	start := time.Now()
	uow := store.Begin(base)
	defer uow.Discard()

	repo := state.New(uow)
	actx, err := repo.GetAccountContext(ctx, acct)
	if err != nil {
		return nil, err
	}
	if !account.MustSettle(&actx, now) {
		res := newResult(acct)
		res.Context = actx
		return res, nil
	}

	res, err := e.Settle(ctx, repo, acct, now)
	if err != nil {
		metrics.UnitsOfWork.WithLabelValues("abort").Inc()
		slog.Warn("settlement aborted", "account", acct, "uow", uow.ID, "error", err)
		return nil, err
	}

	if mode == Stateful {
		if err := uow.Commit(ctx); err != nil {
			metrics.UnitsOfWork.WithLabelValues("abort").Inc()
			return nil, fmt.Errorf("commit settlement of %s: %w", acct, err)
		}
		metrics.UnitsOfWork.WithLabelValues("commit").Inc()
		res.record()
		slog.Info("account settled",
			"account", acct,
			"uow", uow.ID,
			"positions", len(res.Settled),
			"rates_fixed", len(res.RatesFixed),
			"next_settle_time", res.Context.NextSettleTime,
		)
	} else {
		metrics.UnitsOfWork.WithLabelValues("discard").Inc()
	}
	metrics.SettlementLatency.WithLabelValues(mode.String()).Observe(time.Since(start).Seconds())
	return res, nil
}

func (r *Result) record() {
	storage := "array"
	if r.isBitmap {
		storage = "bitmap"
	}
	for _, p := range r.Settled {
		metrics.SettlementsTotal.WithLabelValues(storage, p.AssetType.String()).Inc()
	}
	for _, rate := range r.RatesFixed {
		metrics.RatesFixed.WithLabelValues(strconv.Itoa(int(rate.CurrencyID))).Inc()
	}
}

// Settle runs a settlement pass against repo unconditionally. Callers that
// need all-or-nothing behaviour pass a repository over a unit of work.
func (e *Engine) Settle(ctx context.Context, repo *state.Repository, acct string, now int64) (*Result, error) {
	actx, err := repo.GetAccountContext(ctx, acct)
	if err != nil {
		return nil, err
	}
	res := newResult(acct)
	res.Due = true
	rs := &rateSet{engine: e, repo: repo, now: now, res: res}

	if actx.BitmapCurrencyID != 0 {
		res.isBitmap = true
		if err := e.settleBitmap(ctx, repo, rs, acct, &actx, now); err != nil {
			return nil, err
		}
	} else {
		if err := e.settleArray(ctx, repo, rs, acct, &actx, now); err != nil {
			return nil, err
		}
	}

	if err := creditCash(ctx, repo, acct, &actx, res, now); err != nil {
		return nil, err
	}
	if err := repo.SetAccountContext(ctx, acct, actx); err != nil {
		return nil, err
	}
	res.Context = actx
	return res, nil
}

func (e *Engine) settleArray(ctx context.Context, repo *state.Repository, rs *rateSet, acct string, actx *model.AccountContext, now int64) error {
	ws, err := portfolio.Build(ctx, repo, acct, e.maxPositions)
	if err != nil {
		return err
	}
	var markets oracle.Markets = repo

	for i, p := range ws.Stored() {
		due, err := datetime.SettlementDate(p.AssetType, p.Maturity)
		if err != nil {
			return err
		}
		if due > now {
			continue
		}

		switch p.AssetType.Kind {
		case model.FixedMaturity:
			rate, err := rs.resolve(ctx, p.CurrencyID, p.Maturity)
			if err != nil {
				return err
			}
			rs.res.credit(p.CurrencyID, rate.Convert(p.Notional))

		case model.Liquidity:
			market, err := markets.GetMarket(ctx, p.CurrencyID, p.Maturity)
			if err != nil {
				return err
			}
			cash, fCash, err := market.Claim(p.Notional)
			if err != nil {
				return fmt.Errorf("claim %s of %s at %d: %w", p.Notional, p.AssetType, p.Maturity, err)
			}
			if err := markets.SetMarket(ctx, market); err != nil {
				return err
			}
			rs.res.credit(p.CurrencyID, cash)

			if p.Maturity <= now {
				rate, err := rs.resolve(ctx, p.CurrencyID, p.Maturity)
				if err != nil {
					return err
				}
				rs.res.credit(p.CurrencyID, rate.Convert(fCash))
			} else if err := ws.AddOrUpdate(p.CurrencyID, model.FCash(), p.Maturity, fCash, false); err != nil {
				return err
			}
		}

		ws.Delete(i)
		rs.res.Settled = append(rs.res.Settled, p)
	}

	if len(rs.res.Settled) == 0 {
		return nil
	}
	return portfolio.StoreAndFinalize(ctx, repo, acct, ws, actx, portfolio.Options{AllowOverCap: true})
}

func (e *Engine) settleBitmap(ctx context.Context, repo *state.Repository, rs *rateSet, acct string, actx *model.AccountContext, now int64) error {
	currency := actx.BitmapCurrencyID
	newRef := datetime.TimeUTC0(now)

	bm, err := repo.GetAssetsBitmap(ctx, acct, currency)
	if err != nil {
		return err
	}
	matured, remapped, err := bitmap.Remap(bm, actx.NextSettleTime, newRef)
	if err != nil {
		return err
	}

	for _, maturity := range matured {
		notional, err := repo.GetBitmapNotional(ctx, acct, currency, maturity)
		if err != nil {
			return err
		}
		rate, err := rs.resolve(ctx, currency, maturity)
		if err != nil {
			return err
		}
		rs.res.credit(currency, rate.Convert(notional))
		if err := repo.SetBitmapNotional(ctx, acct, currency, maturity, decimal.Zero); err != nil {
			return err
		}
		rs.res.Settled = append(rs.res.Settled, model.Position{
			CurrencyID: currency,
			AssetType:  model.FCash(),
			Maturity:   maturity,
			Notional:   notional,
		})
	}

	if remapped != bm {
		if err := repo.SetAssetsBitmap(ctx, acct, currency, remapped); err != nil {
			return err
		}
	}
	actx.NextSettleTime = newRef
	return bitmap.NewHandler(repo, nil).RefreshDebt(ctx, acct, actx)
}

// creditCash applies the accumulated cash deltas through the balance
// ledger in ascending currency order.
func creditCash(ctx context.Context, repo *state.Repository, acct string, actx *model.AccountContext, res *Result, now int64) error {
	currencies := make([]model.CurrencyID, 0, len(res.CashDeltas))
	for c := range res.CashDeltas {
		currencies = append(currencies, c)
	}
	slices.Sort(currencies)

	for _, c := range currencies {
		delta := res.CashDeltas[c]
		if delta.IsZero() {
			continue
		}
		bs, err := balance.BuildOrLoad(ctx, repo, acct, c, actx)
		if err != nil {
			return err
		}
		bs.AddCash(delta)
		if err := balance.Finalize(ctx, repo, acct, bs, actx, now); err != nil {
			return err
		}
	}
	return nil
}

// ResolveRate returns the settlement rate of (currency, maturity), fixing
// it from the rate oracle on first use. A fixed rate never changes; asking
// for it with a time before its fixing fails with ErrInvalidTimestamp.
func (e *Engine) ResolveRate(ctx context.Context, repo *state.Repository, currency model.CurrencyID, maturity, now int64) (model.SettlementRate, error) {
	rate, _, err := e.resolveRate(ctx, repo, currency, maturity, now)
	return rate, err
}

func (e *Engine) resolveRate(ctx context.Context, repo *state.Repository, currency model.CurrencyID, maturity, now int64) (rate model.SettlementRate, fixed bool, err error) {
	if err := model.ValidateCurrencyID(currency); err != nil {
		return rate, false, err
	}
	rate, ok, err := repo.GetSettlementRate(ctx, currency, maturity)
	if err != nil {
		return rate, false, err
	}
	if ok {
		if now < rate.FixedAt {
			return model.SettlementRate{}, false, fmt.Errorf("%w: %d is before rate fixing at %d", model.ErrInvalidTimestamp, now, rate.FixedAt)
		}
		return rate, false, nil
	}

	if now < maturity {
		return rate, false, fmt.Errorf("%w: maturity %d has not been reached at %d", model.ErrInvalidTimestamp, maturity, now)
	}
	if e.rates == nil {
		return rate, false, errors.New("settlement: no rate oracle configured")
	}
	value, err := e.rates.UnderlyingToCash(ctx, currency, now)
	if err != nil {
		return rate, false, fmt.Errorf("rate of currency %d: %w", currency, err)
	}
	value = value.Truncate(codec.RatePrecision)
	if !codec.ValidRate(value) {
		return rate, false, fmt.Errorf("%w: %s for currency %d", model.ErrInvalidRate, value, currency)
	}

	rate = model.SettlementRate{
		CurrencyID:         currency,
		Maturity:           maturity,
		Rate:               value,
		FixedAt:            now,
		UnderlyingDecimals: codec.RatePrecision,
	}
	if err := repo.FixSettlementRate(ctx, rate); err != nil {
		return model.SettlementRate{}, false, err
	}
	return rate, true, nil
}

type rateKey struct {
	currency model.CurrencyID
	maturity int64
}

// rateSet resolves each (currency, maturity) once per pass.
type rateSet struct {
	engine *Engine
	repo   *state.Repository
	now    int64
	res    *Result
	cache  map[rateKey]model.SettlementRate
}

func (s *rateSet) resolve(ctx context.Context, currency model.CurrencyID, maturity int64) (model.SettlementRate, error) {
	k := rateKey{currency, maturity}
	if r, ok := s.cache[k]; ok {
		return r, nil
	}
	r, fixed, err := s.engine.resolveRate(ctx, s.repo, currency, maturity, s.now)
	if err != nil {
		return r, err
	}
	if fixed {
		s.res.RatesFixed = append(s.res.RatesFixed, r)
	}
	if s.cache == nil {
		s.cache = make(map[rateKey]model.SettlementRate)
	}
	s.cache[k] = r
	return r, nil
}
