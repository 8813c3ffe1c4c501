package settlement

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/account"
	"github.com/atmx/ledger-engine/internal/bitmap"
	"github.com/atmx/ledger-engine/internal/datetime"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/oracle"
	"github.com/atmx/ledger-engine/internal/portfolio"
	"github.com/atmx/ledger-engine/internal/state"
	"github.com/atmx/ledger-engine/internal/store"
)

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

// T is quarter aligned.
const T = 219 * datetime.Quarter

var rate = decimal.RequireFromString("0.02")

func setup(t *testing.T) (*store.MemoryStore, *state.Repository, *Engine) {
	t.Helper()
	rates := oracle.NewStaticRates()
	if err := rates.Set(1, rate); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	mem := store.NewMemoryStore()
	return mem, state.New(mem), NewEngine(rates, 0)
}

// seed stores positions for acct the way an add-positions call would.
func seed(t *testing.T, repo *state.Repository, acct string, ps ...model.Position) {
	t.Helper()
	ctx := context.Background()
	actx, _ := repo.GetAccountContext(ctx, acct)
	ws, err := portfolio.Build(ctx, repo, acct, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, p := range ps {
		if err := ws.AddOrUpdate(p.CurrencyID, p.AssetType, p.Maturity, p.Notional, false); err != nil {
			t.Fatalf("AddOrUpdate: %v", err)
		}
	}
	if err := portfolio.StoreAndFinalize(ctx, repo, acct, ws, &actx, portfolio.Options{}); err != nil {
		t.Fatalf("StoreAndFinalize: %v", err)
	}
	if err := repo.SetAccountContext(ctx, acct, actx); err != nil {
		t.Fatalf("SetAccountContext: %v", err)
	}
}

func fcash(cur model.CurrencyID, maturity int64, n int64) model.Position {
	return model.Position{CurrencyID: cur, AssetType: model.FCash(), Maturity: maturity, Notional: d(n)}
}

func snapshot(t *testing.T, mem *store.MemoryStore) map[string]string {
	t.Helper()
	all, err := mem.Scan(context.Background(), "")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	out := make(map[string]string, len(all))
	for k, v := range all {
		out[k] = string(v)
	}
	return out
}

func sameSnapshot(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func TestSettleIfDue_FixedMaturity(t *testing.T) {
	ctx := context.Background()
	mem, repo, engine := setup(t)
	seed(t, repo, "alice", fcash(1, T, 1000), fcash(1, T+datetime.Quarter, 500))

	res, err := engine.SettleIfDue(ctx, mem, "alice", T, Stateful)
	if err != nil {
		t.Fatalf("SettleIfDue: %v", err)
	}
	if !res.Due || len(res.Settled) != 1 {
		t.Fatalf("expected one settled position, got %+v", res.Settled)
	}
	if !res.CashDeltas[1].Equal(d(20)) {
		t.Errorf("cash delta: want 20 got %s", res.CashDeltas[1])
	}

	positions, _ := repo.GetPositions(ctx, "alice")
	if len(positions) != 1 || positions[0].Maturity != T+datetime.Quarter {
		t.Errorf("matured position not removed: %+v", positions)
	}
	actx, _ := repo.GetAccountContext(ctx, "alice")
	if actx.NextSettleTime <= T {
		t.Errorf("next settle time should advance past %d, got %d", T, actx.NextSettleTime)
	}
	bal, _ := repo.GetBalance(ctx, "alice", 1)
	if !bal.CashBalance.Equal(d(20)) {
		t.Errorf("cash balance: want 20 got %s", bal.CashBalance)
	}
	if !account.IsActive(&actx, 1, model.ActiveInAll) || !account.IsActive(&actx, 1, model.ActiveInBalances) {
		t.Errorf("currency 1 flags: %+v", actx.ActiveCurrencies)
	}
	stored, ok, _ := repo.GetSettlementRate(ctx, 1, T)
	if !ok || !stored.Rate.Equal(rate) || stored.FixedAt != T {
		t.Errorf("settlement rate not fixed: %+v", stored)
	}
}

// Settling the last position leaves no schedule at all: nextSettleTime
// drops to 0, which is past T in the sense that the account is never due
// again until a new position is added.
func TestSettleIfDue_LastPositionClearsSchedule(t *testing.T) {
	ctx := context.Background()
	mem, repo, engine := setup(t)
	seed(t, repo, "alice", fcash(1, T, -1000))

	res, err := engine.SettleIfDue(ctx, mem, "alice", T+10, Stateful)
	if err != nil {
		t.Fatalf("SettleIfDue: %v", err)
	}
	if !res.CashDeltas[1].Equal(d(-20)) {
		t.Errorf("cash delta: want -20 got %s", res.CashDeltas[1])
	}
	actx := res.Context
	if actx.NextSettleTime != 0 || actx.PositionArrayLength != 0 {
		t.Errorf("expected empty schedule, got %+v", actx)
	}
	if account.IsActive(&actx, 1, model.ActiveInPortfolio) {
		t.Error("currency 1 should not be active in portfolio")
	}
	if !account.HasCashDebt(&actx) {
		t.Error("negative cash should raise the cash debt flag")
	}
	if account.HasAssetDebt(&actx) {
		t.Error("asset debt flag should drop once no negative position is left")
	}
	if account.MustSettle(&actx, T+datetime.Year) {
		t.Error("empty account should never be due")
	}
}

func TestSettleIfDue_ViewDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	mem, repo, engine := setup(t)
	seed(t, repo, "alice", fcash(1, T, 1000))
	before := snapshot(t, mem)

	res, err := engine.SettleIfDue(ctx, mem, "alice", T, View)
	if err != nil {
		t.Fatalf("SettleIfDue: %v", err)
	}
	if !res.CashDeltas[1].Equal(d(20)) {
		t.Errorf("view cash delta: want 20 got %s", res.CashDeltas[1])
	}
	if !sameSnapshot(before, snapshot(t, mem)) {
		t.Error("view settlement changed the store")
	}
}

func TestSettleIfDue_NotDue(t *testing.T) {
	ctx := context.Background()
	mem, repo, engine := setup(t)
	seed(t, repo, "alice", fcash(1, T, 1000))

	res, err := engine.SettleIfDue(ctx, mem, "alice", T-1, Stateful)
	if err != nil {
		t.Fatalf("SettleIfDue: %v", err)
	}
	if res.Due || len(res.Settled) != 0 || res.Context.NextSettleTime != T {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestSettleIfDue_FailureRollsBack(t *testing.T) {
	ctx := context.Background()
	mem, repo, engine := setup(t)
	// No oracle rate for currency 2.
	seed(t, repo, "alice", fcash(1, T, 1000), fcash(2, T, 1000))
	before := snapshot(t, mem)

	_, err := engine.SettleIfDue(ctx, mem, "alice", T, Stateful)
	if !errors.Is(err, oracle.ErrNoRate) {
		t.Fatalf("expected ErrNoRate, got %v", err)
	}
	if !sameSnapshot(before, snapshot(t, mem)) {
		t.Error("failed settlement left partial state")
	}
}

func TestResolveRate_WriteOnce(t *testing.T) {
	ctx := context.Background()
	_, repo, _ := setup(t)
	rates := oracle.NewStaticRates()
	_ = rates.Set(1, rate)
	engine := NewEngine(rates, 0)

	first, err := engine.ResolveRate(ctx, repo, 1, T, T+5)
	if err != nil {
		t.Fatalf("ResolveRate: %v", err)
	}
	_ = rates.Set(1, decimal.RequireFromString("0.5"))
	second, err := engine.ResolveRate(ctx, repo, 1, T, T+datetime.Year)
	if err != nil {
		t.Fatalf("second ResolveRate: %v", err)
	}
	if !first.Rate.Equal(second.Rate) || first.FixedAt != second.FixedAt {
		t.Errorf("rate changed: %+v vs %+v", first, second)
	}

	if _, err := engine.ResolveRate(ctx, repo, 1, T, T+1); !errors.Is(err, model.ErrInvalidTimestamp) {
		t.Errorf("time before fixing: expected ErrInvalidTimestamp, got %v", err)
	}
	if _, err := engine.ResolveRate(ctx, repo, 1, T+datetime.Quarter, T); !errors.Is(err, model.ErrInvalidTimestamp) {
		t.Errorf("unmatured: expected ErrInvalidTimestamp, got %v", err)
	}
}

type fixedOracle decimal.Decimal

func (o fixedOracle) UnderlyingToCash(context.Context, model.CurrencyID, int64) (decimal.Decimal, error) {
	return decimal.Decimal(o), nil
}

func TestResolveRate_InvalidRate(t *testing.T) {
	ctx := context.Background()
	repo := state.New(store.NewMemoryStore())

	for _, r := range []decimal.Decimal{decimal.Zero, d(-1), decimal.RequireFromString("1e30")} {
		engine := NewEngine(fixedOracle(r), 0)
		if _, err := engine.ResolveRate(ctx, repo, 1, T, T); !errors.Is(err, model.ErrInvalidRate) {
			t.Errorf("rate %s: expected ErrInvalidRate, got %v", r, err)
		}
	}
}

func lpMarket(t *testing.T, repo *state.Repository, maturity int64) {
	t.Helper()
	err := repo.SetMarket(context.Background(), model.Market{
		CurrencyID:     1,
		Maturity:       maturity,
		TotalFCash:     d(1000),
		TotalCash:      d(3000),
		TotalLiquidity: d(100),
	})
	if err != nil {
		t.Fatalf("SetMarket: %v", err)
	}
}

func TestSettle_LiquidityClaimMatured(t *testing.T) {
	ctx := context.Background()
	mem, repo, engine := setup(t)
	lp := model.LiquidityToken(2)
	lpMarket(t, repo, T)
	seed(t, repo, "alice", model.Position{CurrencyID: 1, AssetType: lp, Maturity: T, Notional: d(25)})

	res, err := engine.SettleIfDue(ctx, mem, "alice", T, Stateful)
	if err != nil {
		t.Fatalf("SettleIfDue: %v", err)
	}
	// 750 cash share + 250 fCash share * 0.02.
	if !res.CashDeltas[1].Equal(d(755)) {
		t.Errorf("cash delta: want 755 got %s", res.CashDeltas[1])
	}
	positions, _ := repo.GetPositions(ctx, "alice")
	if len(positions) != 0 {
		t.Errorf("expected no positions, got %+v", positions)
	}
	m, _ := repo.GetMarket(ctx, 1, T)
	if !m.TotalCash.Equal(d(2250)) || !m.TotalFCash.Equal(d(750)) || !m.TotalLiquidity.Equal(d(75)) {
		t.Errorf("market not reduced: %+v", m)
	}
}

func TestSettle_LiquidityClaimBeforeMarketMaturity(t *testing.T) {
	ctx := context.Background()
	mem, repo, engine := setup(t)
	lp := model.LiquidityToken(2)
	marketMaturity := T + datetime.Quarter
	lpMarket(t, repo, marketMaturity)
	seed(t, repo, "alice", model.Position{CurrencyID: 1, AssetType: lp, Maturity: marketMaturity, Notional: d(25)})

	actx, _ := repo.GetAccountContext(ctx, "alice")
	if actx.NextSettleTime != T {
		t.Fatalf("liquidity claim should settle at the next quarterly roll %d, got %d", T, actx.NextSettleTime)
	}

	res, err := engine.SettleIfDue(ctx, mem, "alice", T, Stateful)
	if err != nil {
		t.Fatalf("SettleIfDue: %v", err)
	}
	if !res.CashDeltas[1].Equal(d(750)) {
		t.Errorf("cash delta: want 750 got %s", res.CashDeltas[1])
	}
	if len(res.RatesFixed) != 0 {
		t.Errorf("no rate should be fixed before market maturity, got %+v", res.RatesFixed)
	}
	positions, _ := repo.GetPositions(ctx, "alice")
	if len(positions) != 1 {
		t.Fatalf("expected one fCash position, got %+v", positions)
	}
	p := positions[0]
	if p.AssetType != model.FCash() || p.Maturity != marketMaturity || !p.Notional.Equal(d(250)) {
		t.Errorf("unexpected residual position %+v", p)
	}
	if res.Context.NextSettleTime != marketMaturity {
		t.Errorf("next settle time: want %d got %d", marketMaturity, res.Context.NextSettleTime)
	}
}

func TestSettle_BitmapRemap(t *testing.T) {
	ctx := context.Background()
	mem, repo, engine := setup(t)
	ref := int64(1_700_006_400)

	actx := model.AccountContext{}
	if err := account.EnableBitmap(&actx, 1, ref+100, true); err != nil {
		t.Fatalf("EnableBitmap: %v", err)
	}
	h := bitmap.NewHandler(repo, nil)
	if _, err := h.AddToAccount(ctx, "alice", &actx, ref+5*datetime.Day, d(100)); err != nil {
		t.Fatalf("add day position: %v", err)
	}
	weekMaturity := ref + 94*datetime.Day
	if _, err := h.AddToAccount(ctx, "alice", &actx, weekMaturity, d(-300)); err != nil {
		t.Fatalf("add week position: %v", err)
	}
	if err := repo.SetAccountContext(ctx, "alice", actx); err != nil {
		t.Fatalf("SetAccountContext: %v", err)
	}

	now := ref + 10*datetime.Day + 3600
	res, err := engine.SettleIfDue(ctx, mem, "alice", now, Stateful)
	if err != nil {
		t.Fatalf("SettleIfDue: %v", err)
	}
	if len(res.Settled) != 1 || res.Settled[0].Maturity != ref+5*datetime.Day {
		t.Fatalf("unexpected settled positions %+v", res.Settled)
	}
	if !res.CashDeltas[1].Equal(d(2)) {
		t.Errorf("cash delta: want 2 got %s", res.CashDeltas[1])
	}

	newRef := ref + 10*datetime.Day
	if res.Context.NextSettleTime != newRef {
		t.Errorf("bitmap reference: want %d got %d", newRef, res.Context.NextSettleTime)
	}
	ps, err := h.Positions(ctx, "alice", 1, newRef)
	if err != nil || len(ps) != 1 {
		t.Fatalf("Positions: %+v %v", ps, err)
	}
	if ps[0].Maturity != weekMaturity || !ps[0].Notional.Equal(d(-300)) {
		t.Errorf("remapped position moved: %+v", ps[0])
	}
	notionals, _ := repo.BitmapNotionals(ctx, "alice", 1)
	bm, _ := repo.GetAssetsBitmap(ctx, "alice", 1)
	if bm.TotalBitsSet() != len(notionals) {
		t.Errorf("bits %d != notional records %d", bm.TotalBitsSet(), len(notionals))
	}
	if account.IsActive(&res.Context, 1, model.ActiveInBalances) == false {
		t.Error("settled cash should activate the balance")
	}

	// Same day again: nothing due.
	again, err := engine.SettleIfDue(ctx, mem, "alice", now+60, Stateful)
	if err != nil || again.Due {
		t.Errorf("expected nothing due, got %+v %v", again, err)
	}
}

func TestSettle_BitmapDebtFlagFollowsNotionals(t *testing.T) {
	ctx := context.Background()
	mem, repo, engine := setup(t)
	ref := int64(1_700_006_400)

	actx := model.AccountContext{}
	if err := account.EnableBitmap(&actx, 1, ref, true); err != nil {
		t.Fatalf("EnableBitmap: %v", err)
	}
	h := bitmap.NewHandler(repo, nil)
	if _, err := h.AddToAccount(ctx, "alice", &actx, ref+2*datetime.Day, d(-50)); err != nil {
		t.Fatalf("add negative position: %v", err)
	}
	if _, err := h.AddToAccount(ctx, "alice", &actx, ref+20*datetime.Day, d(70)); err != nil {
		t.Fatalf("add positive position: %v", err)
	}
	if !account.HasAssetDebt(&actx) {
		t.Fatal("negative bitmap position should raise the asset debt flag")
	}
	if err := repo.SetAccountContext(ctx, "alice", actx); err != nil {
		t.Fatalf("SetAccountContext: %v", err)
	}

	res, err := engine.SettleIfDue(ctx, mem, "alice", ref+3*datetime.Day, Stateful)
	if err != nil {
		t.Fatalf("SettleIfDue: %v", err)
	}
	if len(res.Settled) != 1 || !res.CashDeltas[1].Equal(d(-1)) {
		t.Fatalf("unexpected settlement %+v", res)
	}
	if account.HasAssetDebt(&res.Context) {
		t.Error("asset debt flag should drop after the negative bit settles")
	}
	if !account.HasCashDebt(&res.Context) {
		t.Error("negative cash should raise the cash debt flag")
	}
}
