package state

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/bitmap"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/store"
)

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

func TestAccountContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	r := New(mem)

	empty, err := r.GetAccountContext(ctx, "alice")
	if err != nil || empty != (model.AccountContext{}) {
		t.Fatalf("missing context should read as zero: %+v %v", empty, err)
	}

	actx := model.AccountContext{NextSettleTime: 1_700_006_400, HasDebt: model.HasCashDebt, PositionArrayLength: 2}
	actx.ActiveCurrencies[0] = model.ActiveCurrency{ID: 2, Flags: model.ActiveInAll}
	if err := r.SetAccountContext(ctx, "alice", actx); err != nil {
		t.Fatalf("SetAccountContext: %v", err)
	}
	got, err := r.GetAccountContext(ctx, "alice")
	if err != nil || got != actx {
		t.Errorf("want %+v got %+v (%v)", actx, got, err)
	}

	if err := r.SetAccountContext(ctx, "alice", model.AccountContext{}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if mem.Len() != 0 {
		t.Error("zero context should delete the record")
	}
}

func TestPositionsRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	r := New(mem)

	ps := []model.Position{
		{CurrencyID: 1, AssetType: model.FCash(), Maturity: 1_700_006_400, Notional: d(-1000)},
		{CurrencyID: 2, AssetType: model.LiquidityToken(3), Maturity: 1_700_006_400, Notional: d(55)},
	}
	if err := r.SetPositions(ctx, "alice", ps); err != nil {
		t.Fatalf("SetPositions: %v", err)
	}
	got, err := r.GetPositions(ctx, "alice")
	if err != nil || len(got) != 2 {
		t.Fatalf("GetPositions: %v %v", got, err)
	}
	for i := range ps {
		if !got[i].Matches(ps[i].CurrencyID, ps[i].AssetType, ps[i].Maturity) || !got[i].Notional.Equal(ps[i].Notional) {
			t.Errorf("position %d: want %+v got %+v", i, ps[i], got[i])
		}
	}
	if err := r.SetPositions(ctx, "alice", nil); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if mem.Len() != 0 {
		t.Error("empty array should delete the record")
	}
}

func TestBitmapRecords(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemoryStore())

	var b bitmap.Bitmap
	b = b.SetBit(7, true)
	if err := r.SetAssetsBitmap(ctx, "alice", 4, b); err != nil {
		t.Fatalf("SetAssetsBitmap: %v", err)
	}
	got, _ := r.GetAssetsBitmap(ctx, "alice", 4)
	if got != b {
		t.Error("bitmap round trip failed")
	}

	_ = r.SetBitmapNotional(ctx, "alice", 4, 300, d(-7))
	_ = r.SetBitmapNotional(ctx, "alice", 4, 100, d(9))
	_ = r.SetBitmapNotional(ctx, "alice", 5, 100, d(1))
	_ = r.SetBitmapNotional(ctx, "alice", 4, 200, d(0))

	ns, err := r.BitmapNotionals(ctx, "alice", 4)
	if err != nil {
		t.Fatalf("BitmapNotionals: %v", err)
	}
	if len(ns) != 2 || ns[0].Maturity != 100 || ns[1].Maturity != 300 || !ns[1].Notional.Equal(d(-7)) {
		t.Errorf("unexpected notionals %+v", ns)
	}
}

func TestSettlementRateWriteOnce(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemoryStore())

	if _, ok, err := r.GetSettlementRate(ctx, 1, 500); ok || err != nil {
		t.Fatalf("expected no rate, got ok=%v err=%v", ok, err)
	}
	rate := model.SettlementRate{CurrencyID: 1, Maturity: 500, Rate: decimal.RequireFromString("0.02"), FixedAt: 600, UnderlyingDecimals: 18}
	if err := r.FixSettlementRate(ctx, rate); err != nil {
		t.Fatalf("FixSettlementRate: %v", err)
	}
	again := rate
	again.Rate = decimal.RequireFromString("0.03")
	if err := r.FixSettlementRate(ctx, again); !errors.Is(err, model.ErrRateReinitialization) {
		t.Fatalf("expected ErrRateReinitialization, got %v", err)
	}
	got, ok, err := r.GetSettlementRate(ctx, 1, 500)
	if err != nil || !ok || !got.Rate.Equal(rate.Rate) || got.FixedAt != 600 {
		t.Errorf("want %+v got %+v", rate, got)
	}
}

func TestBalanceAndMarket(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	r := New(mem)

	bal := model.Balance{CurrencyID: 3, CashBalance: d(-20), TokenBalance: d(30), LastClaimTime: 99}
	if err := r.SetBalance(ctx, "alice", bal); err != nil {
		t.Fatalf("SetBalance: %v", err)
	}
	got, _ := r.GetBalance(ctx, "alice", 3)
	if !got.CashBalance.Equal(bal.CashBalance) || !got.TokenBalance.Equal(bal.TokenBalance) || got.LastClaimTime != 99 {
		t.Errorf("want %+v got %+v", bal, got)
	}
	if err := r.SetBalance(ctx, "alice", model.Balance{CurrencyID: 3, TokenBalance: d(-1)}); !errors.Is(err, model.ErrNotionalOverflow) {
		t.Errorf("negative tokens: expected ErrNotionalOverflow, got %v", err)
	}

	m := model.Market{CurrencyID: 3, Maturity: 700, TotalFCash: d(-5), TotalCash: d(10), TotalLiquidity: d(15)}
	if err := r.SetMarket(ctx, m); err != nil {
		t.Fatalf("SetMarket: %v", err)
	}
	gm, _ := r.GetMarket(ctx, 3, 700)
	if !gm.TotalFCash.Equal(m.TotalFCash) || !gm.TotalLiquidity.Equal(m.TotalLiquidity) || gm.Maturity != 700 {
		t.Errorf("want %+v got %+v", m, gm)
	}
}
