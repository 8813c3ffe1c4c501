// Package ledger provides the HTTP handlers for the account ledger: account
// context access, position updates, settlement, bitmap management and
// balances.
//
// Every request runs as one unit of work. Units are serialised by a mutex
// and see a monotonically non-decreasing reference time; a failed unit is
// discarded with no partial effect and reported as a typed failure reason.
package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/account"
	"github.com/atmx/ledger-engine/internal/asset"
	"github.com/atmx/ledger-engine/internal/balance"
	"github.com/atmx/ledger-engine/internal/bitmap"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/oracle"
	"github.com/atmx/ledger-engine/internal/portfolio"
	"github.com/atmx/ledger-engine/internal/settlement"
	"github.com/atmx/ledger-engine/internal/state"
	"github.com/atmx/ledger-engine/internal/store"
)

// errBadRequest marks malformed request input.
var errBadRequest = errors.New("ledger: bad request")

// Options configure a Service. Zero values select defaults.
type Options struct {
	MaxPositions int
	Valuation    oracle.Valuation
	// Rates, when set, can be updated through PUT /rates/{currencyID}.
	Rates *oracle.StaticRates
	Clock func() time.Time
}

// Service handles ledger operations. Uses a mutex so that exactly one unit
// of work runs at a time (single-instance).
type Service struct {
	store  store.Store
	engine *settlement.Engine
	opts   Options
	mu     sync.Mutex
	last   int64
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new ledger service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, engine *settlement.Engine, opts Options, hub *WSHub) *Service {
	if opts.MaxPositions <= 0 {
		opts.MaxPositions = portfolio.DefaultMaxPositions
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Service{
		store:  st,
		engine: engine,
		opts:   opts,
		wsHub:  hub,
	}
}

// Routes mounts the ledger handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/accounts/{account}", s.GetAccount)
	r.Put("/accounts/{account}", s.SetAccount)
	r.Post("/accounts/{account}/positions", s.AddPositions)
	r.Get("/accounts/{account}/settlement", s.ViewSettlement)
	r.Post("/accounts/{account}/settlement", s.Settle)
	r.Get("/accounts/{account}/bitmap/{currencyID}", s.GetBitmap)
	r.Put("/accounts/{account}/bitmap/{currencyID}", s.SetBitmap)
	r.Post("/accounts/{account}/bitmap/{currencyID}/enable", s.EnableBitmap)
	r.Get("/accounts/{account}/balances/{currencyID}", s.GetBalance)
	r.Post("/accounts/{account}/balances/{currencyID}", s.UpdateBalance)
	r.Put("/rates/{currencyID}", s.SetRate)
}

// now returns the reference time of the next unit of work. Callers hold mu.
func (s *Service) now() int64 {
	t := s.opts.Clock().Unix()
	if t < s.last {
		t = s.last
	}
	s.last = t
	return t
}

// unit runs fn as one unit of work and commits it if fn succeeds.
func (s *Service) unit(ctx context.Context, name string, fn func(repo *state.Repository, now int64) error) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	uow := store.Begin(s.store)
	if err := fn(state.New(uow), now); err != nil {
		uow.Discard()
		s.abort(name, uow.ID.String(), err)
		return uow.ID.String(), err
	}
	if err := uow.Commit(ctx); err != nil {
		s.abort(name, uow.ID.String(), err)
		return uow.ID.String(), err
	}
	metrics.UnitsOfWork.WithLabelValues("commit").Inc()
	return uow.ID.String(), nil
}

func (s *Service) abort(name, id string, err error) {
	reason := reasonOf(err)
	metrics.UnitsOfWork.WithLabelValues("abort").Inc()
	metrics.Aborts.WithLabelValues(reason).Inc()
	slog.Warn("unit of work aborted", "op", name, "uow", id, "reason", reason, "err", err)
}

// --- Request/Response types ---

// PositionView is a position with its identifier.
type PositionView struct {
	ID string `json:"id"`
	model.Position
}

// AccountView is the JSON body returned for account queries.
type AccountView struct {
	Account    string               `json:"account"`
	Now        int64                `json:"now"`
	Context    model.AccountContext `json:"context"`
	MustSettle bool                 `json:"must_settle"`
	Positions  []PositionView       `json:"positions"`
}

// PositionRequest is one entry of an add-positions request.
type PositionRequest struct {
	ID       string          `json:"id"` // FCASH-{currency}-{YYYYMMDD} or LP{i}-{currency}-{YYYYMMDD}
	Notional decimal.Decimal `json:"notional"`
}

// AddPositionsRequest is the JSON body for POST /accounts/{account}/positions.
type AddPositionsRequest struct {
	Positions []PositionRequest `json:"positions"`
}

// BitmapView is the JSON body returned for bitmap queries.
type BitmapView struct {
	Account       string           `json:"account"`
	CurrencyID    model.CurrencyID `json:"currency_id"`
	Bitmap        string           `json:"bitmap"`
	BitsSet       int              `json:"bits_set"`
	ReferenceTime int64            `json:"reference_time"`
	Positions     []PositionView   `json:"positions"`
	PresentValue  *decimal.Decimal `json:"present_value,omitempty"`
	Withholdings  *decimal.Decimal `json:"withholdings,omitempty"`
}

// SetBitmapRequest is the JSON body for PUT /accounts/{account}/bitmap/{currencyID}.
type SetBitmapRequest struct {
	Bitmap string `json:"bitmap"` // 64 hex characters, bit 1 first
}

// BalanceRequest is the JSON body for POST /accounts/{account}/balances/{currencyID}.
type BalanceRequest struct {
	CashChange  decimal.Decimal `json:"cash_change"`
	TokenChange decimal.Decimal `json:"token_change"`

	// CashWithdrawal is taken from positive cash only and never borrows.
	CashWithdrawal decimal.Decimal `json:"cash_withdrawal"`
}

// BalanceView is the JSON body returned for balance operations.
type BalanceView struct {
	Account string               `json:"account"`
	Balance model.Balance        `json:"balance"`
	Context model.AccountContext `json:"context"`
}

// RateRequest is the JSON body for PUT /rates/{currencyID}.
type RateRequest struct {
	Rate decimal.Decimal `json:"rate"`
}

// --- HTTP Handlers ---

// GetAccount handles GET /api/v1/accounts/{account}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct := chi.URLParam(r, "account")

	var view *AccountView
	_, err := s.unit(r.Context(), "get_account", func(repo *state.Repository, now int64) error {
		var err error
		view, err = s.accountView(r.Context(), repo, acct, now)
		return err
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// SetAccount handles PUT /api/v1/accounts/{account}
// Replaces the stored account context after structural validation.
func (s *Service) SetAccount(w http.ResponseWriter, r *http.Request) {
	acct := chi.URLParam(r, "account")
	var actx model.AccountContext
	if err := json.NewDecoder(r.Body).Decode(&actx); err != nil {
		writeError(w, "BadRequest", "invalid request body", http.StatusBadRequest)
		return
	}

	var view *AccountView
	_, err := s.unit(r.Context(), "set_account", func(repo *state.Repository, now int64) error {
		if err := account.Validate(&actx); err != nil {
			return err
		}
		if err := repo.SetAccountContext(r.Context(), acct, actx); err != nil {
			return err
		}
		var err error
		view, err = s.accountView(r.Context(), repo, acct, now)
		return err
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	slog.Info("account context replaced", "account", acct)
	writeJSON(w, http.StatusOK, view)
}

// AddPositions handles POST /api/v1/accounts/{account}/positions
// Adds notional to array or bitmap positions. Fails with UnsettledMaturity
// if the account must be settled first.
func (s *Service) AddPositions(w http.ResponseWriter, r *http.Request) {
	acct := chi.URLParam(r, "account")
	var req AddPositionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "BadRequest", "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Positions) == 0 {
		writeError(w, "BadRequest", "positions are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var view *AccountView
	id, err := s.unit(ctx, "add_positions", func(repo *state.Repository, now int64) error {
		actx, err := repo.GetAccountContext(ctx, acct)
		if err != nil {
			return err
		}
		if err := account.RequireSettled(&actx, now); err != nil {
			return err
		}

		if actx.BitmapCurrencyID != 0 {
			err = s.addBitmapPositions(ctx, repo, acct, &actx, req.Positions, now)
		} else {
			err = s.addArrayPositions(ctx, repo, acct, &actx, req.Positions, now)
		}
		if err != nil {
			return err
		}
		if err := repo.SetAccountContext(ctx, acct, actx); err != nil {
			return err
		}
		view, err = s.accountView(ctx, repo, acct, now)
		return err
	})
	if err != nil {
		writeFailure(w, err)
		return
	}

	slog.Info("positions updated",
		"account", acct,
		"uow", id,
		"count", len(req.Positions),
		"next_settle_time", view.Context.NextSettleTime,
	)
	s.broadcast(Event{
		Type:           "positions_updated",
		Account:        acct,
		UnitOfWork:     id,
		NextSettleTime: view.Context.NextSettleTime,
	})
	writeJSON(w, http.StatusOK, view)
}

func (s *Service) addArrayPositions(ctx context.Context, repo *state.Repository, acct string, actx *model.AccountContext, reqs []PositionRequest, now int64) error {
	ws, err := portfolio.Build(ctx, repo, acct, s.opts.MaxPositions)
	if err != nil {
		return err
	}
	for _, p := range reqs {
		id, err := parsePosition(p, now)
		if err != nil {
			return err
		}
		if err := ws.AddOrUpdate(id.CurrencyID, id.AssetType, id.Maturity, p.Notional, false); err != nil {
			return fmt.Errorf("%s: %w", id.Raw, err)
		}
	}
	return portfolio.StoreAndFinalize(ctx, repo, acct, ws, actx, portfolio.Options{})
}

func (s *Service) addBitmapPositions(ctx context.Context, repo *state.Repository, acct string, actx *model.AccountContext, reqs []PositionRequest, now int64) error {
	h := bitmap.NewHandler(repo, s.opts.Valuation)
	for _, p := range reqs {
		id, err := parsePosition(p, now)
		if err != nil {
			return err
		}
		if id.CurrencyID != actx.BitmapCurrencyID || id.AssetType.IsLiquidity() {
			return fmt.Errorf("%w: %s on bitmap currency %d", model.ErrBitmapConflict, id.Raw, actx.BitmapCurrencyID)
		}
		if _, err := h.AddToAccount(ctx, acct, actx, id.Maturity, p.Notional); err != nil {
			return fmt.Errorf("%s: %w", id.Raw, err)
		}
	}
	return h.RefreshDebt(ctx, acct, actx)
}

func parsePosition(p PositionRequest, now int64) (*asset.ID, error) {
	id, err := asset.Parse(p.ID)
	if err != nil {
		return nil, err
	}
	if id.Maturity <= now {
		return nil, fmt.Errorf("%w: %s has matured", model.ErrInvalidTimestamp, id.Raw)
	}
	return id, nil
}

// ViewSettlement handles GET /api/v1/accounts/{account}/settlement
// Returns what a settlement would do now without persisting it.
func (s *Service) ViewSettlement(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, settlement.View)
}

// Settle handles POST /api/v1/accounts/{account}/settlement
func (s *Service) Settle(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, settlement.Stateful)
}

func (s *Service) settle(w http.ResponseWriter, r *http.Request, mode settlement.Mode) {
	acct := chi.URLParam(r, "account")

	s.mu.Lock()
	now := s.now()
	res, err := s.engine.SettleIfDue(r.Context(), s.store, acct, now, mode)
	s.mu.Unlock()
	if err != nil {
		metrics.Aborts.WithLabelValues(reasonOf(err)).Inc()
		writeFailure(w, err)
		return
	}

	if mode == settlement.Stateful && res.Due {
		deltas := make(map[string]string, len(res.CashDeltas))
		for c, v := range res.CashDeltas {
			deltas[strconv.Itoa(int(c))] = v.String()
		}
		s.broadcast(Event{
			Type:           "account_settled",
			Account:        acct,
			Settled:        len(res.Settled),
			CashDeltas:     deltas,
			NextSettleTime: res.Context.NextSettleTime,
		})
	}
	writeJSON(w, http.StatusOK, res)
}

// GetBitmap handles GET /api/v1/accounts/{account}/bitmap/{currencyID}
func (s *Service) GetBitmap(w http.ResponseWriter, r *http.Request) {
	acct := chi.URLParam(r, "account")
	currency, err := currencyParam(r)
	if err != nil {
		writeFailure(w, err)
		return
	}

	ctx := r.Context()
	var view *BitmapView
	_, err = s.unit(ctx, "get_bitmap", func(repo *state.Repository, now int64) error {
		actx, err := repo.GetAccountContext(ctx, acct)
		if err != nil {
			return err
		}
		bm, err := repo.GetAssetsBitmap(ctx, acct, currency)
		if err != nil {
			return err
		}
		ref := actx.NextSettleTime
		h := bitmap.NewHandler(repo, s.opts.Valuation)
		positions, err := h.Positions(ctx, acct, currency, ref)
		if err != nil {
			return err
		}
		view = &BitmapView{
			Account:       acct,
			CurrencyID:    currency,
			Bitmap:        hex.EncodeToString(bm[:]),
			BitsSet:       bm.TotalBitsSet(),
			ReferenceTime: ref,
			Positions:     positionViews(positions),
		}
		if s.opts.Valuation != nil && !bm.IsZero() {
			pv, err := h.PresentValue(ctx, acct, currency, ref, now)
			if err != nil {
				return err
			}
			wh, err := h.Withholdings(ctx, acct, currency, ref, now)
			if err != nil {
				return err
			}
			view.PresentValue, view.Withholdings = &pv, &wh
		}
		return nil
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// SetBitmap handles PUT /api/v1/accounts/{account}/bitmap/{currencyID}
// Replaces the raw bitmap of the account's bitmap currency. The set bits
// must match the stored per-maturity notionals.
func (s *Service) SetBitmap(w http.ResponseWriter, r *http.Request) {
	acct := chi.URLParam(r, "account")
	currency, err := currencyParam(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	var req SetBitmapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "BadRequest", "invalid request body", http.StatusBadRequest)
		return
	}
	raw, err := hex.DecodeString(req.Bitmap)
	if err != nil || len(raw) != len(bitmap.Bitmap{}) {
		writeError(w, "BadRequest", "bitmap must be 64 hex characters", http.StatusBadRequest)
		return
	}
	var bm bitmap.Bitmap
	copy(bm[:], raw)

	ctx := r.Context()
	_, err = s.unit(ctx, "set_bitmap", func(repo *state.Repository, now int64) error {
		actx, err := repo.GetAccountContext(ctx, acct)
		if err != nil {
			return err
		}
		if err := account.RequireSettled(&actx, now); err != nil {
			return err
		}
		if actx.BitmapCurrencyID != currency {
			return fmt.Errorf("%w: currency %d is not the bitmap currency", model.ErrBitmapConflict, currency)
		}
		if err := matchNotionals(ctx, repo, acct, currency, actx.NextSettleTime, bm); err != nil {
			return err
		}
		return repo.SetAssetsBitmap(ctx, acct, currency, bm)
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": acct, "bitmap": req.Bitmap})
}

// matchNotionals checks that the set bits of bm are exactly the maturities
// holding a stored notional.
func matchNotionals(ctx context.Context, repo *state.Repository, acct string, currency model.CurrencyID, ref int64, bm bitmap.Bitmap) error {
	maturities, err := bm.Maturities(ref)
	if err != nil {
		return err
	}
	notionals, err := repo.BitmapNotionals(ctx, acct, currency)
	if err != nil {
		return err
	}
	if len(maturities) != len(notionals) {
		return fmt.Errorf("%w: %d set bits, %d stored notionals", model.ErrBitmapConflict, len(maturities), len(notionals))
	}
	for i, m := range maturities {
		if notionals[i].Maturity != m {
			return fmt.Errorf("%w: bit for maturity %d has no stored notional", model.ErrBitmapConflict, m)
		}
	}
	return nil
}

// EnableBitmap handles POST /api/v1/accounts/{account}/bitmap/{currencyID}/enable
// A currency id of 0 switches bitmap mode off.
func (s *Service) EnableBitmap(w http.ResponseWriter, r *http.Request) {
	acct := chi.URLParam(r, "account")
	n, err := strconv.ParseUint(chi.URLParam(r, "currencyID"), 10, 16)
	if err != nil {
		writeFailure(w, fmt.Errorf("%w: %v", model.ErrInvalidCurrencyID, err))
		return
	}
	currency := model.CurrencyID(n)

	ctx := r.Context()
	var view *AccountView
	_, err = s.unit(ctx, "enable_bitmap", func(repo *state.Repository, now int64) error {
		actx, err := repo.GetAccountContext(ctx, acct)
		if err != nil {
			return err
		}
		if err := account.RequireSettled(&actx, now); err != nil {
			return err
		}
		empty := true
		if actx.BitmapCurrencyID != 0 {
			bm, err := repo.GetAssetsBitmap(ctx, acct, actx.BitmapCurrencyID)
			if err != nil {
				return err
			}
			empty = bm.IsZero()
		}
		if err := account.EnableBitmap(&actx, currency, now, empty); err != nil {
			return err
		}
		if err := repo.SetAccountContext(ctx, acct, actx); err != nil {
			return err
		}
		view, err = s.accountView(ctx, repo, acct, now)
		return err
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	slog.Info("bitmap currency set", "account", acct, "currency", currency)
	writeJSON(w, http.StatusOK, view)
}

// GetBalance handles GET /api/v1/accounts/{account}/balances/{currencyID}
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	acct := chi.URLParam(r, "account")
	currency, err := currencyParam(r)
	if err != nil {
		writeFailure(w, err)
		return
	}

	ctx := r.Context()
	var view *BalanceView
	_, err = s.unit(ctx, "get_balance", func(repo *state.Repository, _ int64) error {
		actx, err := repo.GetAccountContext(ctx, acct)
		if err != nil {
			return err
		}
		bs, err := balance.BuildOrLoad(ctx, repo, acct, currency, &actx)
		if err != nil {
			return err
		}
		view = &BalanceView{Account: acct, Balance: bs.Balance, Context: actx}
		return nil
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// UpdateBalance handles POST /api/v1/accounts/{account}/balances/{currencyID}
// Applies a net cash and token change plus an optional cash withdrawal.
// Withdrawals beyond the held balance fail with InsufficientBalance.
func (s *Service) UpdateBalance(w http.ResponseWriter, r *http.Request) {
	acct := chi.URLParam(r, "account")
	currency, err := currencyParam(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	var req BalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "BadRequest", "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var view *BalanceView
	id, err := s.unit(ctx, "update_balance", func(repo *state.Repository, now int64) error {
		actx, err := repo.GetAccountContext(ctx, acct)
		if err != nil {
			return err
		}
		if err := account.RequireSettled(&actx, now); err != nil {
			return err
		}
		bs, err := balance.BuildOrLoad(ctx, repo, acct, currency, &actx)
		if err != nil {
			return err
		}
		bs.AddCash(req.CashChange)
		if req.CashWithdrawal.IsNegative() {
			return fmt.Errorf("%w: negative cash withdrawal %s", errBadRequest, req.CashWithdrawal)
		}
		if !req.CashWithdrawal.IsZero() {
			if err := bs.WithdrawCash(req.CashWithdrawal); err != nil {
				return err
			}
		}
		if req.TokenChange.IsNegative() {
			err = bs.WithdrawTokens(req.TokenChange.Neg())
		} else {
			err = bs.AddTokens(req.TokenChange)
		}
		if err != nil {
			return err
		}
		if err := balance.Finalize(ctx, repo, acct, bs, &actx, now); err != nil {
			return err
		}
		if err := repo.SetAccountContext(ctx, acct, actx); err != nil {
			return err
		}
		view = &BalanceView{Account: acct, Balance: bs.Balance, Context: actx}
		return nil
	})
	if err != nil {
		writeFailure(w, err)
		return
	}

	slog.Info("balance updated",
		"account", acct,
		"uow", id,
		"currency", currency,
		"cash_change", req.CashChange.String(),
		"token_change", req.TokenChange.String(),
	)
	s.broadcast(Event{Type: "balance_updated", Account: acct, UnitOfWork: id, CurrencyID: uint16(currency)})
	writeJSON(w, http.StatusOK, view)
}

// SetRate handles PUT /api/v1/rates/{currencyID}
// Sets the live exchange rate of the static oracle.
func (s *Service) SetRate(w http.ResponseWriter, r *http.Request) {
	if s.opts.Rates == nil {
		writeError(w, "NotFound", "rate oracle is not settable", http.StatusNotFound)
		return
	}
	currency, err := currencyParam(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	var req RateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "BadRequest", "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.opts.Rates.Set(currency, req.Rate); err != nil {
		writeFailure(w, err)
		return
	}
	slog.Info("oracle rate set", "currency", currency, "rate", req.Rate.String())
	writeJSON(w, http.StatusOK, map[string]any{"currency_id": currency, "rate": req.Rate})
}

// --- helpers ---

func (s *Service) accountView(ctx context.Context, repo *state.Repository, acct string, now int64) (*AccountView, error) {
	actx, err := repo.GetAccountContext(ctx, acct)
	if err != nil {
		return nil, err
	}
	var positions []model.Position
	if actx.BitmapCurrencyID != 0 {
		h := bitmap.NewHandler(repo, s.opts.Valuation)
		positions, err = h.Positions(ctx, acct, actx.BitmapCurrencyID, actx.NextSettleTime)
	} else {
		positions, err = repo.GetPositions(ctx, acct)
	}
	if err != nil {
		return nil, err
	}
	return &AccountView{
		Account:    acct,
		Now:        now,
		Context:    actx,
		MustSettle: account.MustSettle(&actx, now),
		Positions:  positionViews(positions),
	}, nil
}

func positionViews(ps []model.Position) []PositionView {
	out := make([]PositionView, len(ps))
	for i, p := range ps {
		out[i] = PositionView{ID: asset.Format(p.CurrencyID, p.AssetType, p.Maturity), Position: p}
	}
	return out
}

func currencyParam(r *http.Request) (model.CurrencyID, error) {
	n, err := strconv.ParseUint(chi.URLParam(r, "currencyID"), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrInvalidCurrencyID, err)
	}
	id := model.CurrencyID(n)
	if err := model.ValidateCurrencyID(id); err != nil {
		return 0, err
	}
	return id, nil
}

func reasonOf(err error) string {
	if reason := model.Reason(err); reason != "" {
		return reason
	}
	return "Internal"
}

func (s *Service) broadcast(ev Event) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(ev)
	}
}

// statusFor maps a failure to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidCurrencyID),
		errors.Is(err, model.ErrMisalignedMaturity),
		errors.Is(err, model.ErrInvalidTimestamp),
		errors.Is(err, model.ErrInvalidRate),
		errors.Is(err, asset.ErrInvalidID),
		errors.Is(err, errBadRequest),
		errors.Is(err, account.ErrInvalidContext):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrUnsettledMaturity),
		errors.Is(err, model.ErrRateReinitialization),
		errors.Is(err, model.ErrBitmapConflict),
		errors.Is(err, model.ErrBitmapNotEmpty):
		return http.StatusConflict
	case errors.Is(err, model.ErrCapacityExceeded),
		errors.Is(err, model.ErrNotionalOverflow),
		errors.Is(err, model.ErrNegativeLiquidityBalance),
		errors.Is(err, model.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, oracle.ErrNoRate):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeFailure writes the typed failure reason of err.
func writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	reason := model.Reason(err)
	switch {
	case reason != "":
	case status == http.StatusBadRequest:
		reason = "BadRequest"
	case status == http.StatusServiceUnavailable:
		reason = "OracleUnavailable"
	default:
		reason = "Internal"
	}
	detail := err.Error()
	if status == http.StatusInternalServerError {
		detail = "internal error"
	}
	writeError(w, reason, detail, status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, reason, detail string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": reason, "detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
