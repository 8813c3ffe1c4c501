// Package balance implements the per-account, per-currency balance ledger.
// A State accumulates net cash and token changes during a unit of work and
// Finalize writes them back once, keeping the active currency index and the
// cash debt flag in step with the stored balances.
package balance

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/account"
	"github.com/atmx/ledger-engine/internal/model"
)

// Repository persists balance records. Writing an all-zero balance
// deletes the record.
type Repository interface {
	GetBalance(ctx context.Context, account string, currency model.CurrencyID) (model.Balance, error)
	SetBalance(ctx context.Context, account string, b model.Balance) error
}

// State is the working copy of one balance.
type State struct {
	model.Balance
	NetCashChange  decimal.Decimal `json:"net_cash_change"`
	NetTokenChange decimal.Decimal `json:"net_token_change"`
}

// BuildOrLoad returns the working balance of (acct, currency). The stored
// record is only read when the currency is active in balances; otherwise
// a zeroed record is returned.
func BuildOrLoad(ctx context.Context, repo Repository, acct string, currency model.CurrencyID, actx *model.AccountContext) (*State, error) {
	if err := model.ValidateCurrencyID(currency); err != nil {
		return nil, err
	}
	s := &State{Balance: model.Balance{CurrencyID: currency}}
	if !account.IsActive(actx, currency, model.ActiveInBalances) {
		return s, nil
	}
	b, err := repo.GetBalance(ctx, acct, currency)
	if err != nil {
		return nil, fmt.Errorf("load balance of %s in %d: %w", acct, currency, err)
	}
	b.CurrencyID = currency
	s.Balance = b
	return s, nil
}

// Cash returns the cash balance including pending changes.
func (s *State) Cash() decimal.Decimal { return s.CashBalance.Add(s.NetCashChange) }

// Tokens returns the token balance including pending changes.
func (s *State) Tokens() decimal.Decimal { return s.TokenBalance.Add(s.NetTokenChange) }

// AddCash accumulates a signed cash change. Cash may go negative.
func (s *State) AddCash(delta decimal.Decimal) {
	s.NetCashChange = s.NetCashChange.Add(delta)
}

// AddTokens accumulates a signed token change. The token balance may never
// go negative.
func (s *State) AddTokens(delta decimal.Decimal) error {
	if s.Tokens().Add(delta).IsNegative() {
		return fmt.Errorf("%w: %s tokens held, change %s", model.ErrInsufficientBalance, s.Tokens(), delta)
	}
	s.NetTokenChange = s.NetTokenChange.Add(delta)
	return nil
}

// WithdrawTokens removes amount tokens.
func (s *State) WithdrawTokens(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("balance: negative withdrawal %s", amount)
	}
	return s.AddTokens(amount.Neg())
}

// WithdrawCash removes amount of positive cash. It cannot be used to
// borrow.
func (s *State) WithdrawCash(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("balance: negative withdrawal %s", amount)
	}
	if s.Cash().LessThan(amount) {
		return fmt.Errorf("%w: %s cash held, withdrawal %s", model.ErrInsufficientBalance, s.Cash(), amount)
	}
	s.AddCash(amount.Neg())
	return nil
}

// Finalize applies the pending changes, updates the active currency index
// and the cash debt flag of actx and persists the balance. now stamps the
// last claim time when the token balance changed. On error neither actx
// nor the stored record is changed.
func Finalize(ctx context.Context, repo Repository, acct string, s *State, actx *model.AccountContext, now int64) error {
	cash := s.Cash()
	tokens := s.Tokens()
	if err := model.CheckInt88(cash); err != nil {
		return fmt.Errorf("cash balance of %s in %d: %w", acct, s.CurrencyID, err)
	}
	if tokens.IsNegative() {
		return fmt.Errorf("%w: token balance %s", model.ErrInsufficientBalance, tokens)
	}
	if err := model.CheckUint80(tokens); err != nil {
		return fmt.Errorf("token balance of %s in %d: %w", acct, s.CurrencyID, err)
	}

	next := *actx
	active := !cash.IsZero() || !tokens.IsZero()
	if err := account.SetActive(&next, s.CurrencyID, active, model.ActiveInBalances); err != nil {
		return err
	}
	if cash.IsNegative() {
		account.SetCashDebt(&next)
	}

	b := model.Balance{CurrencyID: s.CurrencyID}
	if active {
		b.CashBalance = cash
		b.TokenBalance = tokens
		b.LastClaimTime = s.LastClaimTime
		if !s.NetTokenChange.IsZero() {
			b.LastClaimTime = now
		}
	}
	if err := repo.SetBalance(ctx, acct, b); err != nil {
		return fmt.Errorf("store balance of %s in %d: %w", acct, s.CurrencyID, err)
	}

	s.Balance = b
	s.NetCashChange = decimal.Zero
	s.NetTokenChange = decimal.Zero
	*actx = next
	return nil
}
