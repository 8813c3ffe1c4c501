package model

import "errors"

// Failure reasons of the ledger. Every one of them aborts the unit of work.
var (
	ErrInvalidCurrencyID        = errors.New("ledger: invalid currency id")
	ErrCapacityExceeded         = errors.New("ledger: capacity exceeded")
	ErrMisalignedMaturity       = errors.New("ledger: maturity not on a bitmap bucket boundary")
	ErrNotionalOverflow         = errors.New("ledger: amount outside fixed-width range")
	ErrNegativeLiquidityBalance = errors.New("ledger: negative liquidity claim balance")
	ErrUnsettledMaturity        = errors.New("ledger: account has unsettled matured positions")
	ErrRateReinitialization     = errors.New("ledger: settlement rate already fixed")
	ErrInsufficientBalance      = errors.New("ledger: insufficient balance")

	ErrInvalidRate      = errors.New("ledger: settlement rate zero or out of range")
	ErrInvalidTimestamp = errors.New("ledger: invalid timestamp")
	ErrBitmapConflict   = errors.New("ledger: conflicts with bitmap currency mode")
	ErrBitmapNotEmpty   = errors.New("ledger: bitmap still holds positions")
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrInvalidCurrencyID, "InvalidCurrencyId"},
	{ErrCapacityExceeded, "CapacityExceeded"},
	{ErrMisalignedMaturity, "MisalignedMaturity"},
	{ErrNotionalOverflow, "NotionalOverflow"},
	{ErrNegativeLiquidityBalance, "NegativeLiquidityBalance"},
	{ErrUnsettledMaturity, "UnsettledMaturity"},
	{ErrRateReinitialization, "RateReinitialization"},
	{ErrInsufficientBalance, "InsufficientBalance"},
	{ErrInvalidRate, "InvalidRate"},
	{ErrInvalidTimestamp, "InvalidTimestamp"},
	{ErrBitmapConflict, "BitmapConflict"},
	{ErrBitmapNotEmpty, "BitmapNotEmpty"},
}

// Reason returns the typed failure reason of err, or "" if err does not wrap
// one of the ledger errors.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ""
}
