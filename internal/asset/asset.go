// Package asset handles position identifier parsing and formatting for the
// HTTP surface.
package asset

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/atmx/ledger-engine/internal/model"
)

// idRegex matches: {FCASH|LP{i}}-{currencyID}-{YYYYMMDD}
// Example: FCASH-1-20250815, LP3-2-20251113
var idRegex = regexp.MustCompile(
	`^(FCASH|LP([1-7]))-([0-9]{1,5})-(\d{8})$`,
)

const dateLayout = "20060102"

var ErrInvalidID = errors.New("asset: invalid identifier format")

// ID is a parsed position identifier.
type ID struct {
	Raw        string           `json:"id"`
	CurrencyID model.CurrencyID `json:"currency_id"`
	AssetType  model.AssetType  `json:"asset_type"`
	Maturity   int64            `json:"maturity"`
}

// Parse parses and validates a position identifier. Maturities are
// midnight UTC of the given date.
func Parse(id string) (*ID, error) {
	matches := idRegex.FindStringSubmatch(id)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected FCASH-{currency}-{YYYYMMDD} or LP{i}-{currency}-{YYYYMMDD})",
			ErrInvalidID, id)
	}

	kind := matches[1]
	marketIndex := matches[2]
	currencyStr := matches[3]
	dateStr := matches[4]

	asset := model.FCash()
	if kind != "FCASH" {
		i, _ := strconv.Atoi(marketIndex)
		asset = model.LiquidityToken(uint8(i))
	}

	cur, err := strconv.ParseUint(currencyStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidCurrencyID, err)
	}
	if err := model.ValidateCurrencyID(model.CurrencyID(cur)); err != nil {
		return nil, err
	}

	maturity, err := time.Parse(dateLayout, dateStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidID, dateStr)
	}

	return &ID{
		Raw:        id,
		CurrencyID: model.CurrencyID(cur),
		AssetType:  asset,
		Maturity:   maturity.Unix(),
	}, nil
}

// Format returns the identifier of a position. The time of day of the
// maturity is dropped.
func Format(currency model.CurrencyID, asset model.AssetType, maturity int64) string {
	date := time.Unix(maturity, 0).UTC().Format(dateLayout)
	return fmt.Sprintf("%s-%d-%s", asset, currency, date)
}
