// Package datetime maps maturities onto the bit positions of the
// idiosyncratic position bitmap and computes settlement dates.
//
// All times are unix seconds. The bitmap has four sections measured from a
// day-aligned reference time:
//
//	bits   1..90   one bit per day
//	bits  91..135  one bit per 6-day week
//	bits 136..195  one bit per 30-day month
//	bits 196..256  one bit per 90-day quarter
//
// Week, month and quarter bits sit on the absolute 6, 30 and 90 day grids
// counted from the unix epoch, so a maturity that is valid for one
// reference time remains valid for any later one.
package datetime

import (
	"fmt"

	"github.com/atmx/ledger-engine/internal/model"
)

const (
	Day     int64 = 86400
	Week          = 6 * Day
	Month         = 30 * Day
	Quarter       = 90 * Day
	Year          = 360 * Day
)

// Section limits, in days from the reference time.
const (
	MaxDayOffset     int64 = 90
	MaxWeekOffset    int64 = 360
	MaxMonthOffset   int64 = 2160
	MaxQuarterOffset int64 = 7650
)

// First bit number of each section minus one.
const (
	WeekBitOffset    = 90
	MonthBitOffset   = 135
	QuarterBitOffset = 195
	TotalBits        = 256
)

// TimeUTC0 truncates t to the start of its day.
func TimeUTC0(t int64) int64 {
	return t - t%Day
}

// BitNumFromMaturity returns the bit that represents maturity relative to
// ref. exact is false when maturity falls between two bits of a coarse
// section, in which case bitNum is the closest bit at or before maturity.
func BitNumFromMaturity(ref, maturity int64) (bitNum int, exact bool, err error) {
	if maturity%Day != 0 {
		return 0, false, fmt.Errorf("%w: %d is not day aligned", model.ErrMisalignedMaturity, maturity)
	}
	ref0 := TimeUTC0(ref)
	if maturity <= ref0 {
		return 0, false, fmt.Errorf("%w: %d is not after reference %d", model.ErrMisalignedMaturity, maturity, ref0)
	}

	days := (maturity - ref0) / Day
	switch {
	case days <= MaxDayOffset:
		return int(days), true, nil
	case days <= MaxWeekOffset:
		offset := days - MaxDayOffset + (ref0%Week)/Day
		return WeekBitOffset + int(offset/6), offset%6 == 0, nil
	case days <= MaxMonthOffset:
		offset := days - MaxWeekOffset + (ref0%Month)/Day
		return MonthBitOffset + int(offset/30), offset%30 == 0, nil
	case days <= MaxQuarterOffset:
		offset := days - MaxMonthOffset + (ref0%Quarter)/Day
		return QuarterBitOffset + int(offset/90), offset%90 == 0, nil
	}
	return 0, false, fmt.Errorf("%w: %d is beyond the last bitmap section", model.ErrMisalignedMaturity, maturity)
}

// MaturityFromBitNum is the inverse of BitNumFromMaturity for exact bits.
func MaturityFromBitNum(ref int64, bitNum int) (int64, error) {
	if bitNum < 1 || bitNum > TotalBits {
		return 0, fmt.Errorf("datetime: bit number %d out of range", bitNum)
	}
	ref0 := TimeUTC0(ref)

	switch {
	case bitNum <= WeekBitOffset:
		return ref0 + int64(bitNum)*Day, nil
	case bitNum <= MonthBitOffset:
		first := ref0 + MaxDayOffset*Day - ref0%Week
		return first + int64(bitNum-WeekBitOffset)*Week, nil
	case bitNum <= QuarterBitOffset:
		first := ref0 + MaxWeekOffset*Day - ref0%Month
		return first + int64(bitNum-MonthBitOffset)*Month, nil
	default:
		first := ref0 + MaxMonthOffset*Day - ref0%Quarter
		return first + int64(bitNum-QuarterBitOffset)*Quarter, nil
	}
}

// ReferenceTime returns the start of the quarter containing t.
func ReferenceTime(t int64) int64 {
	return t - t%Quarter
}

// MarketTenor returns the length of the market with the given index.
func MarketTenor(marketIndex uint8) (int64, error) {
	switch marketIndex {
	case 1:
		return Quarter, nil
	case 2:
		return 2 * Quarter, nil
	case 3:
		return Year, nil
	case 4:
		return 2 * Year, nil
	case 5:
		return 5 * Year, nil
	case 6:
		return 10 * Year, nil
	case 7:
		return 20 * Year, nil
	}
	return 0, fmt.Errorf("datetime: invalid market index %d", marketIndex)
}

// SettlementDate returns the time at which a position must be settled.
// Fixed-maturity claims settle at maturity; liquidity claims settle at the
// first quarterly roll after their market was listed.
func SettlementDate(asset model.AssetType, maturity int64) (int64, error) {
	switch asset.Kind {
	case model.FixedMaturity:
		return maturity, nil
	case model.Liquidity:
		tenor, err := MarketTenor(asset.MarketIndex)
		if err != nil {
			return 0, err
		}
		return ReferenceTime(maturity) - tenor + Quarter, nil
	}
	return 0, fmt.Errorf("datetime: unknown asset kind %d", asset.Kind)
}
