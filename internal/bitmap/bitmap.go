// Package bitmap implements the idiosyncratic position bitmap: a 256-bit
// vector per (account, currency) whose set bits mark the maturities held,
// with the notional of each maturity kept in a separate record keyed by the
// absolute maturity. Bit 1 is the most significant bit of the first byte.
package bitmap

import (
	"fmt"
	"math/bits"

	"github.com/atmx/ledger-engine/internal/datetime"
	"github.com/atmx/ledger-engine/internal/model"
)

// Bitmap is the 256-bit position vector.
type Bitmap [datetime.TotalBits / 8]byte

func checkBit(bitNum int) {
	if bitNum < 1 || bitNum > datetime.TotalBits {
		panic(fmt.Sprintf("bitmap: bit number %d out of range", bitNum))
	}
}

// GetBit reports whether bitNum (1..256) is set.
func (b Bitmap) GetBit(bitNum int) bool {
	checkBit(bitNum)
	i := bitNum - 1
	return b[i/8]&(0x80>>(i%8)) != 0
}

// SetBit returns a copy of b with bitNum set or cleared.
func (b Bitmap) SetBit(bitNum int, on bool) Bitmap {
	checkBit(bitNum)
	i := bitNum - 1
	if on {
		b[i/8] |= 0x80 >> (i % 8)
	} else {
		b[i/8] &^= 0x80 >> (i % 8)
	}
	return b
}

// NextBitNum returns the first set bit at or after from, or 0 if none.
func (b Bitmap) NextBitNum(from int) int {
	if from < 1 {
		from = 1
	}
	for i := from - 1; i < datetime.TotalBits; {
		byteIdx, off := i/8, i%8
		masked := b[byteIdx] << off
		if masked != 0 {
			return i + bits.LeadingZeros8(masked) + 1
		}
		i += 8 - off
	}
	return 0
}

// TotalBitsSet returns the population count.
func (b Bitmap) TotalBitsSet() int {
	n := 0
	for _, x := range b {
		n += bits.OnesCount8(x)
	}
	return n
}

// IsZero reports whether no bit is set.
func (b Bitmap) IsZero() bool {
	return b == Bitmap{}
}

// Maturities returns the maturity of every set bit relative to ref, in
// ascending order.
func (b Bitmap) Maturities(ref int64) ([]int64, error) {
	var out []int64
	for bit := b.NextBitNum(1); bit != 0; bit = b.NextBitNum(bit + 1) {
		m, err := datetime.MaturityFromBitNum(ref, bit)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Remap moves b from reference time oldRef to the later reference time
// newRef. Bits whose maturities are at or before the start of newRef's
// day are dropped and their maturities returned as settled; every other
// bit is moved to the bit that represents the same maturity under newRef.
func Remap(b Bitmap, oldRef, newRef int64) (settled []int64, remapped Bitmap, err error) {
	oldRef0, newRef0 := datetime.TimeUTC0(oldRef), datetime.TimeUTC0(newRef)
	if newRef0 < oldRef0 {
		return nil, b, fmt.Errorf("bitmap: reference time moved backwards from %d to %d", oldRef0, newRef0)
	}
	if newRef0 == oldRef0 {
		return nil, b, nil
	}

	lastSettleBit := datetime.TotalBits
	if newRef0-oldRef0 <= datetime.MaxQuarterOffset*datetime.Day {
		lastSettleBit, _, err = datetime.BitNumFromMaturity(oldRef0, newRef0)
		if err != nil {
			return nil, b, err
		}
	}

	for bit := b.NextBitNum(1); bit != 0; bit = b.NextBitNum(bit + 1) {
		maturity, err := datetime.MaturityFromBitNum(oldRef0, bit)
		if err != nil {
			return nil, b, err
		}
		if bit <= lastSettleBit {
			settled = append(settled, maturity)
			continue
		}
		newBit, exact, err := datetime.BitNumFromMaturity(newRef0, maturity)
		if err != nil {
			return nil, b, err
		}
		if !exact {
			return nil, b, fmt.Errorf("%w: %d after remap to %d", model.ErrMisalignedMaturity, maturity, newRef0)
		}
		remapped = remapped.SetBit(newBit, true)
	}
	return settled, remapped, nil
}
