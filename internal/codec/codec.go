// Package codec packs ledger records into 256-bit storage words.
//
// A Word is addressed through named Fields (offset and width in bits, bit 0
// being the least significant). Unsigned fields hold plain binary values,
// signed fields hold two's complement values of exactly Width bits. All
// packing and unpacking of persisted records goes through this package so
// that business logic never shifts or masks by hand.
package codec

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// WordBits is the width of a storage word.
const WordBits = 256

// WordBytes is the serialised size of a storage word.
const WordBytes = WordBits / 8

var (
	// ErrFieldOverflow is returned when a value does not fit its field.
	ErrFieldOverflow = errors.New("codec: value does not fit field")

	// ErrInvalidLength is returned when decoding a buffer of the wrong size.
	ErrInvalidLength = errors.New("codec: invalid encoded length")
)

// Field is a contiguous bit range of a Word.
type Field struct {
	Offset uint
	Width  uint
}

func (f Field) mask() *big.Int {
	return new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), f.Width), big.NewInt(1))
}

func (f Field) valid() bool {
	return f.Width > 0 && f.Offset+f.Width <= WordBits
}

// Word is a 256-bit big-endian storage word.
type Word [WordBytes]byte

// WordFromBytes decodes exactly WordBytes bytes.
func WordFromBytes(b []byte) (Word, error) {
	var w Word
	if len(b) != WordBytes {
		return w, fmt.Errorf("%w: %d", ErrInvalidLength, len(b))
	}
	copy(w[:], b)
	return w, nil
}

// Bytes returns a copy of the word's bytes.
func (w Word) Bytes() []byte {
	out := make([]byte, WordBytes)
	copy(out, w[:])
	return out
}

// IsZero reports whether every bit is clear.
func (w Word) IsZero() bool {
	return w == Word{}
}

func (w Word) big() *big.Int {
	return new(big.Int).SetBytes(w[:])
}

func fromBig(b *big.Int) Word {
	var w Word
	b.FillBytes(w[:])
	return w
}

// Uint returns the unsigned value of f.
func (w Word) Uint(f Field) *big.Int {
	if !f.valid() {
		panic(fmt.Sprintf("codec: invalid field %+v", f))
	}
	v := new(big.Int).Rsh(w.big(), f.Offset)
	return v.And(v, f.mask())
}

// SetUint returns a copy of w with f set to v.
func (w Word) SetUint(f Field, v *big.Int) (Word, error) {
	if !f.valid() {
		panic(fmt.Sprintf("codec: invalid field %+v", f))
	}
	if v.Sign() < 0 || uint(v.BitLen()) > f.Width {
		return w, fmt.Errorf("%w: %s in %d bits", ErrFieldOverflow, v, f.Width)
	}
	b := w.big()
	b.AndNot(b, new(big.Int).Lsh(f.mask(), f.Offset))
	b.Or(b, new(big.Int).Lsh(v, f.Offset))
	return fromBig(b), nil
}

// Int returns the two's complement signed value of f.
func (w Word) Int(f Field) *big.Int {
	v := w.Uint(f)
	if v.Bit(int(f.Width-1)) == 1 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), f.Width))
	}
	return v
}

// SetInt returns a copy of w with f set to the two's complement of v.
func (w Word) SetInt(f Field, v *big.Int) (Word, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), f.Width-1)
	if v.Cmp(limit) >= 0 || v.Cmp(new(big.Int).Neg(limit)) < 0 {
		return w, fmt.Errorf("%w: %s in signed %d bits", ErrFieldOverflow, v, f.Width)
	}
	u := new(big.Int).Set(v)
	if u.Sign() < 0 {
		u.Add(u, new(big.Int).Lsh(big.NewInt(1), f.Width))
	}
	return w.SetUint(f, u)
}

// Uint64 returns f as a uint64. Fields wider than 64 bits are truncated.
func (w Word) Uint64(f Field) uint64 {
	return w.Uint(f).Uint64()
}

// SetUint64 is SetUint for small values.
func (w Word) SetUint64(f Field, v uint64) (Word, error) {
	return w.SetUint(f, new(big.Int).SetUint64(v))
}

// Bool returns whether a one bit field is set.
func (w Word) Bool(f Field) bool {
	return w.Uint(f).Sign() != 0
}

// SetBool sets a one bit field.
func (w Word) SetBool(f Field, v bool) Word {
	var b uint64
	if v {
		b = 1
	}
	out, _ := w.SetUint64(f, b)
	return out
}

// Decimal returns a signed field as an integral decimal.
func (w Word) Decimal(f Field) decimal.Decimal {
	return decimal.NewFromBigInt(w.Int(f), 0)
}

// SetDecimal stores an integral decimal in a signed field.
func (w Word) SetDecimal(f Field, v decimal.Decimal) (Word, error) {
	if !v.IsInteger() {
		return w, fmt.Errorf("%w: fractional value %s", ErrFieldOverflow, v)
	}
	return w.SetInt(f, v.BigInt())
}

// UDecimal returns an unsigned field as an integral decimal.
func (w Word) UDecimal(f Field) decimal.Decimal {
	return decimal.NewFromBigInt(w.Uint(f), 0)
}

// SetUDecimal stores a non-negative integral decimal in an unsigned field.
func (w Word) SetUDecimal(f Field, v decimal.Decimal) (Word, error) {
	if !v.IsInteger() {
		return w, fmt.Errorf("%w: fractional value %s", ErrFieldOverflow, v)
	}
	return w.SetUint(f, v.BigInt())
}
