// Package fixedpoint converts between real values and two's-complement Q-format words.
//
// A word has IntBits integer bits and FracBits fractional bits. The stored
// integer is round-toward-zero(|v| * 2^FracBits), negated modulo 2^(IntBits+FracBits)
// for negative values:
//
//	Encode(1.5, 4, 4)  -> 8'b00011000
//	Encode(-1.5, 4, 4) -> 8'b11101000
//
// Decoding treats the top bit as the sign, so values round-trip with an error
// below 2^-FracBits as long as the magnitude fits below the sign bit.
package fixedpoint

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MaxWordBits is the widest word the codec can represent.
const MaxWordBits = 63

var (
	// ErrWidth is returned for a zero-width or oversized word.
	ErrWidth = errors.New("invalid fixed-point word width")

	// ErrOverflow is returned when a magnitude does not fit in the word.
	ErrOverflow = errors.New("value does not fit fixed-point word")
)

// Literal is an encoded fixed-point constant ready to be rendered as a sized
// binary literal.
type Literal struct {
	Raw      uint64
	IntBits  uint
	FracBits uint
}

// Width is the total number of bits in the word.
func (l Literal) Width() uint {
	return l.IntBits + l.FracBits
}

// Negative reports whether the sign bit is set.
func (l Literal) Negative() bool {
	return l.Raw&(1<<(l.Width()-1)) != 0
}

// String renders the literal as <width>'b<bits>, zero-padded to the full width.
func (l Literal) String() string {
	digits := strconv.FormatUint(l.Raw, 2)
	if pad := int(l.Width()) - len(digits); pad > 0 {
		digits = strings.Repeat("0", pad) + digits
	}
	return fmt.Sprintf("%d'b%s", l.Width(), digits)
}

// Value decodes the literal back to a real number.
func (l Literal) Value() float64 {
	v, _ := Decode(l.Raw, l.IntBits, l.FracBits)
	return v
}

func checkWidth(intBits, fracBits uint) error {
	total := intBits + fracBits
	if total == 0 || total > MaxWordBits {
		return fmt.Errorf("%w: %d integer + %d fractional bits", ErrWidth, intBits, fracBits)
	}
	return nil
}

// Encode quantizes value into an (intBits+fracBits)-wide two's-complement word.
// The fractional part below 2^-fracBits is truncated, not rounded.
// A magnitude that would reach the sign bit returns ErrOverflow.
func Encode(value float64, intBits, fracBits uint) (Literal, error) {
	if err := checkWidth(intBits, fracBits); err != nil {
		return Literal{}, err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Literal{}, fmt.Errorf("%w: %v", ErrOverflow, value)
	}

	total := intBits + fracBits
	mask := uint64(1)<<total - 1

	// The sign bit bounds the magnitude: 2^(total-1)-1 above zero, 2^(total-1) below.
	limit := uint64(1)<<(total-1) - 1
	if value < 0 {
		limit++
	}

	scaled := math.Trunc(math.Abs(value) * math.Ldexp(1, int(fracBits)))
	if scaled > float64(limit) {
		return Literal{}, fmt.Errorf("%w: %v in Q%d.%d", ErrOverflow, value, intBits, fracBits)
	}

	raw := uint64(scaled)
	if value < 0 {
		raw = (^raw + 1) & mask
	}

	return Literal{Raw: raw, IntBits: intBits, FracBits: fracBits}, nil
}

// Decode interprets the low intBits+fracBits bits of raw as a two's-complement
// word and scales it by 2^-fracBits.
func Decode(raw uint64, intBits, fracBits uint) (float64, error) {
	if err := checkWidth(intBits, fracBits); err != nil {
		return 0, err
	}

	total := intBits + fracBits
	raw &= uint64(1)<<total - 1

	v := int64(raw)
	if raw&(1<<(total-1)) != 0 {
		v -= int64(1) << total
	}

	return math.Ldexp(float64(v), -int(fracBits)), nil
}

// FromSigned decodes a signed integer read back from simulation, as printed by
// a %d format of a signed net of the given width.
func FromSigned(v int64, intBits, fracBits uint) (float64, error) {
	return Decode(uint64(v), intBits, fracBits)
}

// MaxMagnitude is the largest magnitude that round-trips through a word of
// the given width: 2^(intBits-1) - 2^-fracBits.
func MaxMagnitude(intBits, fracBits uint) float64 {
	return math.Ldexp(1, int(intBits)-1) - math.Ldexp(1, -int(fracBits))
}
