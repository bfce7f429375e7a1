// Package bitwidth infers signal widths from worst-case value intervals.
package bitwidth

import (
	"errors"
	"fmt"
	"math"
)

// ErrNonFinite is returned when an interval endpoint is NaN or infinite.
var ErrNonFinite = errors.New("non-finite interval endpoint")

// Interval is a closed range [Low, High] that bounds every value a signal can take.
type Interval struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// String renders the interval as [low, high].
func (iv Interval) String() string {
	return fmt.Sprintf("[%g, %g]", iv.Low, iv.High)
}

// Normalized returns the interval with its endpoints ordered.
func (iv Interval) Normalized() Interval {
	if iv.Low > iv.High {
		return Interval{Low: iv.High, High: iv.Low}
	}
	return iv
}

// Finite reports whether both endpoints are finite numbers.
func (iv Interval) Finite() bool {
	return !math.IsNaN(iv.Low) && !math.IsNaN(iv.High) &&
		!math.IsInf(iv.Low, 0) && !math.IsInf(iv.High, 0)
}

// Bits is BitsForRange applied to the interval.
func (iv Interval) Bits() (uint, error) {
	return BitsForRange(iv.Low, iv.High)
}

// BitsForRange returns ceil(log2(high-low+1)), the number of bits needed to
// enumerate every integer step of the span. Endpoints are swapped when low > high.
// The result sizes the span only; callers add any sign or guard bits themselves.
func BitsForRange(low, high float64) (uint, error) {
	iv := Interval{Low: low, High: high}
	if !iv.Finite() {
		return 0, fmt.Errorf("bits for range %v: %w", iv, ErrNonFinite)
	}
	iv = iv.Normalized()

	return uint(math.Ceil(math.Log2(iv.High - iv.Low + 1))), nil
}

// Uniform returns n copies of [low, high], the usual seed for a propagation pass.
func Uniform(n int, low, high float64) []Interval {
	out := make([]Interval, n)
	for i := range out {
		out[i] = Interval{Low: low, High: high}
	}
	return out
}
