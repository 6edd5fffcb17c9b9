// Package indicator provides technical indicator calculations.
//
// Incremental kernels (SMA, EMA, RSI, SMMA) take one value per Update and
// are O(1) per step. The series functions drive those kernels over a full
// window and return one output per input, NaN where the kernel is still
// warming up.
package indicator

import (
	"errors"
	"math"
)

// ErrInsufficientData is returned when a window is shorter than the
// indicator period.
var ErrInsufficientData = errors.New("indicator: insufficient data")

// Kernel is an incremental indicator fed one value at a time.
type Kernel interface {
	// Update feeds the next value.
	Update(v float64)

	// Value returns the current value. Returns 0 if not enough data.
	Value() float64

	// Ready returns true when enough data has been accumulated.
	Ready() bool
}

// run feeds values through k, emitting NaN until k is ready. NaN inputs
// (an upstream warm-up prefix) are passed through without touching k.
func run(k Kernel, values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		if math.IsNaN(v) {
			out[i] = v
			continue
		}
		k.Update(v)
		if k.Ready() {
			out[i] = k.Value()
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// Last2 returns the previous and current values of a series. A warm-up NaN
// in either position is reported as ErrInsufficientData.
func Last2(series []float64) (prev, cur float64, err error) {
	n := len(series)
	if n < 2 || math.IsNaN(series[n-2]) || math.IsNaN(series[n-1]) {
		return 0, 0, ErrInsufficientData
	}
	return series[n-2], series[n-1], nil
}
