// Package amount holds the fixed-point arithmetic used by the pool
// accounting. Amounts are uint64 base units; per-share accumulators are
// scaled by Precision and donation rates are expressed over RateDenom.
package amount

import (
	"errors"
	"math/bits"
)

const (
	// Precision is the fixed-point scale of the per-share yield accumulator.
	Precision uint64 = 1_000_000_000_000

	// RateDenom is the donation-rate denominator: 100% == RateDenom.
	RateDenom uint64 = 100_000
)

var (
	ErrOverflow   = errors.New("amount: arithmetic overflow")
	ErrDivideZero = errors.New("amount: division by zero")
)

// MulDiv computes a*b/den with a 128-bit intermediate product, so a*b may
// exceed 64 bits as long as the quotient fits.
func MulDiv(a, b, den uint64) (uint64, error) {
	if den == 0 {
		return 0, ErrDivideZero
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= den {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, den)
	return q, nil
}

// SubSat returns a-b, clamped at zero.
func SubSat(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

// ValidRate reports whether r is a well-formed donation rate.
func ValidRate(r uint64) bool {
	return r <= RateDenom
}
