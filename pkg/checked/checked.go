// Package checked provides overflow-checked uint64 arithmetic for quantity
// and price computations. Overflow is an operation-fatal error, never a wrap
// or saturation.
package checked

import (
	"math/bits"

	dErrors "carbonledger/pkg/domain-errors"
)

// Mul returns a*b or a CodeOverflow error.
func Mul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, dErrors.Newf(dErrors.CodeOverflow, "multiplication overflow: %d * %d", a, b)
	}
	return lo, nil
}

// Add returns a+b or a CodeOverflow error.
func Add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, dErrors.Newf(dErrors.CodeOverflow, "addition overflow: %d + %d", a, b)
	}
	return sum, nil
}

// Sub returns a-b or a CodeOverflow error when b exceeds a. Counter
// decrements use it so conservation violations surface as typed errors
// instead of wrapped uints.
func Sub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, dErrors.Newf(dErrors.CodeOverflow, "subtraction underflow: %d - %d", a, b)
	}
	return a - b, nil
}
