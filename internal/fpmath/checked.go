package fpmath

import (
	"errors"
	"math/bits"
)

var (
	// ErrOverflow is returned when a checked operation would wrap a 64-bit value.
	ErrOverflow = errors.New("arithmetic overflow")

	// ErrDivisionByZero is returned when a derived price would divide by zero.
	ErrDivisionByZero = errors.New("division by zero")
)

// AddU64 returns a + b, failing with ErrOverflow instead of wrapping.
func AddU64(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// SubU64 returns a - b, failing with ErrOverflow when b > a.
func SubU64(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrOverflow
	}
	return diff, nil
}

// MulU64 returns a * b, failing with ErrOverflow on 64-bit overflow.
func MulU64(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrOverflow
	}
	return lo, nil
}

// DivU64 returns a / b truncated toward zero.
func DivU64(a, b uint64) (uint64, error) {
	if b == 0 {
		return 0, ErrDivisionByZero
	}
	return a / b, nil
}
