package memutils

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Integer
}

func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// IsAligned reports whether value is a multiple of alignment. alignment must be a power of two.
func IsAligned(value int, alignment uint) bool {
	return value&int(alignment-1) == 0
}

// Log2Floor returns floor(log2(value)) for value > 0, and 0 otherwise
func Log2Floor(value int) int {
	if value <= 0 {
		return 0
	}
	return bits.Len(uint(value)) - 1
}

// Clamp constrains value to the closed interval [low, high]
func Clamp[T Number](value, low, high T) T {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}

// PageCount returns the number of pageSize pages required to hold size bytes
func PageCount(size int, pageSize int) int {
	return (size + pageSize - 1) / pageSize
}
