// Package priceutil implements the exact-decimal price arithmetic of the
// measurement engine. Wire prices are decimal strings with at most two
// fractional digits; they are parsed once into integer points
// (1 point = $0.01) and never touched again as floating point.
package priceutil

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrMalformedPrice is returned when a wire price string is not an exact
// multiple of 0.01. The evaluator skips the cycle on malformed input.
type ErrMalformedPrice struct {
	Raw string
}

func (e ErrMalformedPrice) Error() string {
	return fmt.Sprintf("price %q is not an exact multiple of 0.01", e.Raw)
}

// hundred is the scaling factor from dollars to points.
var hundred = decimal.NewFromInt(100)

// ParsePoints parses an exact decimal wire price string into integer points.
// "0.5300" and "0.53" both yield 53. A string with a remaining fractional
// component after scaling by 100 is malformed.
func ParsePoints(raw string) (int, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, ErrMalformedPrice{Raw: raw}
	}
	scaled := d.Mul(hundred)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, ErrMalformedPrice{Raw: raw}
	}
	return int(scaled.IntPart()), nil
}

// FloorToTick floors points down to the nearest multiple of tick.
// tick must be positive; a non-positive tick is a malformed-input error.
func FloorToTick(points, tick int) (int, error) {
	if tick <= 0 {
		return 0, fmt.Errorf("priceutil: tick must be positive, got %d", tick)
	}
	if points < 0 {
		// Integer division floors toward zero for negatives; points are
		// never negative in this domain.
		return 0, fmt.Errorf("priceutil: points must be non-negative, got %d", points)
	}
	return (points / tick) * tick, nil
}

// Clamp bounds points to [lo, hi].
func Clamp(points, lo, hi int) int {
	if points < lo {
		return lo
	}
	if points > hi {
		return hi
	}
	return points
}

// ClampToDomain clamps points to the standard [tick, 99] price domain.
func ClampToDomain(points, tick int) int {
	return Clamp(points, tick, 99)
}

// FloorToTickClamped combines FloorToTick and ClampToDomain, the composite
// operation trigger-level computation uses.
func FloorToTickClamped(points, tick int) (int, error) {
	floored, err := FloorToTick(points, tick)
	if err != nil {
		return 0, err
	}
	return ClampToDomain(floored, tick), nil
}
