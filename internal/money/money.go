// Package money converts between decimal amounts shown to clients and the
// integer minor units the ledger stores.
package money

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrTooPrecise    = errors.New("amount has more decimal places than the ledger unit")
	ErrOutOfRange    = errors.New("amount out of range")
)

var maxMinor = decimal.NewFromInt(math.MaxInt64)

// ParseMinor turns "12.5" into 1250 for scale 2. Sign is preserved; callers
// decide whether non-positive amounts are acceptable.
func ParseMinor(s string, scale int32) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d, scale)
}

func FromDecimal(d decimal.Decimal, scale int32) (int64, error) {
	minor := d.Shift(scale)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("%w: %s", ErrTooPrecise, d.String())
	}
	if minor.Abs().GreaterThan(maxMinor) {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, d.String())
	}
	return minor.IntPart(), nil
}

// Format renders minor units with exactly scale decimal places.
func Format(minor int64, scale int32) string {
	return decimal.New(minor, -scale).StringFixed(scale)
}
