// Package money provides exact decimal arithmetic helpers for monetary
// amounts. All balances, fees, and payout amounts flow through
// shopspring/decimal — binary floating point is never used for money.
package money

import (
	"errors"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places stored for every amount.
const Scale = 2

var ErrInvalidAmount = errors.New("invalid amount")

// validAmount matches a non-negative decimal number.
var validAmount = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// Parse converts a decimal string into an amount rounded to Scale places.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if !validAmount.MatchString(s) {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	return d.Round(Scale), nil
}

// ParsePositive is Parse plus a strictly-positive check.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.Sign() <= 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// Format renders an amount with exactly Scale decimal places.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

// MustParse parses a known-good literal and panics on failure. Test helper.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic("money: bad literal " + s)
	}
	return d
}
