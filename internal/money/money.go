// Package money provides the monetary value type used for all balances
// and transaction amounts.
//
// Invariants:
//   - values carry exactly two decimal places
//   - values are never negative
//   - arithmetic results are rounded half-up to two places, never truncated
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const places = 2

var (
	// ErrInvalidAmount is returned when the input is not a decimal number.
	ErrInvalidAmount = errors.New("amount is not a valid decimal")

	// ErrNegativeAmount is returned when a negative amount is supplied.
	ErrNegativeAmount = errors.New("amount must not be negative")

	// ErrTooPrecise is returned when the input carries more than two
	// decimal places.
	ErrTooPrecise = errors.New("amount has more than two decimal places")

	// ErrNegativeResult is returned by Sub when the result would drop
	// below zero.
	ErrNegativeResult = errors.New("result would be negative")
)

// Money is an exact-decimal monetary value. The zero value is 0.00.
type Money struct {
	d decimal.Decimal
}

// Zero returns 0.00.
func Zero() Money { return Money{} }

// Parse converts a decimal string into Money.
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d)
}

// FromDecimal validates a raw decimal as a non-negative two-place amount.
func FromDecimal(d decimal.Decimal) (Money, error) {
	if d.IsNegative() {
		return Money{}, ErrNegativeAmount
	}
	if !d.Equal(d.Truncate(places)) {
		return Money{}, ErrTooPrecise
	}
	return Money{d: d.Round(places)}, nil
}

// MustParse is Parse for trusted literals; panics on error.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Add returns m + o rounded to two places.
func (m Money) Add(o Money) Money {
	return Money{d: m.d.Add(o.d).Round(places)}
}

// Sub returns m - o, or ErrNegativeResult if the result would be negative.
func (m Money) Sub(o Money) (Money, error) {
	r := m.d.Sub(o.d).Round(places)
	if r.IsNegative() {
		return Money{}, ErrNegativeResult
	}
	return Money{d: r}, nil
}

// LessThan reports m < o.
func (m Money) LessThan(o Money) bool { return m.d.LessThan(o.d) }

// GreaterThan reports m > o.
func (m Money) GreaterThan(o Money) bool { return m.d.GreaterThan(o.d) }

// Equal reports m == o.
func (m Money) Equal(o Money) bool { return m.d.Equal(o.d) }

// IsZero reports whether m is 0.00.
func (m Money) IsZero() bool { return m.d.IsZero() }

// IsPositive reports whether m > 0.
func (m Money) IsPositive() bool { return m.d.IsPositive() }

// Decimal returns the underlying decimal for persistence.
func (m Money) Decimal() decimal.Decimal { return m.d }

// String renders the value with exactly two decimal places.
func (m Money) String() string { return m.d.StringFixed(places) }
