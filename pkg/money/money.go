// Package money holds the exact monetary amount used by the fee ledger.
//
// A Money value counts minor units (cents). Every value that takes part in a
// conservation check is a Money, never a float64; floats and decimal strings
// are rounded to two places once, at the boundary.
package money

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// Money is an amount in minor units (1/100 of the currency unit).
type Money int64

const Zero Money = 0

// ErrOutOfRange is returned for amounts whose cent count does not fit in int64.
var ErrOutOfRange = errors.New("money amount out of range")

// FromCents wraps an integer count of minor units.
func FromCents(cents int64) Money {
	return Money(cents)
}

// FromFloat rounds f to two decimal places (half away from zero) and converts it.
func FromFloat(f float64) (Money, error) {
	return FromDecimal(decimal.NewFromFloat(f))
}

// FromDecimal rounds d to two decimal places and converts it.
func FromDecimal(d decimal.Decimal) (Money, error) {
	cents := d.Round(2).Shift(2)
	if !cents.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, d.String())
	}
	return Money(cents.IntPart()), nil
}

// Parse reads a decimal string such as "1234.5" or "-0.01".
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse money %q: %w", s, err)
	}
	m, err := FromDecimal(d)
	if err != nil {
		return 0, fmt.Errorf("parse money %q: %w", s, err)
	}
	return m, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Cents() int64 {
	return int64(m)
}

func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

// Float64 is for display sinks (spreadsheets) only.
func (m Money) Float64() float64 {
	return m.Decimal().InexactFloat64()
}

func (m Money) IsZero() bool     { return m == 0 }
func (m Money) IsPositive() bool { return m > 0 }
func (m Money) IsNegative() bool { return m < 0 }

// String renders the amount with exactly two decimals, e.g. "333.34".
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// Format renders the amount for people: symbol, thousands separators and two
// decimals, e.g. Format("₹") gives "₹1,234.00".
func (m Money) Format(symbol string) string {
	cents := int64(m)
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%s%s.%02d", sign, symbol, humanize.Comma(cents/100), cents%100)
}

// Min returns the smaller of a and b.
func Min(a, b Money) Money {
	if a < b {
		return a
	}
	return b
}

// Sum adds all amounts.
func Sum(amounts ...Money) Money {
	var total Money
	for _, a := range amounts {
		total += a
	}
	return total
}

// MarshalJSON writes a bare JSON number with two decimals.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (m *Money) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = 0
		return nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("invalid money value %s: %w", string(data), err)
	}
	v, err := FromDecimal(d)
	if err != nil {
		return fmt.Errorf("invalid money value %s: %w", string(data), err)
	}
	*m = v
	return nil
}

// Value stores the amount as a BIGINT count of cents.
func (m Money) Value() (driver.Value, error) {
	return int64(m), nil
}

// Scan reads a BIGINT cents column.
func (m *Money) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*m = Money(v)
	case nil:
		*m = 0
	default:
		return fmt.Errorf("money: cannot scan %T", src)
	}
	return nil
}
