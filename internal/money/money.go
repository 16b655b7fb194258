// Package money holds the fixed-point currency type shared by the ledger and
// the menu catalog. Amounts are kept in minor units (cents); no floats.
package money

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by an Amount.
const Scale = 2

// Max is the largest representable amount.
const Max Amount = math.MaxInt64 / 4

var (
	ErrInvalid   = errors.New("invalid amount")
	ErrPrecision = errors.New("amount has more than 2 fractional digits")
	ErrOverflow  = errors.New("amount out of range")
)

// Amount is a signed quantity of minor units.
type Amount int64

// Zero is the zero amount.
const Zero Amount = 0

// Cents builds an amount from minor units.
func Cents(v int64) Amount { return Amount(v) }

// FromDecimal converts a decimal value, rejecting sub-cent precision.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if !d.Round(Scale).Equal(d) {
		return 0, ErrPrecision
	}
	if d.Abs().GreaterThan(Max.Decimal()) {
		return 0, ErrOverflow
	}
	return Amount(d.Shift(Scale).IntPart()), nil
}

// Parse reads a decimal string such as "12.50".
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants in tests and fixtures.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Decimal() decimal.Decimal { return decimal.New(int64(a), -Scale) }

// String renders the amount with exactly two fractional digits.
func (a Amount) String() string { return a.Decimal().StringFixed(Scale) }

func (a Amount) IsPositive() bool { return a > 0 }
func (a Amount) IsZero() bool     { return a == 0 }
func (a Amount) Neg() Amount      { return -a }

// Add returns a+b or ErrOverflow when the result leaves the supported range.
func (a Amount) Add(b Amount) (Amount, error) {
	sum := a + b
	if sum > Max || sum < -Max {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Sum adds all amounts.
func Sum(amounts ...Amount) (Amount, error) {
	var total Amount
	for _, v := range amounts {
		var err error
		if total, err = total.Add(v); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// MarshalJSON encodes the amount as a quoted decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts either a quoted decimal string or a JSON number.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, string(b))
	}
	v, err := FromDecimal(d)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
