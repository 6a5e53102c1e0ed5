// Package money represents rouble amounts as integer kopecks.
package money

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount is a rouble amount in kopecks.
type Amount int64

var ErrTooPrecise = errors.New("money: more than two decimal places")

// FromDecimal converts a rouble decimal into kopecks. Sub-kopeck precision is rejected.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	kopecks := d.Shift(2)
	if !kopecks.Equal(kopecks.Truncate(0)) {
		return 0, ErrTooPrecise
	}
	return Amount(kopecks.IntPart()), nil
}

// Parse reads a rouble string such as "60", "60.5" or "60.50".
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return FromDecimal(d)
}

// Rub builds an Amount from whole roubles.
func Rub(roubles int64) Amount {
	return Amount(roubles * 100)
}

func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -2)
}

func (a Amount) String() string {
	return a.Decimal().StringFixed(2)
}

// MarshalJSON writes the amount as a rouble string so clients never see floats.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts both "60.50" and 60.5.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("money: %w", err)
	}
	v, err := FromDecimal(d)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
