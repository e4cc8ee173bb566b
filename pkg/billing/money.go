package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is an amount in the smallest currency unit (cents).
type Money int64

// MoneyFromDecimal converts a decimal major-unit amount (for example a NUMERIC
// price column) to cents, rounding half away from zero.
func MoneyFromDecimal(d decimal.Decimal) Money {
	return Money(d.Shift(2).Round(0).IntPart())
}

// ParseMoney parses a major-unit string such as "149.99".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return MoneyFromDecimal(d), nil
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

// String formats the amount in major units with two decimals.
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// Cents returns the raw amount.
func (m Money) Cents() int64 {
	return int64(m)
}
