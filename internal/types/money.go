// README: Common money value object used across modules.
package types

import "math"

// Money is an amount in minor units (paise for INR).
type Money struct {
	Amount   int64
	Currency string
}

const DefaultCurrency = "INR"

// FromMajor converts a fare expressed in rupees to minor units, rounding half up.
func FromMajor(v float64) Money {
	return Money{Amount: int64(math.Round(v * 100)), Currency: DefaultCurrency}
}

func (m Money) Major() float64 {
	return float64(m.Amount) / 100
}
