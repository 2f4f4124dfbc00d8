package model

import "github.com/shopspring/decimal"

// FormatAmount renders an amount in minor currency units with two decimals,
// e.g. 3000 -> "30.00" and -250 -> "-2.50".
func FormatAmount(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

// ParseAmount converts a decimal string such as "12.5" into minor units.
// Fractions below one minor unit are rounded half away from zero.
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.Shift(2).Round(0).IntPart(), nil
}
