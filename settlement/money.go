package settlement

import "github.com/shopspring/decimal"

// VATRate is the surcharge applied to taxable amounts.
var VATRate = decimal.RequireFromString("0.20")

// RoundMoney rounds to cents, half away from zero. Every money operation
// goes through it.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// AddMoney returns round(a + b).
func AddMoney(a, b decimal.Decimal) decimal.Decimal {
	return RoundMoney(RoundMoney(a).Add(RoundMoney(b)))
}

// SubMoney returns round(a - b).
func SubMoney(a, b decimal.Decimal) decimal.Decimal {
	return RoundMoney(RoundMoney(a).Sub(RoundMoney(b)))
}

// MinMoney returns the smallest of the given amounts.
func MinMoney(first decimal.Decimal, rest ...decimal.Decimal) decimal.Decimal {
	return decimal.Min(first, rest...)
}

// FloorZero returns max(0, d).
func FloorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// VATOn returns round(d * VATRate).
func VATOn(d decimal.Decimal) decimal.Decimal {
	return RoundMoney(RoundMoney(d).Mul(VATRate))
}

// MustMoney parses a literal amount. Panics on bad input.
func MustMoney(s string) decimal.Decimal {
	return RoundMoney(decimal.RequireFromString(s))
}
