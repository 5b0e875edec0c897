package domain

import "github.com/shopspring/decimal"

// MoneyScale is the number of decimal places a balance or amount may carry.
// Balances are stored as NUMERIC(20, 4).
const MoneyScale = 4

// FitsMoneyScale reports whether d has no significant digits past MoneyScale.
// Trailing zeros do not count, so 1.50000 fits.
func FitsMoneyScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(MoneyScale))
}
