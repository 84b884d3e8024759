package bonus

import (
	"github.com/shopspring/decimal"
)

// WageringTarget is amount x multiplier.
func WageringTarget(amount decimal.Decimal, multiplier int) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(int64(multiplier)))
}

// UnearnedRemainder is amount x (1 - wagered/target), rounded down to cents and
// floored at zero. A zero target means the bonus was fully earned.
func UnearnedRemainder(amount, wagered, target decimal.Decimal) decimal.Decimal {
	if !target.IsPositive() || !amount.IsPositive() {
		return decimal.Zero
	}
	if wagered.GreaterThanOrEqual(target) {
		return decimal.Zero
	}
	if wagered.IsNegative() {
		wagered = decimal.Zero
	}
	// amount - amount*wagered/target keeps the division last
	earned := amount.Mul(wagered).DivRound(target, 8)
	remainder := amount.Sub(earned).RoundDown(2)
	if remainder.IsNegative() {
		return decimal.Zero
	}
	return remainder
}

// PercentComplete returns wagered/target as a percentage for display.
func PercentComplete(wagered, target decimal.Decimal) float64 {
	if !target.IsPositive() {
		return 100
	}
	return wagered.Div(target).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// Reached reports whether wagered has met a positive target.
func Reached(wagered, target decimal.Decimal) bool {
	return target.IsPositive() && wagered.GreaterThanOrEqual(target)
}
