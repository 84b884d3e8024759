package catalog

import (
	"bonus_ledger/internal/apperr"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Reward is the closed set of reward shapes a definition can carry.
type Reward interface {
	// Compute returns the bonus amount for a grant with the given base
	// amount (deposit or loss). Fixed rewards ignore the base.
	Compute(base decimal.Decimal) (decimal.Decimal, error)
	validate() error
}

type FixedReward struct {
	Amount decimal.Decimal
}

func (r FixedReward) Compute(decimal.Decimal) (decimal.Decimal, error) {
	return r.Amount, nil
}

func (r FixedReward) validate() error {
	if !r.Amount.IsPositive() {
		return apperr.Validation("fixed reward amount must be positive")
	}
	return nil
}

// PercentageReward pays Percent of the base amount, capped at Cap when set.
type PercentageReward struct {
	Percent decimal.Decimal
	Cap     *decimal.Decimal
}

func (r PercentageReward) Compute(base decimal.Decimal) (decimal.Decimal, error) {
	if !base.IsPositive() {
		return decimal.Zero, apperr.Validation("percentage reward requires a positive base amount")
	}
	amount := base.Mul(r.Percent).Div(hundred).RoundDown(2)
	if r.Cap != nil && amount.GreaterThan(*r.Cap) {
		amount = *r.Cap
	}
	if !amount.IsPositive() {
		return decimal.Zero, apperr.Validation("computed reward rounds to zero")
	}
	return amount, nil
}

func (r PercentageReward) validate() error {
	if !r.Percent.IsPositive() || r.Percent.GreaterThan(decimal.NewFromInt(1000)) {
		return apperr.Validation("percentage must be in (0, 1000]")
	}
	if r.Cap != nil && !r.Cap.IsPositive() {
		return apperr.Validation("max amount must be positive when set")
	}
	return nil
}
