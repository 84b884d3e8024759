package bonus

import (
	"time"

	"bonus_ledger/internal/apperr"
	"bonus_ledger/internal/catalog"
	"bonus_ledger/internal/player"

	"github.com/shopspring/decimal"
)

// checkEligibility applies the definition's static constraints to a player.
// Claim limits and stacking need the instance store and are checked by the
// grant transaction.
func checkEligibility(def *catalog.Definition, p *player.Player, source GrantSource, base decimal.Decimal, now time.Time) error {
	if !def.Active {
		return apperr.Ineligible("bonus %s is inactive", def.DefinitionID)
	}
	if !def.WithinWindow(now) {
		return apperr.Ineligible("bonus %s is outside its validity window", def.DefinitionID)
	}
	if !def.EligibleCountries.Allows(p.Country) {
		return apperr.Ineligible("bonus is not available in %s", p.Country)
	}

	switch def.UserSegment {
	case catalog.SegmentNew:
		if !p.IsNew(now) {
			return apperr.Ineligible("bonus is restricted to new players")
		}
	case catalog.SegmentVIP:
		if !p.IsVIP() {
			return apperr.Ineligible("bonus is restricted to VIP players")
		}
	}

	// operators may award any definition; automatic and claimed grants must
	// satisfy the trigger's own condition
	if source == SourceManual {
		return nil
	}
	if def.TriggerType.UsesBaseAmount() && base.LessThan(def.MinDeposit) {
		return apperr.Ineligible("qualifying amount %s is below the minimum %s", base, def.MinDeposit)
	}
	if def.TriggerType == catalog.TriggerOnBirthday && !p.HasBirthday(now) {
		return apperr.Ineligible("birthday bonus can only be granted on the player's birthday")
	}
	if def.TriggerType == catalog.TriggerManual && source == SourceTrigger {
		return apperr.Ineligible("bonus %s is manually assigned only", def.DefinitionID)
	}
	return nil
}
