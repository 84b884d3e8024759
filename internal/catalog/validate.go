package catalog

import (
	"regexp"
	"strings"

	"bonus_ledger/internal/apperr"
)

var (
	claimCodePattern = regexp.MustCompile(`^[A-Z0-9_-]{3,64}$`)
	countryPattern   = regexp.MustCompile(`^[A-Z]{2}$`)
)

// NormalizeCode trims and upper-cases a claim code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func normalizeCountries(in []string) (Countries, error) {
	seen := make(map[string]bool, len(in))
	var out Countries
	for _, c := range in {
		c = strings.ToUpper(strings.TrimSpace(c))
		if !countryPattern.MatchString(c) {
			return nil, apperr.Validation("invalid country code %q", c)
		}
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out, nil
}

// Validate checks a definition for illegal field combinations.
func Validate(d *Definition) error {
	if strings.TrimSpace(d.Name) == "" {
		return apperr.Validation("name is required")
	}
	if d.ClaimCode != nil && !claimCodePattern.MatchString(*d.ClaimCode) {
		return apperr.Validation("claim code must be 3-64 characters of A-Z, 0-9, '-' or '_'")
	}
	if !d.TriggerType.Valid() {
		return apperr.Validation("unknown trigger type %q", d.TriggerType)
	}

	switch d.RewardType {
	case RewardFixed:
	case RewardPercentage:
		if !d.TriggerType.UsesBaseAmount() {
			return apperr.Validation("percentage rewards need a deposit or loss trigger, not %q", d.TriggerType)
		}
	default:
		return apperr.Validation("unknown reward type %q", d.RewardType)
	}
	if err := d.Reward().validate(); err != nil {
		return err
	}

	if d.WageringMultiplier < 0 {
		return apperr.Validation("wagering multiplier must not be negative")
	}
	if d.MinDeposit.IsNegative() {
		return apperr.Validation("minimum deposit must not be negative")
	}
	if d.ValidFrom != nil && d.ValidUntil != nil && !d.ValidUntil.After(*d.ValidFrom) {
		return apperr.Validation("valid_until must be after valid_from")
	}
	if d.ExpiryDays < 0 {
		return apperr.Validation("expiry days must not be negative")
	}
	if d.MaxClaims < 0 || d.MaxClaimsPerPlayer < 0 {
		return apperr.Validation("claim limits must not be negative")
	}
	if !d.UserSegment.Valid() {
		return apperr.Validation("unknown user segment %q", d.UserSegment)
	}
	return nil
}

func validateContributions(in []ContributionInput) error {
	seen := make(map[string]bool, len(in))
	for _, c := range in {
		gameID := strings.TrimSpace(c.GameID)
		if gameID == "" {
			return apperr.Validation("game id is required")
		}
		if seen[gameID] {
			return apperr.Validation("game %s listed twice", gameID)
		}
		seen[gameID] = true
		if c.Percent.IsNegative() || c.Percent.GreaterThan(hundred) {
			return apperr.Validation("contribution for %s must be within [0, 100]", gameID)
		}
	}
	return nil
}
