package catalog

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type TriggerType string

const (
	TriggerOnDeposit       TriggerType = "on_deposit"
	TriggerOnRegistration  TriggerType = "on_registration"
	TriggerOnBirthday      TriggerType = "on_birthday"
	TriggerRecurringReload TriggerType = "recurring_reload"
	TriggerLossRebate      TriggerType = "loss_rebate"
	TriggerManual          TriggerType = "manually_assigned"
)

func (t TriggerType) Valid() bool {
	switch t {
	case TriggerOnDeposit, TriggerOnRegistration, TriggerOnBirthday,
		TriggerRecurringReload, TriggerLossRebate, TriggerManual:
		return true
	}
	return false
}

// UsesBaseAmount reports whether the trigger supplies a base amount (a
// deposit or a loss) that a percentage reward can be computed from.
func (t TriggerType) UsesBaseAmount() bool {
	return t == TriggerOnDeposit || t == TriggerRecurringReload || t == TriggerLossRebate
}

type RewardType string

const (
	RewardFixed      RewardType = "fixed"
	RewardPercentage RewardType = "percentage"
)

type Segment string

const (
	SegmentAll Segment = "all"
	SegmentNew Segment = "new"
	SegmentVIP Segment = "vip"
)

func (s Segment) Valid() bool {
	return s == SegmentAll || s == SegmentNew || s == SegmentVIP
}

// Countries is an ISO-3166 alpha-2 allow-list stored as a comma separated
// column. Empty means every country is allowed.
type Countries []string

func (c Countries) Value() (driver.Value, error) {
	return strings.Join(c, ","), nil
}

func (c *Countries) Scan(src interface{}) error {
	var raw string
	switch v := src.(type) {
	case nil:
		raw = ""
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into Countries", src)
	}
	*c = nil
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*c = append(*c, part)
		}
	}
	return nil
}

func (c Countries) Allows(country string) bool {
	if len(c) == 0 {
		return true
	}
	for _, allowed := range c {
		if strings.EqualFold(allowed, country) {
			return true
		}
	}
	return false
}

// Definition is a bonus template. Already granted instances freeze their own
// amount and target, so edits never reach them.
type Definition struct {
	DefinitionID       string           `gorm:"column:definition_id;primaryKey;type:uuid" json:"definition_id"`
	Name               string           `gorm:"column:name;type:varchar(200);not null" json:"name"`
	ClaimCode          *string          `gorm:"column:claim_code;type:varchar(64)" json:"claim_code,omitempty"`
	TriggerType        TriggerType      `gorm:"column:trigger_type;type:varchar(30);not null" json:"trigger_type"`
	RewardType         RewardType       `gorm:"column:reward_type;type:varchar(20);not null" json:"reward_type"`
	Amount             decimal.Decimal  `gorm:"column:amount;type:numeric(20,2);not null" json:"amount"`
	Percentage         decimal.Decimal  `gorm:"column:percentage;type:numeric(7,4);not null" json:"percentage"`
	MaxAmount          *decimal.Decimal `gorm:"column:max_amount;type:numeric(20,2)" json:"max_amount,omitempty"`
	WageringMultiplier int              `gorm:"column:wagering_multiplier;not null" json:"wagering_multiplier"`
	MinDeposit         decimal.Decimal  `gorm:"column:min_deposit;type:numeric(20,2);not null" json:"min_deposit"`
	ValidFrom          *time.Time       `gorm:"column:valid_from" json:"valid_from,omitempty"`
	ValidUntil         *time.Time       `gorm:"column:valid_until" json:"valid_until,omitempty"`
	ExpiryDays         int              `gorm:"column:expiry_days;not null" json:"expiry_days"`
	MaxClaims          int              `gorm:"column:max_claims;not null" json:"max_claims"`
	MaxClaimsPerPlayer int              `gorm:"column:max_claims_per_player;not null" json:"max_claims_per_player"`
	Stackable          bool             `gorm:"column:stackable;not null" json:"stackable"`
	AutoCredit         bool             `gorm:"column:auto_credit;not null" json:"auto_credit"`
	Active             bool             `gorm:"column:active;not null" json:"active"`
	EligibleCountries  Countries        `gorm:"column:eligible_countries;type:text;not null" json:"eligible_countries"`
	UserSegment        Segment          `gorm:"column:user_segment;type:varchar(20);not null" json:"user_segment"`
	CreatedAt          time.Time        `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt          time.Time        `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Definition) TableName() string { return "bonus_definitions" }

// Reward returns the definition's reward shape. Only the field matching the
// reward type is consulted.
func (d *Definition) Reward() Reward {
	if d.RewardType == RewardPercentage {
		return PercentageReward{Percent: d.Percentage, Cap: d.MaxAmount}
	}
	return FixedReward{Amount: d.Amount}
}

// WithinWindow reports whether now falls inside the validity window.
// Unset bounds are unbounded.
func (d *Definition) WithinWindow(now time.Time) bool {
	if d.ValidFrom != nil && now.Before(*d.ValidFrom) {
		return false
	}
	if d.ValidUntil != nil && now.After(*d.ValidUntil) {
		return false
	}
	return true
}

// ExpiresAt returns the expiry of an instance claimed at claimedAt, or nil
// when instances of this definition never expire.
func (d *Definition) ExpiresAt(claimedAt time.Time) *time.Time {
	if d.ExpiryDays <= 0 {
		return nil
	}
	t := claimedAt.AddDate(0, 0, d.ExpiryDays)
	return &t
}

// GameContribution is the share of a bet on a game that counts toward the
// wagering of instances granted from a definition. Missing rows count 0%.
type GameContribution struct {
	DefinitionID string          `gorm:"column:definition_id;primaryKey;type:uuid" json:"definition_id"`
	GameID       string          `gorm:"column:game_id;primaryKey;type:varchar(100)" json:"game_id"`
	Percent      decimal.Decimal `gorm:"column:percent;type:numeric(5,2);not null" json:"percent"`
}

func (GameContribution) TableName() string { return "bonus_game_contributions" }

type ContributionInput struct {
	GameID  string          `json:"game_id"`
	Percent decimal.Decimal `json:"percent"`
}

// DefinitionInput carries the fields of a new definition.
type DefinitionInput struct {
	Name               string           `json:"name"`
	ClaimCode          string           `json:"claim_code"`
	TriggerType        TriggerType      `json:"trigger_type"`
	RewardType         RewardType       `json:"reward_type"`
	Amount             decimal.Decimal  `json:"amount"`
	Percentage         decimal.Decimal  `json:"percentage"`
	MaxAmount          *decimal.Decimal `json:"max_amount"`
	WageringMultiplier int              `json:"wagering_multiplier"`
	MinDeposit         decimal.Decimal  `json:"min_deposit"`
	ValidFrom          *time.Time       `json:"valid_from"`
	ValidUntil         *time.Time       `json:"valid_until"`
	ExpiryDays         int              `json:"expiry_days"`
	MaxClaims          int              `json:"max_claims"`
	MaxClaimsPerPlayer int              `json:"max_claims_per_player"`
	Stackable          bool             `json:"stackable"`
	AutoCredit         bool             `json:"auto_credit"`
	EligibleCountries  []string         `json:"eligible_countries"`
	UserSegment        Segment          `json:"user_segment"`
}

// DefinitionPatch is a partial update; nil fields keep their current value.
type DefinitionPatch struct {
	Name               *string          `json:"name"`
	ClaimCode          *string          `json:"claim_code"`
	TriggerType        *TriggerType     `json:"trigger_type"`
	RewardType         *RewardType      `json:"reward_type"`
	Amount             *decimal.Decimal `json:"amount"`
	Percentage         *decimal.Decimal `json:"percentage"`
	MaxAmount          *decimal.Decimal `json:"max_amount"`
	ClearMaxAmount     bool             `json:"clear_max_amount"`
	WageringMultiplier *int             `json:"wagering_multiplier"`
	MinDeposit         *decimal.Decimal `json:"min_deposit"`
	ValidFrom          *time.Time       `json:"valid_from"`
	ValidUntil         *time.Time       `json:"valid_until"`
	ExpiryDays         *int             `json:"expiry_days"`
	MaxClaims          *int             `json:"max_claims"`
	MaxClaimsPerPlayer *int             `json:"max_claims_per_player"`
	Stackable          *bool            `json:"stackable"`
	AutoCredit         *bool            `json:"auto_credit"`
	EligibleCountries  *[]string        `json:"eligible_countries"`
	UserSegment        *Segment         `json:"user_segment"`
}
