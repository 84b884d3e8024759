package bonus

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusForfeited Status = "forfeited"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusForfeited || s == StatusExpired
}

// PlayerBonus is a bonus granted to a player. BonusAmount and
// WageringRequired are frozen at grant time.
type PlayerBonus struct {
	PlayerBonusID     string          `gorm:"column:player_bonus_id;primaryKey;type:uuid" json:"player_bonus_id"`
	PlayerID          string          `gorm:"column:player_id;type:uuid;not null" json:"player_id"`
	DefinitionID      *string         `gorm:"column:definition_id;type:uuid" json:"definition_id,omitempty"`
	Stackable         bool            `gorm:"column:stackable;not null" json:"stackable"`
	SourceRef         *string         `gorm:"column:source_ref;type:varchar(255)" json:"source_ref,omitempty"`
	Status            Status          `gorm:"column:status;type:varchar(20);not null" json:"status"`
	BonusAmount       decimal.Decimal `gorm:"column:bonus_amount;type:numeric(20,2);not null" json:"bonus_amount"`
	WageringRequired  decimal.Decimal `gorm:"column:wagering_required;type:numeric(20,4);not null" json:"wagering_required"`
	WageringCompleted decimal.Decimal `gorm:"column:wagering_completed;type:numeric(20,4);not null" json:"wagering_completed"`
	StatusReason      *string         `gorm:"column:status_reason;type:varchar(255)" json:"status_reason,omitempty"`
	Version           int             `gorm:"column:version;not null" json:"-"`
	ClaimedAt         time.Time       `gorm:"column:claimed_at;not null" json:"claimed_at"`
	ExpiresAt         *time.Time      `gorm:"column:expires_at" json:"expires_at,omitempty"`
	EndedAt           *time.Time      `gorm:"column:ended_at" json:"ended_at,omitempty"`
	UpdatedAt         time.Time       `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (PlayerBonus) TableName() string { return "player_bonuses" }

// ExpiredAt reports whether the instance is past its expiry at now.
func (b *PlayerBonus) ExpiredAt(now time.Time) bool {
	return b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}

// WageringEvent records a bet applied to an instance. (bet_id,
// player_bonus_id) is unique, which makes replayed bets no-ops.
type WageringEvent struct {
	EventID                string          `gorm:"column:event_id;primaryKey;type:uuid"`
	PlayerBonusID          string          `gorm:"column:player_bonus_id;type:uuid;not null"`
	BetID                  string          `gorm:"column:bet_id;type:varchar(255);not null"`
	GameID                 string          `gorm:"column:game_id;type:varchar(100);not null"`
	BetAmount              decimal.Decimal `gorm:"column:bet_amount;type:numeric(20,2);not null"`
	ContributionPercentage decimal.Decimal `gorm:"column:contribution_percentage;type:numeric(5,2);not null"`
	WageringContribution   decimal.Decimal `gorm:"column:wagering_contribution;type:numeric(20,4);not null"`
	CreatedAt              time.Time       `gorm:"column:created_at;not null"`
}

func (WageringEvent) TableName() string { return "wagering_events" }

// GrantSource says how a grant was initiated.
type GrantSource string

const (
	SourceManual  GrantSource = "manual"
	SourceClaim   GrantSource = "claim_code"
	SourceTrigger GrantSource = "trigger"
)

// GrantRequest describes a grant. Either DefinitionID or Amount is set.
type GrantRequest struct {
	PlayerID     string
	DefinitionID string
	Source       GrantSource

	// Amount is the credited amount of an ad-hoc grant without a definition.
	Amount *decimal.Decimal
	// BaseAmount is the deposit or loss a percentage reward is computed from.
	BaseAmount decimal.Decimal
	// WageringTarget overrides amount x multiplier.
	WageringTarget *decimal.Decimal
	// ExpiresAt sets the expiry of an ad-hoc grant.
	ExpiresAt *time.Time
	// SourceRef makes trigger grants idempotent per definition.
	SourceRef string
	Reason    string
}

// AdvanceRequest applies one bet's contribution to one instance.
type AdvanceRequest struct {
	InstanceID   string
	BetID        string
	GameID       string
	BetAmount    decimal.Decimal
	Percent      decimal.Decimal
	Contribution decimal.Decimal
}

type AdvanceResult struct {
	Instance  *PlayerBonus
	Applied   bool // false when the bet was already applied
	Completed bool
}

// Progress is a wagering snapshot for one instance.
type Progress struct {
	PlayerBonusID      string          `json:"player_bonus_id"`
	PlayerID           string          `json:"player_id"`
	Status             Status          `json:"status"`
	WageringRequired   decimal.Decimal `json:"wagering_required"`
	WageringCompleted  decimal.Decimal `json:"wagering_completed"`
	PercentageComplete float64         `json:"percentage_complete"`
	Completed          bool            `json:"completed"`
	Timestamp          time.Time       `json:"timestamp"`
}

// DefinitionStats summarizes the claims of one definition.
type DefinitionStats struct {
	DefinitionID    string          `json:"definition_id"`
	TotalClaims     int64           `json:"total_claims"`
	Active          int64           `json:"active"`
	Completed       int64           `json:"completed"`
	Forfeited       int64           `json:"forfeited"`
	Expired         int64           `json:"expired"`
	UniquePlayers   int64           `json:"unique_players"`
	TotalCredited   decimal.Decimal `json:"total_credited"`
	TotalConverted  decimal.Decimal `json:"total_converted"`
	TotalClawedBack decimal.Decimal `json:"total_clawed_back"`
}

// TriggerEvent is an external event that may auto-credit bonuses, such as a
// deposit.
type TriggerEvent struct {
	PlayerID   string
	Trigger    string
	BaseAmount decimal.Decimal
	SourceRef  string
}
