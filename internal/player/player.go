// Package player is a read-only view of the player accounts owned by the
// account service. The ledger only needs eligibility attributes.
package player

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bonus_ledger/internal/apperr"

	"gorm.io/gorm"
)

// NewPlayerWindow is how long after registration a player counts as "new".
const NewPlayerWindow = 30 * 24 * time.Hour

type Player struct {
	PlayerID     string     `gorm:"column:player_id;primaryKey;type:uuid" json:"player_id"`
	Country      string     `gorm:"column:country;type:varchar(2);not null" json:"country"`
	Segment      string     `gorm:"column:segment;type:varchar(20);not null" json:"segment"`
	BirthDate    *time.Time `gorm:"column:birth_date;type:date" json:"birth_date,omitempty"`
	RegisteredAt time.Time  `gorm:"column:registered_at;not null" json:"registered_at"`
}

func (Player) TableName() string { return "players" }

// IsNew reports whether the player registered within NewPlayerWindow of now.
func (p *Player) IsNew(now time.Time) bool {
	return p.Segment == "new" || now.Sub(p.RegisteredAt) <= NewPlayerWindow
}

func (p *Player) IsVIP() bool {
	return strings.EqualFold(p.Segment, "vip")
}

// HasBirthday reports whether now falls on the player's birthday.
func (p *Player) HasBirthday(now time.Time) bool {
	if p.BirthDate == nil {
		return false
	}
	return p.BirthDate.Month() == now.Month() && p.BirthDate.Day() == now.Day()
}

type Directory interface {
	Get(ctx context.Context, playerID string) (*Player, error)
}

type RepositoryImpl struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *RepositoryImpl {
	return &RepositoryImpl{db: db}
}

func (r *RepositoryImpl) Get(ctx context.Context, playerID string) (*Player, error) {
	var p Player
	err := r.db.WithContext(ctx).Where("player_id = ?", playerID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("player %s not found", playerID)
		}
		return nil, fmt.Errorf("failed to get player: %w", err)
	}
	return &p, nil
}
