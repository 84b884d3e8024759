package bonus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bonus_ledger/internal/apperr"
	"bonus_ledger/internal/database"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInstanceModified = apperr.New(apperr.ErrConflict, "bonus instance was modified concurrently")
	ErrDuplicateSource  = errors.New("bonus already granted for this source")
)

type BonusRepository interface {
	CreatePlayerBonus(ctx context.Context, tx *gorm.DB, b *PlayerBonus) error
	GetBonus(ctx context.Context, playerBonusID string) (*PlayerBonus, error)
	GetBonusForUpdate(ctx context.Context, tx *gorm.DB, playerBonusID string) (*PlayerBonus, error)
	UpdateBonus(ctx context.Context, tx *gorm.DB, b *PlayerBonus, fields map[string]interface{}) error
	GetActiveBonuses(ctx context.Context, playerID string) ([]PlayerBonus, error)
	ListPlayerBonuses(ctx context.Context, playerID string, limit, offset int) ([]PlayerBonus, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]PlayerBonus, error)
	CountClaims(ctx context.Context, tx *gorm.DB, definitionID, playerID string) (int64, error)
	CountActiveNonStackable(ctx context.Context, tx *gorm.DB, playerID string) (int64, error)
	SourceGranted(ctx context.Context, definitionID, sourceRef string) (bool, error)
	EventExists(ctx context.Context, tx *gorm.DB, betID, playerBonusID string) (bool, error)
	CreateWageringEvent(ctx context.Context, tx *gorm.DB, event *WageringEvent) error
	DefinitionStats(ctx context.Context, definitionID string) (*DefinitionStats, error)
}

var _ BonusRepository = (*BonusRepositoryImpl)(nil)

type BonusRepositoryImpl struct {
	db *gorm.DB
}

func NewBonusRepository(db *gorm.DB) *BonusRepositoryImpl {
	return &BonusRepositoryImpl{db: db}
}

func (r *BonusRepositoryImpl) CreatePlayerBonus(ctx context.Context, tx *gorm.DB, b *PlayerBonus) error {
	if err := tx.WithContext(ctx).Create(b).Error; err != nil {
		if database.IsUniqueViolation(err) && b.SourceRef != nil {
			return ErrDuplicateSource
		}
		return fmt.Errorf("failed to create player bonus: %w", err)
	}
	return nil
}

func (r *BonusRepositoryImpl) GetBonus(ctx context.Context, playerBonusID string) (*PlayerBonus, error) {
	var b PlayerBonus
	err := r.db.WithContext(ctx).
		Where("player_bonus_id = ?", playerBonusID).
		First(&b).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("bonus instance %s not found", playerBonusID)
		}
		return nil, fmt.Errorf("failed to get bonus: %w", err)
	}
	return &b, nil
}

func (r *BonusRepositoryImpl) GetBonusForUpdate(ctx context.Context, tx *gorm.DB, playerBonusID string) (*PlayerBonus, error) {
	var b PlayerBonus
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("player_bonus_id = ?", playerBonusID).
		First(&b).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("bonus instance %s not found", playerBonusID)
		}
		return nil, fmt.Errorf("failed to lock bonus: %w", err)
	}
	return &b, nil
}

// UpdateBonus writes fields guarded by the version read with b, bumping it.
func (r *BonusRepositoryImpl) UpdateBonus(ctx context.Context, tx *gorm.DB, b *PlayerBonus, fields map[string]interface{}) error {
	now := time.Now().UTC()
	fields["version"] = gorm.Expr("version + 1")
	fields["updated_at"] = now

	result := tx.WithContext(ctx).
		Model(&PlayerBonus{}).
		Where("player_bonus_id = ? AND version = ?", b.PlayerBonusID, b.Version).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update bonus: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInstanceModified
	}
	b.Version++
	b.UpdatedAt = now
	return nil
}

func (r *BonusRepositoryImpl) GetActiveBonuses(ctx context.Context, playerID string) ([]PlayerBonus, error) {
	var bonuses []PlayerBonus
	err := r.db.WithContext(ctx).
		Where("player_id = ? AND status = ?", playerID, StatusActive).
		Order("claimed_at").
		Find(&bonuses).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get active bonuses: %w", err)
	}
	return bonuses, nil
}

func (r *BonusRepositoryImpl) ListPlayerBonuses(ctx context.Context, playerID string, limit, offset int) ([]PlayerBonus, error) {
	var bonuses []PlayerBonus
	err := r.db.WithContext(ctx).
		Where("player_id = ?", playerID).
		Order("claimed_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&bonuses).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list player bonuses: %w", err)
	}
	return bonuses, nil
}

func (r *BonusRepositoryImpl) ListExpired(ctx context.Context, now time.Time, limit int) ([]PlayerBonus, error) {
	var bonuses []PlayerBonus
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", StatusActive, now).
		Order("expires_at").
		Limit(limit).
		Find(&bonuses).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expired bonuses: %w", err)
	}
	return bonuses, nil
}

// CountClaims counts instances of a definition, for one player when playerID
// is set. Claim counts are derived, never stored.
func (r *BonusRepositoryImpl) CountClaims(ctx context.Context, tx *gorm.DB, definitionID, playerID string) (int64, error) {
	var count int64
	q := tx.WithContext(ctx).Model(&PlayerBonus{}).Where("definition_id = ?", definitionID)
	if playerID != "" {
		q = q.Where("player_id = ?", playerID)
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count claims: %w", err)
	}
	return count, nil
}

func (r *BonusRepositoryImpl) CountActiveNonStackable(ctx context.Context, tx *gorm.DB, playerID string) (int64, error) {
	var count int64
	err := tx.WithContext(ctx).Model(&PlayerBonus{}).
		Where("player_id = ? AND status = ? AND stackable = ?", playerID, StatusActive, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count active bonuses: %w", err)
	}
	return count, nil
}

func (r *BonusRepositoryImpl) SourceGranted(ctx context.Context, definitionID, sourceRef string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&PlayerBonus{}).
		Where("definition_id = ? AND source_ref = ?", definitionID, sourceRef).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check bonus source: %w", err)
	}
	return count > 0, nil
}

func (r *BonusRepositoryImpl) EventExists(ctx context.Context, tx *gorm.DB, betID, playerBonusID string) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).Model(&WageringEvent{}).
		Where("bet_id = ? AND player_bonus_id = ?", betID, playerBonusID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check wagering event: %w", err)
	}
	return count > 0, nil
}

func (r *BonusRepositoryImpl) CreateWageringEvent(ctx context.Context, tx *gorm.DB, event *WageringEvent) error {
	if err := tx.WithContext(ctx).Create(event).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return ErrInstanceModified
		}
		return fmt.Errorf("failed to create wagering event: %w", err)
	}
	return nil
}

func (r *BonusRepositoryImpl) DefinitionStats(ctx context.Context, definitionID string) (*DefinitionStats, error) {
	stats := &DefinitionStats{DefinitionID: definitionID}

	var counts []struct {
		Status Status
		Total  int64
	}
	err := r.db.WithContext(ctx).Model(&PlayerBonus{}).
		Select("status, COUNT(*) AS total").
		Where("definition_id = ?", definitionID).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count claims by status: %w", err)
	}
	for _, c := range counts {
		stats.TotalClaims += c.Total
		switch c.Status {
		case StatusActive:
			stats.Active = c.Total
		case StatusCompleted:
			stats.Completed = c.Total
		case StatusForfeited:
			stats.Forfeited = c.Total
		case StatusExpired:
			stats.Expired = c.Total
		}
	}

	err = r.db.WithContext(ctx).Model(&PlayerBonus{}).
		Where("definition_id = ?", definitionID).
		Distinct("player_id").
		Count(&stats.UniquePlayers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count unique players: %w", err)
	}

	var sums []struct {
		EntryType string
		Total     decimal.Decimal
	}
	err = r.db.WithContext(ctx).
		Table("bonus_ledger_entries AS e").
		Select("e.entry_type, COALESCE(SUM(e.amount), 0) AS total").
		Joins("JOIN player_bonuses pb ON pb.player_bonus_id = e.player_bonus_id").
		Where("pb.definition_id = ?", definitionID).
		Group("e.entry_type").
		Scan(&sums).Error
	if err != nil {
		return nil, fmt.Errorf("failed to sum ledger entries: %w", err)
	}
	stats.TotalCredited, stats.TotalConverted, stats.TotalClawedBack = decimal.Zero, decimal.Zero, decimal.Zero
	for _, s := range sums {
		switch s.EntryType {
		case "credit":
			stats.TotalCredited = s.Total
		case "convert":
			stats.TotalConverted = s.Total
		case "clawback":
			stats.TotalClawedBack = s.Total
		}
	}
	return stats, nil
}
