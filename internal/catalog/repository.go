package catalog

import (
	"context"
	"errors"
	"fmt"

	"bonus_ledger/internal/apperr"
	"bonus_ledger/internal/database"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repository interface {
	Create(ctx context.Context, d *Definition) error
	Save(ctx context.Context, d *Definition) error
	Get(ctx context.Context, id string) (*Definition, error)
	GetForUpdate(ctx context.Context, tx *gorm.DB, id string) (*Definition, error)
	GetByCode(ctx context.Context, code string) (*Definition, error)
	CodeTaken(ctx context.Context, code string, excludeID string) (bool, error)
	List(ctx context.Context, activeOnly bool) ([]Definition, error)
	ListAutoCredit(ctx context.Context, trigger TriggerType) ([]Definition, error)
	ReplaceContributions(ctx context.Context, definitionID string, rows []GameContribution) error
	ListContributions(ctx context.Context, definitionID string) ([]GameContribution, error)
	Contribution(ctx context.Context, definitionID, gameID string) (decimal.Decimal, bool, error)
}

var _ Repository = (*RepositoryImpl)(nil)

type RepositoryImpl struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *RepositoryImpl {
	return &RepositoryImpl{db: db}
}

func (r *RepositoryImpl) Create(ctx context.Context, d *Definition) error {
	if err := r.db.WithContext(ctx).Create(d).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return apperr.New(apperr.ErrDuplicateCode, "claim code already exists")
		}
		return fmt.Errorf("failed to create bonus definition: %w", err)
	}
	return nil
}

func (r *RepositoryImpl) Save(ctx context.Context, d *Definition) error {
	if err := r.db.WithContext(ctx).Save(d).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return apperr.New(apperr.ErrDuplicateCode, "claim code already exists")
		}
		return fmt.Errorf("failed to update bonus definition: %w", err)
	}
	return nil
}

func (r *RepositoryImpl) Get(ctx context.Context, id string) (*Definition, error) {
	return r.first(r.db.WithContext(ctx).Where("definition_id = ?", id), id)
}

// GetForUpdate locks the definition row, serializing grants that check its
// claim limits.
func (r *RepositoryImpl) GetForUpdate(ctx context.Context, tx *gorm.DB, id string) (*Definition, error) {
	return r.first(tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("definition_id = ?", id), id)
}

func (r *RepositoryImpl) GetByCode(ctx context.Context, code string) (*Definition, error) {
	return r.first(r.db.WithContext(ctx).Where("claim_code = ?", NormalizeCode(code)), code)
}

func (r *RepositoryImpl) first(q *gorm.DB, key string) (*Definition, error) {
	var d Definition
	if err := q.First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("bonus definition %s not found", key)
		}
		return nil, fmt.Errorf("failed to get bonus definition: %w", err)
	}
	return &d, nil
}

func (r *RepositoryImpl) CodeTaken(ctx context.Context, code string, excludeID string) (bool, error) {
	var count int64
	q := r.db.WithContext(ctx).Model(&Definition{}).Where("claim_code = ?", code)
	if excludeID != "" {
		q = q.Where("definition_id <> ?", excludeID)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check claim code: %w", err)
	}
	return count > 0, nil
}

func (r *RepositoryImpl) List(ctx context.Context, activeOnly bool) ([]Definition, error) {
	var defs []Definition
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	if err := q.Find(&defs).Error; err != nil {
		return nil, fmt.Errorf("failed to list bonus definitions: %w", err)
	}
	return defs, nil
}

func (r *RepositoryImpl) ListAutoCredit(ctx context.Context, trigger TriggerType) ([]Definition, error) {
	var defs []Definition
	err := r.db.WithContext(ctx).
		Where("active = ? AND auto_credit = ? AND trigger_type = ?", true, true, trigger).
		Order("created_at").
		Find(&defs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list auto-credit definitions: %w", err)
	}
	return defs, nil
}

func (r *RepositoryImpl) ReplaceContributions(ctx context.Context, definitionID string, rows []GameContribution) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("definition_id = ?", definitionID).Delete(&GameContribution{}).Error; err != nil {
			return fmt.Errorf("failed to clear game contributions: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("failed to store game contributions: %w", err)
		}
		return nil
	})
}

func (r *RepositoryImpl) ListContributions(ctx context.Context, definitionID string) ([]GameContribution, error) {
	var rows []GameContribution
	err := r.db.WithContext(ctx).
		Where("definition_id = ?", definitionID).
		Order("game_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list game contributions: %w", err)
	}
	return rows, nil
}

// Contribution returns the percent for a game and whether a row exists.
func (r *RepositoryImpl) Contribution(ctx context.Context, definitionID, gameID string) (decimal.Decimal, bool, error) {
	var row GameContribution
	err := r.db.WithContext(ctx).
		Where("definition_id = ? AND game_id = ?", definitionID, gameID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, fmt.Errorf("failed to get game contribution: %w", err)
	}
	return row.Percent, true, nil
}
