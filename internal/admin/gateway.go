// Package admin is the operator entry point for overrides. Every call is
// authorized against the operator's role and audited in the transaction of
// the change it makes.
package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bonus_ledger/internal/apperr"
	"bonus_ledger/internal/bonus"
	"bonus_ledger/internal/catalog"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

type Gateway struct {
	db      *gorm.DB
	catalog *catalog.Service
	bonuses *bonus.Service
	logger  zerolog.Logger
}

func NewGateway(db *gorm.DB, catalogSvc *catalog.Service, bonuses *bonus.Service, logger zerolog.Logger) *Gateway {
	return &Gateway{db: db, catalog: catalogSvc, bonuses: bonuses, logger: logger}
}

func authorize(op Operator, action Action) error {
	if strings.TrimSpace(op.ID) == "" {
		return apperr.New(apperr.ErrForbidden, "operator identity is required")
	}
	if !op.Can(action) {
		return apperr.New(apperr.ErrForbidden, "role %q may not %s", op.Role, action)
	}
	return nil
}

// change is one audited mutation. run returns the target id and the
// before and after states.
type change struct {
	action     Action
	targetType string
	reason     string
	run        func(tx *gorm.DB) (targetID string, before, after interface{}, err error)
}

func (g *Gateway) apply(ctx context.Context, op Operator, c change) error {
	if err := authorize(op, c.action); err != nil {
		return err
	}

	var record *AuditRecord
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		targetID, before, after, err := c.run(tx)
		if err != nil {
			return err
		}
		record, err = newRecord(op, c, targetID, before, after)
		if err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Create(record).Error; err != nil {
			return fmt.Errorf("failed to write audit record: %w", err)
		}
		return nil
	})
	if err != nil {
		g.logger.Warn().
			Err(err).
			Str("operator_id", op.ID).
			Str("action", string(c.action)).
			Msg("Operator action rejected")
		return err
	}

	g.logger.Info().
		Str("audit_id", record.AuditID).
		Str("operator_id", op.ID).
		Str("action", string(c.action)).
		Str("target_type", record.TargetType).
		Str("target_id", record.TargetID).
		Msg("Operator action applied")
	return nil
}

func newRecord(op Operator, c change, targetID string, before, after interface{}) (*AuditRecord, error) {
	beforeState, err := snapshotOf(before)
	if err != nil {
		return nil, err
	}
	afterState, err := snapshotOf(after)
	if err != nil {
		return nil, err
	}
	rec := &AuditRecord{
		AuditID:          uuid.New().String(),
		OperatorID:       op.ID,
		OperatorUsername: op.Username,
		OperatorRole:     op.Role,
		Action:           c.action,
		TargetType:       c.targetType,
		TargetID:         targetID,
		BeforeState:      beforeState,
		AfterState:       afterState,
		CreatedAt:        time.Now().UTC(),
	}
	if reason := strings.TrimSpace(c.reason); reason != "" {
		rec.Reason = &reason
	}
	return rec, nil
}

func (g *Gateway) AwardToPlayer(ctx context.Context, op Operator, req AwardRequest) (*bonus.PlayerBonus, error) {
	var granted *bonus.PlayerBonus
	err := g.apply(ctx, op, change{
		action:     ActionAwardBonus,
		targetType: TargetInstance,
		reason:     req.Reason,
		run: func(tx *gorm.DB) (string, interface{}, interface{}, error) {
			b, err := g.bonuses.WithTx(tx).Grant(ctx, bonus.GrantRequest{
				PlayerID:       req.PlayerID,
				DefinitionID:   req.DefinitionID,
				Source:         bonus.SourceManual,
				Amount:         req.Amount,
				BaseAmount:     req.BaseAmount,
				WageringTarget: req.WageringTarget,
				ExpiresAt:      req.ExpiresAt,
				Reason:         req.Reason,
			})
			if err != nil {
				return "", nil, nil, err
			}
			granted = b
			return b.PlayerBonusID, nil, b, nil
		},
	})
	if err != nil {
		return nil, err
	}
	g.bonuses.Notify(granted)
	return granted, nil
}

// CancelInstance forfeits an active instance. A reason is mandatory.
func (g *Gateway) CancelInstance(ctx context.Context, op Operator, instanceID, reason string) (*bonus.PlayerBonus, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.Validation("cancel reason is required")
	}
	var cancelled *bonus.PlayerBonus
	err := g.apply(ctx, op, change{
		action:     ActionCancelBonus,
		targetType: TargetInstance,
		reason:     reason,
		run: func(tx *gorm.DB) (string, interface{}, interface{}, error) {
			svc := g.bonuses.WithTx(tx)
			before, err := svc.Get(ctx, instanceID)
			if err != nil {
				return "", nil, nil, err
			}
			after, err := svc.Cancel(ctx, instanceID, reason)
			if err != nil {
				return "", nil, nil, err
			}
			cancelled = after
			return instanceID, before, after, nil
		},
	})
	if err != nil {
		return nil, err
	}
	g.bonuses.Notify(cancelled)
	return cancelled, nil
}

func (g *Gateway) ResetWagering(ctx context.Context, op Operator, instanceID string, req ResetRequest) (*bonus.PlayerBonus, error) {
	var reset *bonus.PlayerBonus
	err := g.apply(ctx, op, change{
		action:     ActionResetWagering,
		targetType: TargetInstance,
		reason:     req.Reason,
		run: func(tx *gorm.DB) (string, interface{}, interface{}, error) {
			before, after, err := g.bonuses.WithTx(tx).ResetWagering(ctx, instanceID, req.Wagered, req.Target)
			if err != nil {
				return "", nil, nil, err
			}
			reset = after
			return instanceID, before, after, nil
		},
	})
	if err != nil {
		return nil, err
	}
	g.bonuses.Notify(reset)
	return reset, nil
}

func (g *Gateway) SetGameContributions(ctx context.Context, op Operator, definitionID string, rows []catalog.ContributionInput) ([]catalog.GameContribution, error) {
	var saved []catalog.GameContribution
	err := g.apply(ctx, op, change{
		action:     ActionSetContributions,
		targetType: TargetDefinition,
		run: func(tx *gorm.DB) (string, interface{}, interface{}, error) {
			svc := g.catalog.WithTx(tx)
			before, err := svc.ListContributions(ctx, definitionID)
			if err != nil {
				return "", nil, nil, err
			}
			after, err := svc.SetGameContributions(ctx, definitionID, rows)
			if err != nil {
				return "", nil, nil, err
			}
			saved = after
			return definitionID, before, after, nil
		},
	})
	return saved, err
}

func (g *Gateway) CreateDefinition(ctx context.Context, op Operator, in catalog.DefinitionInput) (*catalog.Definition, error) {
	var created *catalog.Definition
	err := g.apply(ctx, op, change{
		action:     ActionCreateDefinition,
		targetType: TargetDefinition,
		run: func(tx *gorm.DB) (string, interface{}, interface{}, error) {
			d, err := g.catalog.WithTx(tx).Create(ctx, in)
			if err != nil {
				return "", nil, nil, err
			}
			created = d
			return d.DefinitionID, nil, d, nil
		},
	})
	return created, err
}

func (g *Gateway) UpdateDefinition(ctx context.Context, op Operator, id string, patch catalog.DefinitionPatch) (*catalog.Definition, error) {
	var updated *catalog.Definition
	err := g.apply(ctx, op, change{
		action:     ActionUpdateDefinition,
		targetType: TargetDefinition,
		run: func(tx *gorm.DB) (string, interface{}, interface{}, error) {
			svc := g.catalog.WithTx(tx)
			before, err := svc.Get(ctx, id)
			if err != nil {
				return "", nil, nil, err
			}
			after, err := svc.Update(ctx, id, patch)
			if err != nil {
				return "", nil, nil, err
			}
			updated = after
			return id, before, after, nil
		},
	})
	return updated, err
}

func (g *Gateway) DisableDefinition(ctx context.Context, op Operator, id string) (*catalog.Definition, error) {
	var disabled *catalog.Definition
	err := g.apply(ctx, op, change{
		action:     ActionDisableDefinition,
		targetType: TargetDefinition,
		run: func(tx *gorm.DB) (string, interface{}, interface{}, error) {
			svc := g.catalog.WithTx(tx)
			before, err := svc.Get(ctx, id)
			if err != nil {
				return "", nil, nil, err
			}
			after, err := svc.Disable(ctx, id)
			if err != nil {
				return "", nil, nil, err
			}
			disabled = after
			return id, before, after, nil
		},
	})
	return disabled, err
}

// AuditTrail lists the records for a target, newest first.
func (g *Gateway) AuditTrail(ctx context.Context, targetType, targetID string) ([]AuditRecord, error) {
	var records []AuditRecord
	err := g.db.WithContext(ctx).
		Where("target_type = ? AND target_id = ?", targetType, targetID).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	return records, nil
}
