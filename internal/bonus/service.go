package bonus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bonus_ledger/internal/apperr"
	"bonus_ledger/internal/catalog"
	"bonus_ledger/internal/player"
	"bonus_ledger/internal/reconciler"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Notifier receives a progress snapshot after every committed change.
type Notifier interface {
	Notify(playerID string, progress Progress)
}

// Service owns the lifecycle of player bonus instances:
// active -> completed | forfeited | expired.
type Service struct {
	db         *gorm.DB
	repo       *BonusRepositoryImpl
	catalog    *catalog.Service
	players    player.Directory
	reconciler *reconciler.Reconciler
	notifier   Notifier
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(db *gorm.DB, catalogSvc *catalog.Service, players player.Directory, rec *reconciler.Reconciler, logger zerolog.Logger) *Service {
	return &Service{
		db:         db,
		repo:       NewBonusRepository(db),
		catalog:    catalogSvc,
		players:    players,
		reconciler: rec,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithTx returns a Service whose operations run inside tx. It sends no
// notifications: tx may still roll back, so the owner of tx calls Notify
// once it has committed.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	c := *s
	c.db = tx
	c.repo = NewBonusRepository(tx)
	c.notifier = nil
	return &c
}

func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Grant creates an active instance and credits the bonus wallet in one
// transaction. A zero wagering target completes the instance immediately.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (*PlayerBonus, error) {
	if err := validateGrant(req); err != nil {
		return nil, err
	}
	p, err := s.players.Get(ctx, req.PlayerID)
	if err != nil {
		return nil, err
	}

	var granted *PlayerBonus
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// grants for one player are serialized; other players are unaffected
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", req.PlayerID).Error; err != nil {
			return fmt.Errorf("failed to lock player: %w", err)
		}

		b, err := s.buildInstance(ctx, tx, req, p)
		if err != nil {
			return err
		}
		if !b.Stackable {
			held, err := s.repo.CountActiveNonStackable(ctx, tx, b.PlayerID)
			if err != nil {
				return err
			}
			if held > 0 {
				return apperr.Ineligible("player already holds an active non-stackable bonus")
			}
		}

		if err := s.repo.CreatePlayerBonus(ctx, tx, b); err != nil {
			return err
		}
		if err := s.reconciler.CreditBonus(ctx, tx, b.PlayerID, b.PlayerBonusID, b.BonusAmount); err != nil {
			return err
		}
		if !b.WageringRequired.IsPositive() {
			if err := s.complete(ctx, tx, b, map[string]interface{}{}); err != nil {
				return err
			}
		}
		granted = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("player_bonus_id", granted.PlayerBonusID).
		Str("player_id", granted.PlayerID).
		Str("source", string(req.Source)).
		Str("amount", granted.BonusAmount.String()).
		Str("wagering_required", granted.WageringRequired.String()).
		Str("status", string(granted.Status)).
		Msg("Player bonus granted")
	s.notify(granted)
	return granted, nil
}

func validateGrant(req GrantRequest) error {
	if _, err := uuid.Parse(req.PlayerID); err != nil {
		return apperr.Validation("player id must be a UUID")
	}
	if req.DefinitionID == "" && req.Amount == nil {
		return apperr.Validation("either a bonus definition or a manual amount is required")
	}
	if req.Amount != nil && !req.Amount.IsPositive() {
		return apperr.Validation("manual amount must be positive")
	}
	if req.Amount != nil && !req.Amount.Equal(req.Amount.Round(2)) {
		return apperr.Validation("manual amount must have at most 2 decimal places")
	}
	if req.WageringTarget != nil && req.WageringTarget.IsNegative() {
		return apperr.Validation("wagering target must not be negative")
	}
	if req.BaseAmount.IsNegative() {
		return apperr.Validation("base amount must not be negative")
	}
	return nil
}

func (s *Service) buildInstance(ctx context.Context, tx *gorm.DB, req GrantRequest, p *player.Player) (*PlayerBonus, error) {
	now := s.now()
	b := &PlayerBonus{
		PlayerBonusID:     uuid.New().String(),
		PlayerID:          p.PlayerID,
		Status:            StatusActive,
		WageringCompleted: decimal.Zero,
		Version:           1,
		ClaimedAt:         now,
		UpdatedAt:         now,
	}
	if req.SourceRef != "" {
		ref := req.SourceRef
		b.SourceRef = &ref
	}

	if req.DefinitionID == "" {
		// ad-hoc grants never block or get blocked by stacking rules
		b.Stackable = true
		b.BonusAmount = *req.Amount
		b.WageringRequired = decimal.Zero
		if req.WageringTarget != nil {
			b.WageringRequired = *req.WageringTarget
		}
		b.ExpiresAt = req.ExpiresAt
		return b, nil
	}

	def, err := s.catalog.GetForUpdate(ctx, tx, req.DefinitionID)
	if err != nil {
		return nil, err
	}
	if err := checkEligibility(def, p, req.Source, req.BaseAmount, now); err != nil {
		return nil, err
	}
	if err := s.checkClaimLimits(ctx, tx, def, p.PlayerID); err != nil {
		return nil, err
	}

	var amount decimal.Decimal
	if req.Amount != nil {
		amount = *req.Amount
	} else if amount, err = def.Reward().Compute(req.BaseAmount); err != nil {
		return nil, err
	}

	defID := def.DefinitionID
	b.DefinitionID = &defID
	b.Stackable = def.Stackable
	b.BonusAmount = amount
	b.WageringRequired = WageringTarget(amount, def.WageringMultiplier)
	if req.WageringTarget != nil {
		b.WageringRequired = *req.WageringTarget
	}
	b.ExpiresAt = def.ExpiresAt(now)
	if req.ExpiresAt != nil {
		b.ExpiresAt = req.ExpiresAt
	}
	return b, nil
}

func (s *Service) checkClaimLimits(ctx context.Context, tx *gorm.DB, def *catalog.Definition, playerID string) error {
	if def.MaxClaims > 0 {
		total, err := s.repo.CountClaims(ctx, tx, def.DefinitionID, "")
		if err != nil {
			return err
		}
		if total >= int64(def.MaxClaims) {
			return apperr.Ineligible("bonus %s has reached its claim limit", def.DefinitionID)
		}
	}
	if def.MaxClaimsPerPlayer > 0 {
		mine, err := s.repo.CountClaims(ctx, tx, def.DefinitionID, playerID)
		if err != nil {
			return err
		}
		if mine >= int64(def.MaxClaimsPerPlayer) {
			return apperr.Ineligible("player has reached the claim limit for bonus %s", def.DefinitionID)
		}
	}
	return nil
}

// ClaimByCode grants the definition carrying the claim code.
func (s *Service) ClaimByCode(ctx context.Context, playerID, code string, base decimal.Decimal) (*PlayerBonus, error) {
	if strings.TrimSpace(code) == "" {
		return nil, apperr.Validation("claim code is required")
	}
	def, err := s.catalog.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.Grant(ctx, GrantRequest{
		PlayerID:     playerID,
		DefinitionID: def.DefinitionID,
		Source:       SourceClaim,
		BaseAmount:   base,
	})
}

// ApplyTrigger grants every active auto-credit definition for the event's
// trigger. Ineligible definitions are skipped; each (definition, source ref)
// pair is granted at most once.
func (s *Service) ApplyTrigger(ctx context.Context, ev TriggerEvent) ([]PlayerBonus, error) {
	trigger := catalog.TriggerType(ev.Trigger)
	if !trigger.Valid() || trigger == catalog.TriggerManual {
		return nil, apperr.Validation("unsupported trigger %q", ev.Trigger)
	}
	if ev.SourceRef == "" {
		return nil, apperr.Validation("source reference is required")
	}

	defs, err := s.catalog.ListAutoCredit(ctx, trigger)
	if err != nil {
		return nil, err
	}

	var granted []PlayerBonus
	for _, def := range defs {
		done, err := s.repo.SourceGranted(ctx, def.DefinitionID, ev.SourceRef)
		if err != nil {
			return granted, err
		}
		if done {
			continue
		}

		b, err := s.Grant(ctx, GrantRequest{
			PlayerID:     ev.PlayerID,
			DefinitionID: def.DefinitionID,
			Source:       SourceTrigger,
			BaseAmount:   ev.BaseAmount,
			SourceRef:    ev.SourceRef,
		})
		switch {
		case err == nil:
			granted = append(granted, *b)
		case errors.Is(err, ErrDuplicateSource):
		case errors.Is(err, apperr.ErrEligibilityDenied), errors.Is(err, apperr.ErrValidation):
			s.logger.Info().
				Err(err).
				Str("player_id", ev.PlayerID).
				Str("definition_id", def.DefinitionID).
				Msg("Auto-credit bonus skipped")
		default:
			return granted, err
		}
	}
	return granted, nil
}

// Advance applies a bet's contribution to an instance. Replayed bets are
// no-ops. Reaching the target completes the instance and converts its amount
// to real balance in the same transaction.
func (s *Service) Advance(ctx context.Context, req AdvanceRequest) (*AdvanceResult, error) {
	if !req.Contribution.IsPositive() {
		return nil, apperr.InvalidState("contribution must be positive, got %s", req.Contribution)
	}
	if req.BetID == "" {
		return nil, apperr.Validation("bet id is required")
	}

	result := &AdvanceResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := s.repo.GetBonusForUpdate(ctx, tx, req.InstanceID)
		if err != nil {
			return err
		}
		result.Instance = b

		seen, err := s.repo.EventExists(ctx, tx, req.BetID, b.PlayerBonusID)
		if err != nil {
			return err
		}
		if seen {
			return nil
		}
		if b.Status != StatusActive {
			return apperr.InvalidState("bonus instance %s is %s", b.PlayerBonusID, b.Status)
		}
		if b.ExpiredAt(s.now()) {
			return apperr.InvalidState("bonus instance %s has expired", b.PlayerBonusID)
		}

		wagered := b.WageringCompleted.Add(req.Contribution)
		fields := map[string]interface{}{"wagering_completed": wagered}
		b.WageringCompleted = wagered

		err = s.repo.CreateWageringEvent(ctx, tx, &WageringEvent{
			EventID:                uuid.New().String(),
			PlayerBonusID:          b.PlayerBonusID,
			BetID:                  req.BetID,
			GameID:                 req.GameID,
			BetAmount:              req.BetAmount,
			ContributionPercentage: req.Percent,
			WageringContribution:   req.Contribution,
			CreatedAt:              s.now(),
		})
		if err != nil {
			return err
		}

		if Reached(wagered, b.WageringRequired) {
			if err := s.complete(ctx, tx, b, fields); err != nil {
				return err
			}
			result.Completed = true
		} else if err := s.repo.UpdateBonus(ctx, tx, b, fields); err != nil {
			return err
		}
		result.Applied = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Applied {
		if result.Completed {
			s.logger.Info().
				Str("player_bonus_id", result.Instance.PlayerBonusID).
				Str("player_id", result.Instance.PlayerID).
				Str("wagered", result.Instance.WageringCompleted.String()).
				Msg("Bonus wagering completed")
		}
		s.notify(result.Instance)
	}
	return result, nil
}

// complete marks b completed alongside fields and converts its amount.
func (s *Service) complete(ctx context.Context, tx *gorm.DB, b *PlayerBonus, fields map[string]interface{}) error {
	now := s.now()
	fields["status"] = StatusCompleted
	fields["ended_at"] = now
	if err := s.repo.UpdateBonus(ctx, tx, b, fields); err != nil {
		return err
	}
	b.Status = StatusCompleted
	b.EndedAt = &now
	return s.reconciler.ConvertBonusToReal(ctx, tx, b.PlayerID, b.PlayerBonusID, b.BonusAmount)
}

// Cancel forfeits an active instance and claws back its unearned remainder.
func (s *Service) Cancel(ctx context.Context, instanceID, reason string) (*PlayerBonus, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.Validation("cancel reason is required")
	}
	return s.terminate(ctx, instanceID, StatusForfeited, reason)
}

// Expire moves an instance past its expiry to expired, clawing back like Cancel.
func (s *Service) Expire(ctx context.Context, instanceID string) (*PlayerBonus, error) {
	return s.terminate(ctx, instanceID, StatusExpired, "expired")
}

func (s *Service) terminate(ctx context.Context, instanceID string, to Status, reason string) (*PlayerBonus, error) {
	var (
		b          *PlayerBonus
		clawedBack decimal.Decimal
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		b, err = s.repo.GetBonusForUpdate(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		if b.Status != StatusActive {
			return apperr.InvalidState("bonus instance %s is %s", b.PlayerBonusID, b.Status)
		}
		now := s.now()
		if to == StatusExpired && !b.ExpiredAt(now) {
			return apperr.InvalidState("bonus instance %s has not expired", b.PlayerBonusID)
		}

		unearned := UnearnedRemainder(b.BonusAmount, b.WageringCompleted, b.WageringRequired)
		clawedBack, err = s.reconciler.Clawback(ctx, tx, b.PlayerID, b.PlayerBonusID, unearned)
		if err != nil {
			return err
		}

		err = s.repo.UpdateBonus(ctx, tx, b, map[string]interface{}{
			"status":        to,
			"status_reason": reason,
			"ended_at":      now,
		})
		if err != nil {
			return err
		}
		b.Status = to
		b.StatusReason = &reason
		b.EndedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("player_bonus_id", b.PlayerBonusID).
		Str("player_id", b.PlayerID).
		Str("status", string(to)).
		Str("reason", reason).
		Str("clawed_back", clawedBack.String()).
		Msg("Player bonus terminated")
	s.notify(b)
	return b, nil
}

// ResetWagering overrides the wagered amount and optionally the target of an
// active instance. Meeting the target completes it.
func (s *Service) ResetWagering(ctx context.Context, instanceID string, wagered decimal.Decimal, target *decimal.Decimal) (before, after *PlayerBonus, err error) {
	if wagered.IsNegative() {
		return nil, nil, apperr.Validation("wagered amount must not be negative")
	}
	if target != nil && target.IsNegative() {
		return nil, nil, apperr.Validation("wagering target must not be negative")
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := s.repo.GetBonusForUpdate(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		if b.Status != StatusActive {
			return apperr.InvalidState("bonus instance %s is %s", b.PlayerBonusID, b.Status)
		}
		snapshot := *b
		before = &snapshot

		fields := map[string]interface{}{"wagering_completed": wagered}
		b.WageringCompleted = wagered
		if target != nil {
			fields["wagering_required"] = *target
			b.WageringRequired = *target
		}

		if !b.WageringRequired.IsPositive() || Reached(wagered, b.WageringRequired) {
			if err := s.complete(ctx, tx, b, fields); err != nil {
				return err
			}
		} else if err := s.repo.UpdateBonus(ctx, tx, b, fields); err != nil {
			return err
		}
		after = b
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.notify(after)
	return before, after, nil
}

func (s *Service) Get(ctx context.Context, instanceID string) (*PlayerBonus, error) {
	return s.repo.GetBonus(ctx, instanceID)
}

func (s *Service) ActiveForPlayer(ctx context.Context, playerID string) ([]PlayerBonus, error) {
	return s.repo.GetActiveBonuses(ctx, playerID)
}

// History lists a player's instances, newest first.
func (s *Service) History(ctx context.Context, playerID string, limit, offset int) ([]PlayerBonus, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListPlayerBonuses(ctx, playerID, limit, offset)
}

// DueForExpiry lists active instances already past their expiry.
func (s *Service) DueForExpiry(ctx context.Context, limit int) ([]PlayerBonus, error) {
	return s.repo.ListExpired(ctx, s.now(), limit)
}

func (s *Service) DefinitionStats(ctx context.Context, definitionID string) (*DefinitionStats, error) {
	if _, err := s.catalog.Get(ctx, definitionID); err != nil {
		return nil, err
	}
	return s.repo.DefinitionStats(ctx, definitionID)
}

func (s *Service) Progress(ctx context.Context, instanceID string) (*Progress, error) {
	b, err := s.repo.GetBonus(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	p := ProgressOf(b, s.now())
	return &p, nil
}

// Attribution returns the money movements recorded for an instance.
func (s *Service) Attribution(ctx context.Context, instanceID string) (*reconciler.Attribution, error) {
	if _, err := s.repo.GetBonus(ctx, instanceID); err != nil {
		return nil, err
	}
	return s.reconciler.Attribution(ctx, s.db, instanceID)
}

// Ledger lists the money movements of an instance, oldest first.
func (s *Service) Ledger(ctx context.Context, instanceID string) ([]reconciler.Entry, error) {
	if _, err := s.repo.GetBonus(ctx, instanceID); err != nil {
		return nil, err
	}
	return s.reconciler.Entries(ctx, s.db, instanceID)
}

func ProgressOf(b *PlayerBonus, now time.Time) Progress {
	return Progress{
		PlayerBonusID:      b.PlayerBonusID,
		PlayerID:           b.PlayerID,
		Status:             b.Status,
		WageringRequired:   b.WageringRequired,
		WageringCompleted:  b.WageringCompleted,
		PercentageComplete: PercentComplete(b.WageringCompleted, b.WageringRequired),
		Completed:          b.Status == StatusCompleted,
		Timestamp:          now,
	}
}

// Notify publishes the current progress of b.
func (s *Service) Notify(b *PlayerBonus) {
	s.notify(b)
}

func (s *Service) notify(b *PlayerBonus) {
	if s.notifier == nil || b == nil {
		return
	}
	s.notifier.Notify(b.PlayerID, ProgressOf(b, s.now()))
}
