package catalog

import (
	"context"
	"strings"
	"time"

	"bonus_ledger/internal/apperr"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service owns bonus definitions and their game contribution tables.
type Service struct {
	repo   *RepositoryImpl
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(db *gorm.DB, logger zerolog.Logger) *Service {
	return &Service{
		repo:   NewRepository(db),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithTx returns a Service whose writes join tx.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	return &Service{repo: NewRepository(tx), logger: s.logger, now: s.now}
}

func (s *Service) Create(ctx context.Context, in DefinitionInput) (*Definition, error) {
	countries, err := normalizeCountries(in.EligibleCountries)
	if err != nil {
		return nil, err
	}
	segment := in.UserSegment
	if segment == "" {
		segment = SegmentAll
	}

	now := s.now()
	d := &Definition{
		DefinitionID:       uuid.New().String(),
		Name:               strings.TrimSpace(in.Name),
		ClaimCode:          codePtr(in.ClaimCode),
		TriggerType:        in.TriggerType,
		RewardType:         in.RewardType,
		Amount:             in.Amount,
		Percentage:         in.Percentage,
		MaxAmount:          in.MaxAmount,
		WageringMultiplier: in.WageringMultiplier,
		MinDeposit:         in.MinDeposit,
		ValidFrom:          in.ValidFrom,
		ValidUntil:         in.ValidUntil,
		ExpiryDays:         in.ExpiryDays,
		MaxClaims:          in.MaxClaims,
		MaxClaimsPerPlayer: in.MaxClaimsPerPlayer,
		Stackable:          in.Stackable,
		AutoCredit:         in.AutoCredit,
		Active:             true,
		EligibleCountries:  countries,
		UserSegment:        segment,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := Validate(d); err != nil {
		return nil, err
	}
	if err := s.ensureCodeFree(ctx, d.ClaimCode, ""); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, d); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("definition_id", d.DefinitionID).
		Str("trigger", string(d.TriggerType)).
		Str("reward", string(d.RewardType)).
		Msg("Bonus definition created")
	return d, nil
}

// Update applies a partial update. Instances already granted keep their
// frozen amount and target.
func (s *Service) Update(ctx context.Context, id string, patch DefinitionPatch) (*Definition, error) {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := applyPatch(d, patch); err != nil {
		return nil, err
	}
	if err := Validate(d); err != nil {
		return nil, err
	}
	if patch.ClaimCode != nil {
		if err := s.ensureCodeFree(ctx, d.ClaimCode, d.DefinitionID); err != nil {
			return nil, err
		}
	}
	d.UpdatedAt = s.now()
	if err := s.repo.Save(ctx, d); err != nil {
		return nil, err
	}

	s.logger.Info().Str("definition_id", id).Msg("Bonus definition updated")
	return d, nil
}

// Disable deactivates a definition. In-flight instances are not touched.
func (s *Service) Disable(ctx context.Context, id string) (*Definition, error) {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Active {
		return d, nil
	}
	d.Active = false
	d.UpdatedAt = s.now()
	if err := s.repo.Save(ctx, d); err != nil {
		return nil, err
	}

	s.logger.Info().Str("definition_id", id).Msg("Bonus definition disabled")
	return d, nil
}

// SetGameContributions replaces the whole contribution table of a definition.
func (s *Service) SetGameContributions(ctx context.Context, id string, in []ContributionInput) ([]GameContribution, error) {
	if err := validateContributions(in); err != nil {
		return nil, err
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}

	rows := make([]GameContribution, 0, len(in))
	for _, c := range in {
		rows = append(rows, GameContribution{
			DefinitionID: id,
			GameID:       strings.TrimSpace(c.GameID),
			Percent:      c.Percent,
		})
	}
	if err := s.repo.ReplaceContributions(ctx, id, rows); err != nil {
		return nil, err
	}

	s.logger.Info().Str("definition_id", id).Int("games", len(rows)).Msg("Game contributions replaced")
	return rows, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Definition, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) GetForUpdate(ctx context.Context, tx *gorm.DB, id string) (*Definition, error) {
	return s.repo.GetForUpdate(ctx, tx, id)
}

func (s *Service) GetByCode(ctx context.Context, code string) (*Definition, error) {
	return s.repo.GetByCode(ctx, code)
}

func (s *Service) List(ctx context.Context, activeOnly bool) ([]Definition, error) {
	return s.repo.List(ctx, activeOnly)
}

func (s *Service) ListAutoCredit(ctx context.Context, trigger TriggerType) ([]Definition, error) {
	return s.repo.ListAutoCredit(ctx, trigger)
}

func (s *Service) ListContributions(ctx context.Context, id string) ([]GameContribution, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListContributions(ctx, id)
}

// ContributionPercent returns the percent of a bet on gameID that counts for
// instances of the definition; zero when the game is not listed.
func (s *Service) ContributionPercent(ctx context.Context, definitionID, gameID string) (decimal.Decimal, error) {
	percent, _, err := s.repo.Contribution(ctx, definitionID, gameID)
	return percent, err
}

func (s *Service) ensureCodeFree(ctx context.Context, code *string, excludeID string) error {
	if code == nil {
		return nil
	}
	taken, err := s.repo.CodeTaken(ctx, *code, excludeID)
	if err != nil {
		return err
	}
	if taken {
		return apperr.New(apperr.ErrDuplicateCode, "claim code %s already exists", *code)
	}
	return nil
}

func codePtr(code string) *string {
	code = NormalizeCode(code)
	if code == "" {
		return nil
	}
	return &code
}

func applyPatch(d *Definition, p DefinitionPatch) error {
	if p.Name != nil {
		d.Name = strings.TrimSpace(*p.Name)
	}
	if p.ClaimCode != nil {
		d.ClaimCode = codePtr(*p.ClaimCode)
	}
	if p.TriggerType != nil {
		d.TriggerType = *p.TriggerType
	}
	if p.RewardType != nil {
		d.RewardType = *p.RewardType
	}
	if p.Amount != nil {
		d.Amount = *p.Amount
	}
	if p.Percentage != nil {
		d.Percentage = *p.Percentage
	}
	if p.ClearMaxAmount {
		d.MaxAmount = nil
	} else if p.MaxAmount != nil {
		d.MaxAmount = p.MaxAmount
	}
	if p.WageringMultiplier != nil {
		d.WageringMultiplier = *p.WageringMultiplier
	}
	if p.MinDeposit != nil {
		d.MinDeposit = *p.MinDeposit
	}
	if p.ValidFrom != nil {
		d.ValidFrom = p.ValidFrom
	}
	if p.ValidUntil != nil {
		d.ValidUntil = p.ValidUntil
	}
	if p.ExpiryDays != nil {
		d.ExpiryDays = *p.ExpiryDays
	}
	if p.MaxClaims != nil {
		d.MaxClaims = *p.MaxClaims
	}
	if p.MaxClaimsPerPlayer != nil {
		d.MaxClaimsPerPlayer = *p.MaxClaimsPerPlayer
	}
	if p.Stackable != nil {
		d.Stackable = *p.Stackable
	}
	if p.AutoCredit != nil {
		d.AutoCredit = *p.AutoCredit
	}
	if p.EligibleCountries != nil {
		countries, err := normalizeCountries(*p.EligibleCountries)
		if err != nil {
			return err
		}
		d.EligibleCountries = countries
	}
	if p.UserSegment != nil {
		d.UserSegment = *p.UserSegment
	}
	return nil
}
