// Package wagering turns settled bets into wagering progress on a player's
// active bonus instances.
package wagering

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bonus_ledger/internal/apperr"
	"bonus_ledger/internal/bonus"
	"bonus_ledger/internal/catalog"
	"bonus_ledger/internal/database"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const RetryDelay = 10 * time.Millisecond

var hundred = decimal.NewFromInt(100)

// BetEvent is a settled bet reported by the game platform.
type BetEvent struct {
	BetID     string          `json:"bet_id" binding:"required"`
	PlayerID  string          `json:"player_id" binding:"required"`
	GameID    string          `json:"game_id" binding:"required"`
	BetAmount decimal.Decimal `json:"bet_amount"`
	Timestamp time.Time       `json:"timestamp"`
}

// Outcome reports what one bet did to each active instance.
type Outcome struct {
	BetID    string                `json:"bet_id"`
	Advanced []bonus.AdvanceResult `json:"-"`
	Skipped  int                   `json:"skipped"`
	Failed   int                   `json:"failed"`
}

// Applied counts instances whose progress moved because of this bet.
func (o *Outcome) Applied() int {
	n := 0
	for _, r := range o.Advanced {
		if r.Applied {
			n++
		}
	}
	return n
}

type contributions interface {
	ContributionPercent(ctx context.Context, definitionID, gameID string) (decimal.Decimal, error)
}

type Accumulator struct {
	bonuses       *bonus.Service
	contributions contributions
	logger        zerolog.Logger
	maxRetries    int
	now           func() time.Time
}

func NewAccumulator(bonuses *bonus.Service, catalogSvc *catalog.Service, logger zerolog.Logger, maxRetries int) *Accumulator {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Accumulator{
		bonuses:       bonuses,
		contributions: catalogSvc,
		logger:        logger,
		maxRetries:    maxRetries,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// ProcessBet advances every active instance of the bettor by the bet's
// contribution under that instance's game table. Each instance advances in
// its own transaction; replays of a bet are no-ops per instance. A failing
// instance does not stop the others: every instance is tried and the
// failures are returned joined, so a redelivery only redoes what failed.
func (a *Accumulator) ProcessBet(ctx context.Context, bet BetEvent) (*Outcome, error) {
	if err := validateBet(bet); err != nil {
		return nil, err
	}

	active, err := a.bonuses.ActiveForPlayer(ctx, bet.PlayerID)
	if err != nil {
		return nil, err
	}

	out := &Outcome{BetID: bet.BetID}
	now := a.now()
	var errs []error
	for i := range active {
		inst := &active[i]
		if inst.ExpiredAt(now) {
			out.Skipped++
			continue
		}

		percent, err := a.percentFor(ctx, inst, bet.GameID)
		if err != nil {
			errs = append(errs, fmt.Errorf("instance %s: %w", inst.PlayerBonusID, err))
			continue
		}
		contribution := Contribution(bet.BetAmount, percent)
		if !contribution.IsPositive() {
			out.Skipped++
			continue
		}

		res, err := a.advance(ctx, bonus.AdvanceRequest{
			InstanceID:   inst.PlayerBonusID,
			BetID:        bet.BetID,
			GameID:       bet.GameID,
			BetAmount:    bet.BetAmount,
			Percent:      percent,
			Contribution: contribution,
		})
		if errors.Is(err, apperr.ErrInvalidStateTransition) {
			// finished or expired since it was listed
			a.logger.Debug().Err(err).Str("player_bonus_id", inst.PlayerBonusID).Msg("Instance no longer accepts wagering")
			out.Skipped++
			continue
		}
		if err != nil {
			a.logger.Error().
				Err(err).
				Str("player_bonus_id", inst.PlayerBonusID).
				Str("bet_id", bet.BetID).
				Str("code", apperr.Code(err)).
				Msg("Wagering advance failed")
			out.Failed++
			errs = append(errs, fmt.Errorf("instance %s: %w", inst.PlayerBonusID, err))
			continue
		}
		out.Advanced = append(out.Advanced, *res)
	}

	a.logger.Info().
		Str("bet_id", bet.BetID).
		Str("player_id", bet.PlayerID).
		Str("game_id", bet.GameID).
		Str("bet_amount", bet.BetAmount.String()).
		Int("applied", out.Applied()).
		Int("skipped", out.Skipped).
		Int("failed", out.Failed).
		Msg("Wagering processed")
	if len(errs) > 0 {
		return out, errors.Join(errs...)
	}
	return out, nil
}

func (a *Accumulator) percentFor(ctx context.Context, inst *bonus.PlayerBonus, gameID string) (decimal.Decimal, error) {
	// ad-hoc grants have no contribution table
	if inst.DefinitionID == nil {
		return decimal.Zero, nil
	}
	return a.contributions.ContributionPercent(ctx, *inst.DefinitionID, gameID)
}

func (a *Accumulator) advance(ctx context.Context, req bonus.AdvanceRequest) (*bonus.AdvanceResult, error) {
	var lastErr error
	for attempt := 1; attempt <= a.maxRetries; attempt++ {
		res, err := a.bonuses.Advance(ctx, req)
		if err == nil {
			return res, nil
		}
		if !apperr.Retryable(err) && !database.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		a.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Str("player_bonus_id", req.InstanceID).
			Str("bet_id", req.BetID).
			Msg("Advance conflicted, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(RetryDelay * time.Duration(attempt)):
		}
	}
	return nil, apperr.Wrap(lastErr, apperr.ErrConflict, "wagering advance did not succeed after retries")
}

// Contribution is bet x percent / 100, kept to the 4 decimal places the
// ledger stores.
func Contribution(betAmount, percent decimal.Decimal) decimal.Decimal {
	return betAmount.Mul(percent).Div(hundred).RoundDown(4)
}

func validateBet(bet BetEvent) error {
	switch {
	case strings.TrimSpace(bet.BetID) == "":
		return apperr.Validation("bet id is required")
	case !isUUID(bet.PlayerID):
		return apperr.Validation("player id must be a UUID")
	case strings.TrimSpace(bet.GameID) == "":
		return apperr.Validation("game id is required")
	case !bet.BetAmount.IsPositive():
		return apperr.Validation("bet amount must be positive")
	case !bet.BetAmount.Equal(bet.BetAmount.Round(2)):
		return apperr.Validation("bet amount must have at most 2 decimal places")
	}
	return nil
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
