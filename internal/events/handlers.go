package events

import (
	"context"
	"encoding/json"
	"time"

	"bonus_ledger/internal/apperr"
	"bonus_ledger/internal/bonus"
	"bonus_ledger/internal/wagering"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

// BetMessage is a settled bet from the game-settlement feed.
type BetMessage struct {
	EventID   string          `json:"event_id"`
	PlayerID  string          `json:"player_id"`
	GameID    string          `json:"game_id"`
	BetAmount decimal.Decimal `json:"bet_amount"`
	Timestamp time.Time       `json:"timestamp"`
}

// DepositMessage is a completed deposit from the payments feed. Trigger
// defaults to on_deposit; reload campaigns publish recurring_reload.
type DepositMessage struct {
	DepositID string          `json:"deposit_id"`
	PlayerID  string          `json:"player_id"`
	Amount    decimal.Decimal `json:"amount"`
	Trigger   string          `json:"trigger,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type BetProcessor interface {
	ProcessBet(ctx context.Context, bet wagering.BetEvent) (*wagering.Outcome, error)
}

type TriggerApplier interface {
	ApplyTrigger(ctx context.Context, ev bonus.TriggerEvent) ([]bonus.PlayerBonus, error)
}

func decode(msg kafka.Message, v interface{}) error {
	if err := json.Unmarshal(msg.Value, v); err != nil {
		return apperr.Wrap(err, apperr.ErrValidation, "malformed message payload")
	}
	return nil
}

// BetHandler feeds settled bets into the wagering accumulator.
func BetHandler(acc BetProcessor, logger zerolog.Logger) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var m BetMessage
		if err := decode(msg, &m); err != nil {
			return err
		}
		out, err := acc.ProcessBet(ctx, wagering.BetEvent{
			BetID:     m.EventID,
			PlayerID:  m.PlayerID,
			GameID:    m.GameID,
			BetAmount: m.BetAmount,
			Timestamp: m.Timestamp,
		})
		if err != nil {
			return err
		}
		logger.Debug().
			Str("bet_id", m.EventID).
			Int("applied", out.Applied()).
			Msg("Bet event consumed")
		return nil
	}
}

// DepositHandler grants the auto-credit bonuses a deposit qualifies for.
// The deposit id makes redelivery harmless.
func DepositHandler(grants TriggerApplier, logger zerolog.Logger) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var m DepositMessage
		if err := decode(msg, &m); err != nil {
			return err
		}
		if m.DepositID == "" {
			return apperr.Validation("deposit id is required")
		}
		trigger := m.Trigger
		if trigger == "" {
			trigger = "on_deposit"
		}

		granted, err := grants.ApplyTrigger(ctx, bonus.TriggerEvent{
			PlayerID:   m.PlayerID,
			Trigger:    trigger,
			BaseAmount: m.Amount,
			SourceRef:  "deposit:" + m.DepositID,
		})
		if err != nil {
			return err
		}
		if len(granted) > 0 {
			logger.Info().
				Str("deposit_id", m.DepositID).
				Str("player_id", m.PlayerID).
				Int("granted", len(granted)).
				Msg("Deposit bonuses granted")
		}
		return nil
	}
}
