// Package expiry moves active bonus instances past their expiry to expired.
package expiry

import (
	"context"
	"errors"
	"sync"
	"time"

	"bonus_ledger/internal/apperr"
	"bonus_ledger/internal/bonus"

	"github.com/rs/zerolog"
)

var _ Lifecycle = (*bonus.Service)(nil)

type Lifecycle interface {
	DueForExpiry(ctx context.Context, limit int) ([]bonus.PlayerBonus, error)
	Expire(ctx context.Context, instanceID string) (*bonus.PlayerBonus, error)
}

// Sweeper runs Sweep on a fixed interval until stopped. It uses the same
// transition guard as cancel, so it is safe alongside live wagering.
type Sweeper struct {
	lifecycle Lifecycle
	interval  time.Duration
	batch     int
	logger    zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(lifecycle Lifecycle, interval time.Duration, batch int, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		lifecycle: lifecycle,
		interval:  interval,
		batch:     batch,
		logger:    logger,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
	s.logger.Info().Dur("interval", s.interval).Int("batch", s.batch).Msg("Expiry sweeper started")
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info().Msg("Expiry sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("Expiry sweep failed")
			}
		}
	}
}

// Sweep expires due instances batch by batch and returns how many it expired.
// Instances finished by a concurrent operation are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	expired := 0
	for {
		due, err := s.lifecycle.DueForExpiry(ctx, s.batch)
		if err != nil {
			return expired, err
		}

		progressed := 0
		for _, b := range due {
			if ctx.Err() != nil {
				return expired, ctx.Err()
			}
			_, err := s.lifecycle.Expire(ctx, b.PlayerBonusID)
			switch {
			case err == nil:
				expired++
				progressed++
			case errors.Is(err, apperr.ErrInvalidStateTransition):
				progressed++
			default:
				s.logger.Error().
					Err(err).
					Str("player_bonus_id", b.PlayerBonusID).
					Str("player_id", b.PlayerID).
					Msg("Failed to expire bonus")
			}
		}

		// a short batch is the last one; a batch that moved nothing would
		// come back unchanged
		if len(due) < s.batch || progressed == 0 {
			break
		}
	}

	if expired > 0 {
		s.logger.Info().Int("expired", expired).Msg("Expiry sweep finished")
	}
	return expired, nil
}
