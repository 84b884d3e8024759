package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bonus_ledger/internal/apperr"
	"bonus_ledger/internal/database"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	MaxRetries = 3
	RetryDelay = 10 * time.Millisecond
)

// TransactionRequest is a wallet command issued by the game-settlement
// collaborator, e.g. a bet staked from the bonus bucket.
type TransactionRequest struct {
	PlayerID        string          `json:"player_id" binding:"required"`
	Bucket          Bucket          `json:"bucket" binding:"required"`
	TransactionType string          `json:"transaction_type" binding:"required"`
	Amount          decimal.Decimal `json:"amount"`
	ReferenceID     string          `json:"reference_id" binding:"required"`
}

type TransactionResponse struct {
	TransactionID string          `json:"transaction_id"`
	Balance       decimal.Decimal `json:"balance"`
}

type Service struct {
	db    *gorm.DB
	store Store
}

func NewService(db *gorm.DB, store Store) *Service {
	return &Service{db: db, store: store}
}

func (s *Service) GetBalances(ctx context.Context, playerID string) (*Balances, error) {
	return s.store.GetBalances(ctx, playerID)
}

// ProcessTransaction applies an external wallet command exactly once per
// reference id.
func (s *Service) ProcessTransaction(ctx context.Context, req TransactionRequest) (*TransactionResponse, error) {
	if !req.Bucket.Valid() {
		return nil, apperr.Validation("unknown bucket %q", req.Bucket)
	}
	if req.TransactionType != TransactionCredit && req.TransactionType != TransactionDebit {
		return nil, apperr.Validation("invalid transaction type %q", req.TransactionType)
	}

	if !req.Amount.Equal(req.Amount.Round(2)) {
		return nil, apperr.Validation("amount must have at most 2 decimal places, got %s", req.Amount)
	}

	existing, err := s.findByReference(ctx, req.ReferenceID, req.TransactionType)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &TransactionResponse{TransactionID: existing.TransactionID, Balance: existing.BalanceAfter}, nil
	}

	var result *Transaction
	for i := 0; i < MaxRetries; i++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			if req.TransactionType == TransactionCredit {
				result, txErr = s.store.Credit(ctx, tx, req.PlayerID, req.Bucket, req.Amount, req.ReferenceID)
			} else {
				result, txErr = s.store.Debit(ctx, tx, req.PlayerID, req.Bucket, req.Amount, req.ReferenceID)
			}
			return txErr
		})
		if err == nil {
			return &TransactionResponse{TransactionID: result.TransactionID, Balance: result.BalanceAfter}, nil
		}
		if database.IsUniqueViolation(err) {
			// a concurrent request with the same reference committed first
			return s.replay(ctx, req)
		}
		if errors.Is(err, apperr.ErrConflict) {
			time.Sleep(RetryDelay)
			continue
		}
		return nil, err
	}
	return nil, err
}

func (s *Service) replay(ctx context.Context, req TransactionRequest) (*TransactionResponse, error) {
	existing, err := s.findByReference(ctx, req.ReferenceID, req.TransactionType)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, apperr.New(apperr.ErrConflict, "wallet transaction %s vanished after a duplicate insert", req.ReferenceID)
	}
	return &TransactionResponse{TransactionID: existing.TransactionID, Balance: existing.BalanceAfter}, nil
}

func (s *Service) findByReference(ctx context.Context, referenceID, txType string) (*Transaction, error) {
	var t Transaction
	err := s.db.WithContext(ctx).
		Where("reference_id = ? AND transaction_type = ?", referenceID, txType).
		First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up wallet transaction: %w", err)
	}
	return &t, nil
}
