package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bonus_ledger/internal/apperr"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInsufficientFunds = apperr.New(apperr.ErrInsufficientBalance, "insufficient funds")
	ErrWalletNotFound    = apperr.NotFound("wallet not found")
	ErrOptimisticLock    = apperr.New(apperr.ErrConflict, "wallet was modified concurrently")
)

// Store is the wallet collaborator. Credit and Debit run inside the caller's
// transaction so wallet movements commit or roll back with the state change
// that caused them.
type Store interface {
	Credit(ctx context.Context, tx *gorm.DB, playerID string, bucket Bucket, amount decimal.Decimal, referenceID string) (*Transaction, error)
	Debit(ctx context.Context, tx *gorm.DB, playerID string, bucket Bucket, amount decimal.Decimal, referenceID string) (*Transaction, error)
	LockBalance(ctx context.Context, tx *gorm.DB, playerID string, bucket Bucket) (*Wallet, error)
	GetBalances(ctx context.Context, playerID string) (*Balances, error)
}

type RepositoryImpl struct {
	db       *gorm.DB
	currency string
}

func NewRepository(db *gorm.DB, currency string) *RepositoryImpl {
	return &RepositoryImpl{db: db, currency: currency}
}

// LockBalance returns the wallet row for the bucket, creating it at zero when
// absent, and holds a row lock until tx ends.
func (r *RepositoryImpl) LockBalance(ctx context.Context, tx *gorm.DB, playerID string, bucket Bucket) (*Wallet, error) {
	if !bucket.Valid() {
		return nil, apperr.Validation("unknown wallet bucket %q", bucket)
	}

	now := time.Now().UTC()
	seed := Wallet{
		WalletID:   uuid.New().String(),
		PlayerID:   playerID,
		WalletType: bucket,
		Currency:   r.currency,
		Balance:    decimal.Zero,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&seed).Error
	if err != nil {
		return nil, fmt.Errorf("failed to ensure wallet: %w", err)
	}

	var w Wallet
	err = tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("player_id = ? AND wallet_type = ? AND currency = ?", playerID, bucket, r.currency).
		First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return &w, nil
}

func (r *RepositoryImpl) Credit(ctx context.Context, tx *gorm.DB, playerID string, bucket Bucket, amount decimal.Decimal, referenceID string) (*Transaction, error) {
	if err := checkAmount("credit", amount); err != nil {
		return nil, err
	}
	w, err := r.LockBalance(ctx, tx, playerID, bucket)
	if err != nil {
		return nil, err
	}
	return r.apply(ctx, tx, w, TransactionCredit, amount, w.Balance.Add(amount), referenceID)
}

func (r *RepositoryImpl) Debit(ctx context.Context, tx *gorm.DB, playerID string, bucket Bucket, amount decimal.Decimal, referenceID string) (*Transaction, error) {
	if err := checkAmount("debit", amount); err != nil {
		return nil, err
	}
	w, err := r.LockBalance(ctx, tx, playerID, bucket)
	if err != nil {
		return nil, err
	}
	if w.Balance.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}
	return r.apply(ctx, tx, w, TransactionDebit, amount, w.Balance.Sub(amount), referenceID)
}

func checkAmount(op string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.Validation("%s amount must be positive, got %s", op, amount)
	}
	if !amount.Equal(amount.Round(2)) {
		return apperr.Validation("%s amount must have at most 2 decimal places, got %s", op, amount)
	}
	return nil
}

func (r *RepositoryImpl) apply(ctx context.Context, tx *gorm.DB, w *Wallet, txType string, amount, newBalance decimal.Decimal, referenceID string) (*Transaction, error) {
	now := time.Now().UTC()
	result := tx.WithContext(ctx).Model(&Wallet{}).
		Where("wallet_id = ? AND version = ?", w.WalletID, w.Version).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update wallet: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrOptimisticLock
	}

	t := &Transaction{
		TransactionID:   uuid.New().String(),
		WalletID:        w.WalletID,
		PlayerID:        w.PlayerID,
		TransactionType: txType,
		Amount:          amount,
		BalanceBefore:   w.Balance,
		BalanceAfter:    newBalance,
		ReferenceID:     referenceID,
		CreatedAt:       now,
	}
	if err := tx.WithContext(ctx).Create(t).Error; err != nil {
		return nil, fmt.Errorf("failed to record wallet transaction: %w", err)
	}

	w.Balance = newBalance
	w.Version++
	return t, nil
}

func (r *RepositoryImpl) GetBalances(ctx context.Context, playerID string) (*Balances, error) {
	var wallets []Wallet
	err := r.db.WithContext(ctx).
		Where("player_id = ? AND currency = ?", playerID, r.currency).
		Find(&wallets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}

	b := &Balances{PlayerID: playerID, Currency: r.currency, Real: decimal.Zero, Bonus: decimal.Zero}
	for _, w := range wallets {
		switch w.WalletType {
		case BucketReal:
			b.Real = w.Balance
		case BucketBonus:
			b.Bonus = w.Balance
		}
	}
	return b, nil
}
