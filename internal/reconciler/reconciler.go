// Package reconciler is the only code path that moves money between a
// player's real and bonus wallets on behalf of a bonus instance. Every call
// runs inside the transaction of the instance change that caused it.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"bonus_ledger/internal/apperr"
	"bonus_ledger/internal/wallet"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type EntryType string

const (
	EntryCredit   EntryType = "credit"
	EntryConvert  EntryType = "convert"
	EntryClawback EntryType = "clawback"
	EntryDebit    EntryType = "debit"
)

// Entry records one money movement attributed to a bonus instance.
type Entry struct {
	EntryID       string          `gorm:"column:entry_id;primaryKey;type:uuid" json:"entry_id"`
	PlayerBonusID string          `gorm:"column:player_bonus_id;type:uuid;not null" json:"player_bonus_id"`
	PlayerID      string          `gorm:"column:player_id;type:uuid;not null" json:"player_id"`
	EntryType     EntryType       `gorm:"column:entry_type;type:varchar(20);not null" json:"entry_type"`
	Amount        decimal.Decimal `gorm:"column:amount;type:numeric(20,2);not null" json:"amount"`
	CreatedAt     time.Time       `gorm:"column:created_at;not null" json:"created_at"`
}

func (Entry) TableName() string { return "bonus_ledger_entries" }

// Attribution sums an instance's movements. Remaining is what is still held
// in the bonus wallet on the instance's behalf.
type Attribution struct {
	Credited   decimal.Decimal `json:"credited"`
	Converted  decimal.Decimal `json:"converted"`
	ClawedBack decimal.Decimal `json:"clawed_back"`
	Debited    decimal.Decimal `json:"debited"`
	Remaining  decimal.Decimal `json:"remaining"`
}

type Reconciler struct {
	wallet wallet.Store
	logger zerolog.Logger
}

func New(store wallet.Store, logger zerolog.Logger) *Reconciler {
	return &Reconciler{wallet: store, logger: logger}
}

// CreditBonus adds a granted amount to the bonus wallet.
func (r *Reconciler) CreditBonus(ctx context.Context, tx *gorm.DB, playerID, instanceID string, amount decimal.Decimal) error {
	entry, err := r.newEntry(instanceID, playerID, EntryCredit, amount)
	if err != nil {
		return err
	}
	if _, err := r.wallet.Credit(ctx, tx, playerID, wallet.BucketBonus, amount, entry.reference()); err != nil {
		return fmt.Errorf("credit bonus wallet: %w", err)
	}
	return r.record(ctx, tx, entry)
}

// DebitBonus removes an amount attributed to the instance from the bonus wallet.
func (r *Reconciler) DebitBonus(ctx context.Context, tx *gorm.DB, playerID, instanceID string, amount decimal.Decimal) error {
	entry, err := r.newEntry(instanceID, playerID, EntryDebit, amount)
	if err != nil {
		return err
	}
	if _, err := r.wallet.Debit(ctx, tx, playerID, wallet.BucketBonus, amount, entry.reference()); err != nil {
		return fmt.Errorf("debit bonus wallet: %w", err)
	}
	return r.record(ctx, tx, entry)
}

// ConvertBonusToReal moves amount from the bonus wallet to the real wallet.
// It fails with ErrInsufficientBalance rather than converting less.
func (r *Reconciler) ConvertBonusToReal(ctx context.Context, tx *gorm.DB, playerID, instanceID string, amount decimal.Decimal) error {
	entry, err := r.newEntry(instanceID, playerID, EntryConvert, amount)
	if err != nil {
		return err
	}
	if _, err := r.wallet.Debit(ctx, tx, playerID, wallet.BucketBonus, amount, entry.reference()); err != nil {
		return fmt.Errorf("convert bonus: %w", err)
	}
	if _, err := r.wallet.Credit(ctx, tx, playerID, wallet.BucketReal, amount, entry.reference()); err != nil {
		return fmt.Errorf("convert bonus: %w", err)
	}
	return r.record(ctx, tx, entry)
}

// Clawback removes up to amount from the bonus wallet, capped at both the
// wallet balance and what the instance still holds there. It returns the
// amount actually reclaimed.
func (r *Reconciler) Clawback(ctx context.Context, tx *gorm.DB, playerID, instanceID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, apperr.Validation("clawback amount must not be negative")
	}

	w, err := r.wallet.LockBalance(ctx, tx, playerID, wallet.BucketBonus)
	if err != nil {
		return decimal.Zero, err
	}
	attr, err := r.Attribution(ctx, tx, instanceID)
	if err != nil {
		return decimal.Zero, err
	}

	capped := decimal.Min(amount, w.Balance, attr.Remaining)
	if !capped.IsPositive() {
		return decimal.Zero, nil
	}
	if capped.LessThan(amount) {
		r.logger.Warn().
			Str("player_bonus_id", instanceID).
			Str("requested", amount.String()).
			Str("clawed_back", capped.String()).
			Msg("Clawback capped by available bonus balance")
	}

	entry, err := r.newEntry(instanceID, playerID, EntryClawback, capped)
	if err != nil {
		return decimal.Zero, err
	}
	if _, err := r.wallet.Debit(ctx, tx, playerID, wallet.BucketBonus, capped, entry.reference()); err != nil {
		return decimal.Zero, fmt.Errorf("clawback: %w", err)
	}
	if err := r.record(ctx, tx, entry); err != nil {
		return decimal.Zero, err
	}
	return capped, nil
}

// Attribution sums the ledger entries of an instance.
func (r *Reconciler) Attribution(ctx context.Context, db *gorm.DB, instanceID string) (*Attribution, error) {
	var rows []struct {
		EntryType EntryType
		Total     decimal.Decimal
	}
	err := db.WithContext(ctx).Model(&Entry{}).
		Select("entry_type, COALESCE(SUM(amount), 0) AS total").
		Where("player_bonus_id = ?", instanceID).
		Group("entry_type").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to sum ledger entries: %w", err)
	}

	a := &Attribution{
		Credited:   decimal.Zero,
		Converted:  decimal.Zero,
		ClawedBack: decimal.Zero,
		Debited:    decimal.Zero,
	}
	for _, row := range rows {
		switch row.EntryType {
		case EntryCredit:
			a.Credited = row.Total
		case EntryConvert:
			a.Converted = row.Total
		case EntryClawback:
			a.ClawedBack = row.Total
		case EntryDebit:
			a.Debited = row.Total
		}
	}
	a.Remaining = a.Credited.Sub(a.Converted).Sub(a.ClawedBack).Sub(a.Debited)
	return a, nil
}

// Entries lists an instance's movements oldest first.
func (r *Reconciler) Entries(ctx context.Context, db *gorm.DB, instanceID string) ([]Entry, error) {
	var entries []Entry
	err := db.WithContext(ctx).
		Where("player_bonus_id = ?", instanceID).
		Order("created_at, entry_id").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, nil
}

func (r *Reconciler) newEntry(instanceID, playerID string, entryType EntryType, amount decimal.Decimal) (*Entry, error) {
	if !amount.IsPositive() {
		return nil, apperr.Validation("%s amount must be positive, got %s", entryType, amount)
	}
	if amount.Exponent() < -2 && !amount.Equal(amount.Round(2)) {
		return nil, apperr.Validation("%s amount %s has more than 2 decimal places", entryType, amount)
	}
	return &Entry{
		EntryID:       uuid.New().String(),
		PlayerBonusID: instanceID,
		PlayerID:      playerID,
		EntryType:     entryType,
		Amount:        amount,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

func (r *Reconciler) record(ctx context.Context, tx *gorm.DB, entry *Entry) error {
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to record ledger entry: %w", err)
	}
	r.logger.Debug().
		Str("player_bonus_id", entry.PlayerBonusID).
		Str("player_id", entry.PlayerID).
		Str("entry_type", string(entry.EntryType)).
		Str("amount", entry.Amount.String()).
		Msg("Bonus ledger entry recorded")
	return nil
}

func (e *Entry) reference() string {
	return fmt.Sprintf("bonus:%s:%s:%s", e.PlayerBonusID, e.EntryType, e.EntryID)
}
