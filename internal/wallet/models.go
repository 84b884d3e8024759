package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bucket identifies one of a player's two balances.
type Bucket string

const (
	BucketReal  Bucket = "real"
	BucketBonus Bucket = "bonus"
)

func (b Bucket) Valid() bool {
	return b == BucketReal || b == BucketBonus
}

type Wallet struct {
	WalletID   string          `gorm:"column:wallet_id;primaryKey;type:uuid" json:"wallet_id"`
	PlayerID   string          `gorm:"column:player_id;type:uuid;not null" json:"player_id"`
	WalletType Bucket          `gorm:"column:wallet_type;type:varchar(20);not null" json:"wallet_type"`
	Currency   string          `gorm:"column:currency;type:varchar(3);not null" json:"currency"`
	Balance    decimal.Decimal `gorm:"column:balance;type:numeric(20,2);not null;default:0" json:"balance"`
	Version    int             `gorm:"column:version;not null;default:1" json:"-"`
	CreatedAt  time.Time       `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Wallet) TableName() string { return "wallets" }

type Transaction struct {
	TransactionID   string          `gorm:"column:transaction_id;primaryKey;type:uuid"`
	WalletID        string          `gorm:"column:wallet_id;type:uuid;not null"`
	PlayerID        string          `gorm:"column:player_id;type:uuid;not null"`
	TransactionType string          `gorm:"column:transaction_type;type:varchar(20);not null"` // "credit", "debit"
	Amount          decimal.Decimal `gorm:"column:amount;type:numeric(20,2);not null"`
	BalanceBefore   decimal.Decimal `gorm:"column:balance_before;type:numeric(20,2);not null"`
	BalanceAfter    decimal.Decimal `gorm:"column:balance_after;type:numeric(20,2);not null"`
	ReferenceID     string          `gorm:"column:reference_id;type:varchar(255);not null"` // bonus ledger reference
	CreatedAt       time.Time       `gorm:"column:created_at;not null"`
}

func (Transaction) TableName() string { return "wallet_transactions" }

const (
	TransactionCredit = "credit"
	TransactionDebit  = "debit"
)

// Balances is a player's combined view of both buckets.
type Balances struct {
	PlayerID string          `json:"player_id"`
	Currency string          `json:"currency"`
	Real     decimal.Decimal `json:"real"`
	Bonus    decimal.Decimal `json:"bonus"`
}
