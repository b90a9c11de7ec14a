package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Balances are caches over the
// confirmed ledger entries and only move through conditional updates.
type Account struct {
	AccountID          string    `gorm:"type:uuid;primaryKey"`
	LearnerID          string    `gorm:"not null;uniqueIndex:uniq_accounts_learner"`
	Email              *string   `gorm:"uniqueIndex:uniq_accounts_email"`
	WalletCents        int64     `gorm:"not null;default:0"`
	CreditBalance      int64     `gorm:"not null;default:0"`
	TrialCreditsIssued int64     `gorm:"not null;default:0"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID        string         `gorm:"type:uuid;primaryKey"`
	AccountID      string         `gorm:"type:uuid;not null;index:idx_ledger_account_created,priority:1"`
	Kind           string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	Status         string         `gorm:"not null"`
	IdempotencyKey *string        `gorm:"uniqueIndex:uniq_entry_idem"`
	ReferenceID    *string        `gorm:""`
	Description    string         `gorm:""`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// GiftTransfer mirrors the gift_transfers table.
type GiftTransfer struct {
	GiftID             string    `gorm:"type:uuid;primaryKey"`
	PurchaserAccountID string    `gorm:"type:uuid;not null;index"`
	RecipientEmail     string    `gorm:"not null"`
	RecipientAccountID *string   `gorm:"type:uuid"`
	CreditsAmount      int64     `gorm:"not null"`
	ExternalPaymentID  string    `gorm:"not null;uniqueIndex:uniq_gift_payment"`
	Status             string    `gorm:"not null"`
	EntryID            string    `gorm:"type:uuid;not null"`
	CreatedAt          time.Time `gorm:"not null"`
}

func (GiftTransfer) TableName() string { return "gift_transfers" }

func (gift *GiftTransfer) BeforeCreate(tx *gorm.DB) error {
	if gift.GiftID == "" {
		gift.GiftID = uuid.NewString()
	}
	return nil
}
