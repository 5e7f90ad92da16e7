package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	UserID           int64     `gorm:"primaryKey;autoIncrement:false"`
	CreditsRemaining int64     `gorm:"not null;check:chk_accounts_credits_non_negative,credits_remaining >= 0"`
	TotalReferrals   int64     `gorm:"not null;default:0"`
	LastResetDate    string    `gorm:"type:varchar(10);not null"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LookupReceipt mirrors the lookup_receipts table.
type LookupReceipt struct {
	ReceiptID    string         `gorm:"type:uuid;primaryKey"`
	UserID       int64          `gorm:"not null;index:idx_receipts_user_created,priority:1"`
	Query        string         `gorm:"not null"`
	StatusCode   int            `gorm:"not null"`
	CreditsAfter int64          `gorm:"not null"`
	Metadata     datatypes.JSON `gorm:"not null"`
	CreatedAt    time.Time      `gorm:"not null;index:idx_receipts_user_created,priority:2"`
}

func (LookupReceipt) TableName() string { return "lookup_receipts" }

func (receipt *LookupReceipt) BeforeCreate(tx *gorm.DB) error {
	if receipt.ReceiptID == "" {
		receipt.ReceiptID = uuid.NewString()
	}
	return nil
}

// Models lists every table managed by AutoMigrate.
func Models() []any {
	return []any{&Account{}, &LookupReceipt{}}
}
