package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID    string    `gorm:"primaryKey"`
	Kind         string    `gorm:"not null"`
	CurrencyCode string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the append-only ledger_entries table.
type LedgerEntry struct {
	EntryID        string         `gorm:"type:uuid;primaryKey"`
	AccountID      string         `gorm:"not null;index:idx_entries_account_created,priority:1;index:uniq_entry_idem,unique,priority:1"`
	Reason         string         `gorm:"not null"`
	DeltaCredits   int64          `gorm:"not null"`
	SourceEventID  *string        `gorm:"index:idx_entries_source_event"`
	IdempotencyKey string         `gorm:"not null;index:uniq_entry_idem,unique,priority:2"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_entries_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// ProcessedEvent dedups inbound billing-provider events.
type ProcessedEvent struct {
	EventID     string    `gorm:"primaryKey"`
	ProcessedAt time.Time `gorm:"not null"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }
