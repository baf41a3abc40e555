package journal

import (
	"time"

	"gorm.io/gorm"
)

// Direction is the side of a journal line
type Direction string

const (
	Debit  Direction = "DEBIT"
	Credit Direction = "CREDIT"
)

// Account identifies a clearing ledger account
type Account string

const (
	AccountSettlementEscrow Account = "SETTLEMENT_ESCROW"
	AccountSellerProceeds   Account = "SELLER_PROCEEDS"
	AccountPlatformFees     Account = "PLATFORM_FEES"
)

// Journal is a balanced batch of debit and credit lines tied to one settlement.
// Table name: clearing_journals
type Journal struct {
	gorm.Model       `json:"-"`
	JournalID        string    `gorm:"uniqueIndex" json:"journal_id"`
	IdempotencyKey   string    `gorm:"uniqueIndex" json:"idempotency_key"`
	SettlementID     string    `gorm:"index" json:"settlement_id"`
	Name             string    `json:"name"`
	Currency         string    `json:"currency"`
	TotalDebitCents  int64     `json:"total_debit_cents"`
	TotalCreditCents int64     `json:"total_credit_cents"`
	PostedAt         time.Time `json:"posted_at"`
	Entries          []Entry   `gorm:"foreignKey:JournalID;references:JournalID" json:"entries"`
}

// TableName keeps the table aligned with the clearing vocabulary
func (Journal) TableName() string {
	return "clearing_journals"
}

// Entry is a single debit or credit line. Table name: clearing_journal_entries
type Entry struct {
	gorm.Model  `json:"-"`
	EntryID     string    `gorm:"uniqueIndex" json:"entry_id"`
	JournalID   string    `gorm:"index" json:"journal_id"`
	Direction   Direction `json:"direction"`
	Account     Account   `json:"account"`
	AmountCents int64     `json:"amount_cents"`
	Memo        string    `json:"memo,omitempty"`
}

// TableName keeps the table aligned with the clearing vocabulary
func (Entry) TableName() string {
	return "clearing_journal_entries"
}

// Line is the input form of an Entry
type Line struct {
	Direction   Direction
	Account     Account
	AmountCents int64
	Memo        string
}
