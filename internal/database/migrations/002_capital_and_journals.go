package migrations

import (
	"github.com/ksred/klear-bullion/internal/capital"
	"github.com/ksred/klear-bullion/internal/journal"
	"gorm.io/gorm"
)

// AddCapitalAndJournals creates the capital control history and the clearing
// journal tables
func AddCapitalAndJournals(db *gorm.DB) error {
	if err := db.AutoMigrate(&capital.Snapshot{}, &capital.Override{}, &capital.AuditEvent{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&journal.Journal{}); err != nil {
		return err
	}

	return db.AutoMigrate(&journal.Entry{})
}
