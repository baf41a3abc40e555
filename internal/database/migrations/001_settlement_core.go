package migrations

import (
	"github.com/ksred/klear-bullion/internal/reference"
	"github.com/ksred/klear-bullion/internal/settlement"
	"github.com/ksred/klear-bullion/internal/types"
	"gorm.io/gorm"
)

// AddSettlementCore creates the order intake, reference directory and
// settlement case tables
func AddSettlementCore(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&types.Order{},
		&types.Reservation{},
		&types.Allocation{},
		&types.IdempotencyRecord{},
	); err != nil {
		return err
	}

	if err := db.AutoMigrate(
		&reference.Corridor{},
		&reference.Hub{},
		&reference.VerificationCase{},
	); err != nil {
		return err
	}

	return db.AutoMigrate(
		&settlement.SettlementCase{},
		&settlement.LedgerEntry{},
		&settlement.Certificate{},
	)
}
