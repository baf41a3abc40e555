package journal

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Post stores the journal and its entries. Posting a key that already exists
// returns the stored journal and isNew=false. Run it inside the caller's
// transaction so the journal commits with the state change it belongs to.
func (d *Database) Post(ctx context.Context, j Journal) (*Journal, bool, error) {
	existing, err := d.GetByKey(ctx, j.IdempotencyKey)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	MustBalance(&j)

	if err := d.db.WithContext(ctx).Create(&j).Error; err != nil {
		return nil, false, fmt.Errorf("failed to post clearing journal: %w", err)
	}
	return &j, true, nil
}

// GetByKey retrieves a journal and its entries by idempotency key
func (d *Database) GetByKey(ctx context.Context, key string) (*Journal, error) {
	var j Journal
	if err := d.db.WithContext(ctx).Preload("Entries").Where("idempotency_key = ?", key).First(&j).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// GetJournal retrieves a journal by ID
func (d *Database) GetJournal(ctx context.Context, journalID string) (*Journal, error) {
	var j Journal
	if err := d.db.WithContext(ctx).Preload("Entries").Where("journal_id = ?", journalID).First(&j).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// ListBySettlement returns every journal posted for a settlement, oldest first
func (d *Database) ListBySettlement(ctx context.Context, settlementID string) ([]Journal, error) {
	var journals []Journal
	if err := d.db.WithContext(ctx).Preload("Entries").
		Where("settlement_id = ?", settlementID).
		Order("posted_at ASC").
		Find(&journals).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch clearing journals: %w", err)
	}
	return journals, nil
}

// ListAll returns every posted journal
func (d *Database) ListAll(ctx context.Context) ([]Journal, error) {
	var journals []Journal
	if err := d.db.WithContext(ctx).Preload("Entries").Order("posted_at ASC").Find(&journals).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch clearing journals: %w", err)
	}
	return journals, nil
}
