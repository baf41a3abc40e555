package reference

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetCorridor(ctx context.Context, id string) (*Corridor, error) {
	var c Corridor
	if err := d.db.WithContext(ctx).Where("corridor_id = ?", id).First(&c).Error; err != nil {
		return nil, notFound(err, ErrCorridorNotFound)
	}
	return &c, nil
}

func (d *Database) GetHub(ctx context.Context, id string) (*Hub, error) {
	var h Hub
	if err := d.db.WithContext(ctx).Where("hub_id = ?", id).First(&h).Error; err != nil {
		return nil, notFound(err, ErrHubNotFound)
	}
	return &h, nil
}

func (d *Database) GetVerificationCase(ctx context.Context, id string) (*VerificationCase, error) {
	var v VerificationCase
	if err := d.db.WithContext(ctx).Where("case_id = ?", id).First(&v).Error; err != nil {
		return nil, notFound(err, ErrVerificationCaseNotFound)
	}
	return &v, nil
}

func (d *Database) ListCorridors(ctx context.Context) ([]Corridor, error) {
	var out []Corridor
	err := d.db.WithContext(ctx).Order("corridor_id").Find(&out).Error
	return out, err
}

func (d *Database) ListHubs(ctx context.Context) ([]Hub, error) {
	var out []Hub
	err := d.db.WithContext(ctx).Order("hub_id").Find(&out).Error
	return out, err
}

func (d *Database) UpdateCorridorStatus(ctx context.Context, id string, status CorridorStatus, note string) error {
	result := d.db.WithContext(ctx).Model(&Corridor{}).Where("corridor_id = ?", id).
		Updates(map[string]interface{}{"status": status, "status_note": note})
	if result.Error == nil && result.RowsAffected == 0 {
		return ErrCorridorNotFound
	}
	return result.Error
}

func (d *Database) UpdateHubStatus(ctx context.Context, id string, status HubStatus, note string) error {
	result := d.db.WithContext(ctx).Model(&Hub{}).Where("hub_id = ?", id).
		Updates(map[string]interface{}{"status": status, "status_note": note})
	if result.Error == nil && result.RowsAffected == 0 {
		return ErrHubNotFound
	}
	return result.Error
}

// Upsert* insert the record or overwrite its mutable fields by natural key

func (d *Database) UpsertCorridor(ctx context.Context, c *Corridor) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "corridor_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "origin", "destination", "status", "status_note", "updated_at"}),
	}).Create(c).Error
}

func (d *Database) UpsertHub(ctx context.Context, h *Hub) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hub_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "city", "status", "status_note", "updated_at"}),
	}).Create(h).Error
}

func (d *Database) UpsertVerificationCase(ctx context.Context, v *VerificationCase) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "case_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"subject_id", "provider", "status", "reviewed_at", "updated_at"}),
	}).Create(v).Error
}

func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}
