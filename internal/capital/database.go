package capital

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateSnapshot records a new live capital snapshot
func (d *Database) CreateSnapshot(ctx context.Context, s *Snapshot) error {
	return d.db.WithContext(ctx).Create(s).Error
}

// LatestSnapshot returns the most recently captured snapshot
func (d *Database) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	var s Snapshot
	if err := d.db.WithContext(ctx).Order("captured_at DESC, id DESC").First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (d *Database) CreateOverride(ctx context.Context, o *Override) error {
	return d.db.WithContext(ctx).Create(o).Error
}

func (d *Database) GetOverride(ctx context.Context, overrideID string) (*Override, error) {
	var o Override
	if err := d.db.WithContext(ctx).Where("override_id = ?", overrideID).First(&o).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOverrideNotFound
		}
		return nil, err
	}
	return &o, nil
}

// ListOverrides returns overrides newest first, optionally filtered by status
func (d *Database) ListOverrides(ctx context.Context, status OverrideStatus) ([]Override, error) {
	q := d.db.WithContext(ctx).Order("issued_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var overrides []Override
	if err := q.Find(&overrides).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch capital overrides: %w", err)
	}
	return overrides, nil
}

// MarkExpired moves ACTIVE overrides to EXPIRED. Already revoked or expired
// rows are left alone so the lifecycle stays one-way.
func (d *Database) MarkExpired(ctx context.Context, overrideIDs []string) (int64, error) {
	if len(overrideIDs) == 0 {
		return 0, nil
	}
	result := d.db.WithContext(ctx).Model(&Override{}).
		Where("override_id IN ? AND status = ?", overrideIDs, OverrideActive).
		Update("status", OverrideExpired)
	return result.RowsAffected, result.Error
}

// Revoke moves an ACTIVE override to REVOKED
func (d *Database) Revoke(ctx context.Context, overrideID, revokedBy string, at time.Time) error {
	result := d.db.WithContext(ctx).Model(&Override{}).
		Where("override_id = ? AND status = ?", overrideID, OverrideActive).
		Updates(map[string]interface{}{
			"status":     OverrideRevoked,
			"revoked_at": at,
			"revoked_by": revokedBy,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOverrideNotActive
	}
	return nil
}

// AppendAuditEvent inserts the event unless one with the same id exists. It
// reports whether a new row was written.
func (d *Database) AppendAuditEvent(ctx context.Context, ev *AuditEvent) (bool, error) {
	result := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(ev)
	if result.Error != nil {
		return false, fmt.Errorf("failed to append capital audit event: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListAuditEvents returns the most recent audit events, newest first
func (d *Database) ListAuditEvents(ctx context.Context, eventType AuditEventType, limit int) ([]AuditEvent, error) {
	q := d.db.WithContext(ctx).Order("occurred_at DESC, id DESC")
	if eventType != "" {
		q = q.Where("type = ?", eventType)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var events []AuditEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch capital audit events: %w", err)
	}
	return events, nil
}
