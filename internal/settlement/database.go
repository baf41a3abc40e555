package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-bullion/internal/journal"
	"github.com/ksred/klear-bullion/internal/orders"
	"github.com/ksred/klear-bullion/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetSettlement(ctx context.Context, settlementID string) (*SettlementCase, error) {
	var c SettlementCase
	if err := d.db.WithContext(ctx).Where("settlement_id = ?", settlementID).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch settlement: %w", err)
	}
	return &c, nil
}

func (d *Database) GetSettlementByOrderID(ctx context.Context, orderID string) (*SettlementCase, error) {
	var c SettlementCase
	if err := d.db.WithContext(ctx).Where("order_id = ?", orderID).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch settlement: %w", err)
	}
	return &c, nil
}

// ListSettlements returns settlements oldest first, filtered by status when
// one is given
func (d *Database) ListSettlements(ctx context.Context, status Status) ([]SettlementCase, error) {
	q := d.db.WithContext(ctx).Order("id ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []SettlementCase
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	return out, nil
}

// CreateSettlement stores a new case with its opening ledger entry and marks
// the order SETTLEMENT_OPEN, all in one transaction
func (d *Database) CreateSettlement(ctx context.Context, c *SettlementCase, entry *LedgerEntry) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return fmt.Errorf("failed to create settlement: %w", err)
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("failed to append ledger entry: %w", err)
		}
		if err := orders.NewDatabase(tx).UpdateOrderStatus(ctx, c.OrderID, types.OrderStatusSettlementOpen); err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}
		return nil
	})
}

// Commit persists an action outcome. The case row is updated only if it is
// still at prevVersion; otherwise ErrConcurrentUpdate is returned and nothing
// is written. On success out.Journal is the stored journal.
func (d *Database) Commit(ctx context.Context, prevVersion int64, out *Outcome) error {
	next := out.Settlement
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&SettlementCase{}).
			Where("settlement_id = ? AND version = ?", next.SettlementID, prevVersion).
			Updates(mutableColumns(next))
		if result.Error != nil {
			return fmt.Errorf("failed to update settlement: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}

		if out.Journal != nil {
			posted, _, err := journal.NewDatabase(tx).Post(ctx, *out.Journal)
			if err != nil {
				return err
			}
			out.bindJournal(*posted)
		}

		for i := range out.LedgerEntries {
			if err := tx.Create(&out.LedgerEntries[i]).Error; err != nil {
				return fmt.Errorf("failed to append ledger entry: %w", err)
			}
		}
		return nil
	})
}

// mutableColumns lists every column an action may change. The frozen capital
// snapshot and identity columns are never written after open.
func mutableColumns(c SettlementCase) map[string]interface{} {
	return map[string]interface{}{
		"status":                c.Status,
		"funds_confirmed_final": c.FundsConfirmedFinal,
		"gold_allocated":        c.GoldAllocated,
		"verification_cleared":  c.VerificationCleared,
		"fee_quote":             c.FeeQuote,
		"activation_status":     c.ActivationStatus,
		"fee_approved_by":       c.FeeApprovedBy,
		"fee_approved_at":       c.FeeApprovedAt,
		"activated_at":          c.ActivatedAt,
		"authorized_at":         c.AuthorizedAt,
		"settled_at":            c.SettledAt,
		"closed_reason":         c.ClosedReason,
		"reversed_at":           c.ReversedAt,
		"reversal_reason":       c.ReversalReason,
		"payment_rail":          c.PaymentRail,
		"logistics":             c.Logistics,
		"rail_reference":        c.RailReference,
		"version":               c.Version,
		"updated_at":            time.Now().UTC(),
	}
}

// ListLedger returns a settlement's ledger in append order
func (d *Database) ListLedger(ctx context.Context, settlementID string) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	if err := d.db.WithContext(ctx).Where("settlement_id = ?", settlementID).Order("id ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch ledger: %w", err)
	}
	return entries, nil
}

func (d *Database) ListAllLedger(ctx context.Context) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	if err := d.db.WithContext(ctx).Order("id ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch ledger: %w", err)
	}
	return entries, nil
}

// CreateCertificate stores a certificate unless one already exists for the
// settlement
func (d *Database) CreateCertificate(ctx context.Context, cert *Certificate) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "settlement_id"}},
		DoNothing: true,
	}).Create(cert).Error
}

func (d *Database) GetCertificate(ctx context.Context, settlementID string) (*Certificate, error) {
	var cert Certificate
	if err := d.db.WithContext(ctx).Where("settlement_id = ?", settlementID).First(&cert).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCertificateNotFound
		}
		return nil, fmt.Errorf("failed to fetch certificate: %w", err)
	}
	return &cert, nil
}
