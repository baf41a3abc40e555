package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-bullion/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) UpdateOrderStatus(ctx context.Context, orderID, status string) error {
	return d.db.WithContext(ctx).Model(&types.Order{}).
		Where("order_id = ?", orderID).
		Update("status", status).Error
}

func (d *Database) CreateReservation(ctx context.Context, r *types.Reservation) error {
	return d.db.WithContext(ctx).Create(r).Error
}

func (d *Database) GetReservation(ctx context.Context, reservationID string) (*types.Reservation, error) {
	var r types.Reservation
	if err := d.db.WithContext(ctx).Where("reservation_id = ?", reservationID).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}
	return &r, nil
}

// ConvertReservation moves an ACTIVE reservation to CONVERTED and confirms the
// order that consumed it, in one transaction
func (d *Database) ConvertReservation(ctx context.Context, reservationID, orderID string) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&types.Reservation{}).
			Where("reservation_id = ? AND status = ?", reservationID, types.ReservationStatusActive).
			Update("status", types.ReservationStatusConverted)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrReservationNotActive
		}
		return tx.Model(&types.Order{}).
			Where("order_id = ? AND status = ?", orderID, types.OrderStatusPending).
			Update("status", types.OrderStatusConfirmed).Error
	})
}

// ExpireReservations marks ACTIVE reservations past their expiry as EXPIRED
func (d *Database) ExpireReservations(ctx context.Context, now time.Time) (int64, error) {
	result := d.db.WithContext(ctx).Model(&types.Reservation{}).
		Where("status = ? AND expires_at <= ?", types.ReservationStatusActive, now).
		Update("status", types.ReservationStatusExpired)
	return result.RowsAffected, result.Error
}

func (d *Database) CreateAllocation(ctx context.Context, a *types.Allocation) error {
	return d.db.WithContext(ctx).Create(a).Error
}

func (d *Database) ListAllocations(ctx context.Context, orderID string) ([]types.Allocation, error) {
	var allocations []types.Allocation
	if err := d.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("allocated_at ASC").
		Find(&allocations).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch allocations: %w", err)
	}
	return allocations, nil
}

// AllocatedWeight sums allocated troy ounces for an order
func (d *Database) AllocatedWeight(ctx context.Context, orderID string) (decimal.Decimal, error) {
	allocations, err := d.ListAllocations(ctx, orderID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, a := range allocations {
		total = total.Add(a.WeightOz)
	}
	return total, nil
}

// CreateOrderWithIdempotency creates a new order and idempotency record in a transaction
func (d *Database) CreateOrderWithIdempotency(ctx context.Context, order *types.Order, idempotencyKey string, expiresAt time.Time) error {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := tx.Create(order).Error; err != nil {
		tx.Rollback()
		return err
	}

	record := types.IdempotencyRecord{
		IdempotencyKey: idempotencyKey,
		ResourceID:     order.OrderID,
		ResourceType:   "order",
		ExpiresAt:      expiresAt,
	}

	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// GetIdempotencyRecord retrieves an unexpired idempotency record by key, nil when absent
func (d *Database) GetIdempotencyRecord(ctx context.Context, key string, now time.Time) (*types.IdempotencyRecord, error) {
	var record types.IdempotencyRecord
	err := d.db.WithContext(ctx).
		Where("idempotency_key = ? AND expires_at > ?", key, now).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
