package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	OrderStatusPending            = "PENDING"
	OrderStatusConfirmed          = "CONFIRMED"
	OrderStatusAwaitingSettlement = "AWAITING_SETTLEMENT"
	OrderStatusSettlementOpen     = "SETTLEMENT_OPEN"
	OrderStatusCancelled          = "CANCELLED"
)

const (
	ReservationStatusActive    = "ACTIVE"
	ReservationStatusConverted = "CONVERTED"
	ReservationStatusExpired   = "EXPIRED"
	ReservationStatusCancelled = "CANCELLED"
)

// Order is the trade order a settlement is opened from
type Order struct {
	gorm.Model         `json:"-"`
	OrderID            string          `gorm:"uniqueIndex" json:"order_id"`
	ReservationID      string          `json:"reservation_id,omitempty"`
	ListingID          string          `json:"listing_id"`
	BuyerID            string          `json:"buyer_id"`
	SellerID           string          `json:"seller_id"`
	CorridorID         string          `json:"corridor_id"`
	HubID              string          `json:"hub_id"`
	VaultHubID         string          `json:"vault_hub_id"`
	VerificationCaseID string          `json:"verification_case_id"`
	WeightOz           decimal.Decimal `gorm:"type:numeric(20,6)" json:"weight_oz"`
	LockedPriceCents   int64           `json:"locked_price_cents"` // per troy ounce
	NotionalCents      int64           `json:"notional_cents"`
	PlatformFeeCents   int64           `json:"platform_fee_cents"`
	Currency           string          `json:"currency"`
	Status             string          `json:"status"`
	PlacedAt           time.Time       `json:"placed_at"`
}

// EligibleForSettlement reports whether a settlement may be opened against the order
func (o Order) EligibleForSettlement() bool {
	return o.Status == OrderStatusConfirmed || o.Status == OrderStatusAwaitingSettlement
}

// Reservation holds listing inventory for a buyer before conversion into an order
type Reservation struct {
	gorm.Model    `json:"-"`
	ReservationID string          `gorm:"uniqueIndex" json:"reservation_id"`
	ListingID     string          `json:"listing_id"`
	BuyerID       string          `json:"buyer_id"`
	WeightOz      decimal.Decimal `gorm:"type:numeric(20,6)" json:"weight_oz"`
	Status        string          `json:"status"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// EffectiveStatus resolves an ACTIVE reservation past its expiry to EXPIRED
func (r Reservation) EffectiveStatus(now time.Time) string {
	if r.Status == ReservationStatusActive && !now.Before(r.ExpiresAt) {
		return ReservationStatusExpired
	}
	return r.Status
}

// Allocation records vault inventory set aside against an order
type Allocation struct {
	gorm.Model   `json:"-"`
	AllocationID string          `gorm:"uniqueIndex" json:"allocation_id"`
	OrderID      string          `gorm:"index" json:"order_id"`
	VaultHubID   string          `json:"vault_hub_id"`
	WeightOz     decimal.Decimal `gorm:"type:numeric(20,6)" json:"weight_oz"`
	BarSerials   string          `json:"bar_serials"` // comma separated
	AllocatedAt  time.Time       `json:"allocated_at"`
}

// IdempotencyRecord maps a caller supplied key to the resource it created
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
