package settlement

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-bullion/internal/capital"
	"github.com/ksred/klear-bullion/internal/types"
	"github.com/shopspring/decimal"
)

// OpenInput is everything OpenFromOrder needs. The caller is expected to have
// loaded and validated it.
type OpenInput struct {
	Order              types.Order
	Reservation        *types.Reservation
	AllocatedWeight    decimal.Decimal
	ExistingSettlement *SettlementCase
	Snapshot           capital.Snapshot
	Actor              types.Actor
	Now                time.Time
}

// OpenFromOrder constructs the settlement for an order and freezes the
// capital snapshot into it. A failed precondition is an *InvariantViolation.
func OpenFromOrder(in OpenInput) (SettlementCase, LedgerEntry, error) {
	order := in.Order
	violation := func(invariant, format string, args ...interface{}) error {
		return &InvariantViolation{
			Invariant: invariant,
			OrderID:   order.OrderID,
			Detail:    fmt.Sprintf(format, args...),
		}
	}

	if in.ExistingSettlement != nil {
		return SettlementCase{}, LedgerEntry{}, violation("one_settlement_per_order",
			"settlement %s already exists", in.ExistingSettlement.SettlementID)
	}
	if order.ReservationID != "" {
		if in.Reservation == nil {
			return SettlementCase{}, LedgerEntry{}, violation("reservation_converted",
				"reservation %s not found", order.ReservationID)
		}
		if status := in.Reservation.EffectiveStatus(in.Now); status != types.ReservationStatusConverted {
			return SettlementCase{}, LedgerEntry{}, violation("reservation_converted",
				"reservation %s is %s", order.ReservationID, status)
		}
	}
	if in.AllocatedWeight.LessThan(order.WeightOz) {
		return SettlementCase{}, LedgerEntry{}, violation("allocation_covers_order",
			"allocated %s oz of %s oz", in.AllocatedWeight.String(), order.WeightOz.String())
	}
	if !order.EligibleForSettlement() {
		return SettlementCase{}, LedgerEntry{}, violation("order_eligible",
			"order status is %s", order.Status)
	}

	now := in.Now.UTC()
	currency := order.Currency
	if currency == "" {
		currency = "USD"
	}
	c := SettlementCase{
		SettlementID:          "STL_" + uuid.New().String(),
		OrderID:               order.OrderID,
		ReservationID:         order.ReservationID,
		ListingID:             order.ListingID,
		BuyerID:               order.BuyerID,
		SellerID:              order.SellerID,
		CorridorID:            order.CorridorID,
		HubID:                 order.HubID,
		VaultHubID:            order.VaultHubID,
		VerificationCaseID:    order.VerificationCaseID,
		WeightOz:              order.WeightOz,
		LockedPriceCents:      order.LockedPriceCents,
		NotionalCents:         order.NotionalCents,
		PlatformFeeCents:      order.PlatformFeeCents,
		Currency:              currency,
		Status:                StatusEscrowOpen,
		CapitalBaseCents:      in.Snapshot.CapitalBaseCents,
		ExposureCoverageRatio: in.Snapshot.ExposureCoverageRatio,
		HardstopUtilization:   in.Snapshot.HardstopUtilization,
		CapitalSnapshotHash:   capital.HashSnapshot(in.Snapshot),
		CapitalSnapshotAt:     in.Snapshot.CapturedAt.UTC(),
		ActivationStatus:      ActivationNone,
		OpenedAt:              now,
		Version:               1,
	}

	entry := newEntry(&c, EventSettlementOpened, in.Actor,
		fmt.Sprintf("escrow opened for order %s, %s oz at %s", order.OrderID, order.WeightOz.String(),
			formatCents(order.NotionalCents, currency)),
		nil, now, checkSnapshot(&c, nil, nil))
	return c, entry, nil
}
