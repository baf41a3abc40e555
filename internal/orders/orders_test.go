package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-bullion/internal/capital"
	"github.com/ksred/klear-bullion/internal/types"
	"github.com/ksred/klear-bullion/pkg/middleware"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var buyer = types.Actor{UserID: "usr_buyer_1", Role: types.RoleBuyer}

type fakeGate struct {
	blocked map[capital.ActionKey]bool
	calls   []capital.ActionKey
}

func (g *fakeGate) Enforce(_ context.Context, key capital.ActionKey, _ types.Actor) error {
	g.calls = append(g.calls, key)
	if g.blocked[key] {
		return &capital.BlockedError{ActionKey: key, Mode: capital.ModeFreezeConversions, Reasons: []string{"test"}}
	}
	return nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Order{}, &types.Reservation{}, &types.Allocation{}, &types.IdempotencyRecord{}))
	return db
}

func newTestService(t *testing.T, gate Gate) *Service {
	t.Helper()
	svc := NewService(newTestDB(t), gate)
	svc.now = func() time.Time { return time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC) }
	return svc
}

func newOrder() *types.Order {
	return &types.Order{
		ListingID:        "LST_1",
		BuyerID:          buyer.UserID,
		SellerID:         "usr_seller_1",
		CorridorID:       "COR_US_CH",
		HubID:            "HUB_ZRH",
		WeightOz:         decimal.RequireFromString("32.150700"),
		LockedPriceCents: 311_050,
	}
}

func TestNotionalCents(t *testing.T) {
	assert.Equal(t, int64(10_000_000), NotionalCents(decimal.NewFromInt(40), 250_000))
	// 32.1507 * 311050 = 10000475.235
	assert.Equal(t, int64(10_000_475), NotionalCents(decimal.RequireFromString("32.1507"), 311_050))
	// 0.5 * 3 = 1.5 rounds half up
	assert.Equal(t, int64(2), NotionalCents(decimal.RequireFromString("0.5"), 3))
}

func TestCreateOrder_Idempotent(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	first := newOrder()
	require.NoError(t, svc.CreateOrder(ctx, first, "idem-1"))
	assert.Equal(t, types.OrderStatusConfirmed, first.Status)
	assert.Equal(t, "USD", first.Currency)
	assert.Equal(t, "HUB_ZRH", first.VaultHubID)
	assert.Equal(t, int64(10_000_475), first.NotionalCents)

	second := newOrder()
	second.LockedPriceCents = 1
	require.NoError(t, svc.CreateOrder(ctx, second, "idem-1"))
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.NotionalCents, second.NotionalCents)

	third := newOrder()
	require.NoError(t, svc.CreateOrder(ctx, third, "idem-2"))
	assert.NotEqual(t, first.OrderID, third.OrderID)
}

func TestCreateOrder_Validation(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	o := newOrder()
	o.WeightOz = decimal.Zero
	assert.ErrorIs(t, svc.CreateOrder(ctx, o, "k1"), ErrInvalidWeight)

	o = newOrder()
	o.LockedPriceCents = 0
	assert.ErrorIs(t, svc.CreateOrder(ctx, o, "k2"), ErrInvalidPrice)

	o = newOrder()
	o.SellerID = ""
	assert.ErrorIs(t, svc.CreateOrder(ctx, o, "k3"), ErrMissingParty)

	o = newOrder()
	o.ReservationID = "RSV_missing"
	assert.ErrorIs(t, svc.CreateOrder(ctx, o, "k4"), ErrReservationNotFound)

	// notional is 10_000_475; a fee at or above it, or below zero, would
	// leave the seller proceeds leg of the DvP journal non-positive
	for i, fee := range []int64{-500, 10_000_475, 20_000_000} {
		o = newOrder()
		o.PlatformFeeCents = fee
		assert.ErrorIs(t, svc.CreateOrder(ctx, o, fmt.Sprintf("fee-%d", i)), ErrInvalidPlatformFee, "fee %d", fee)
	}

	o = newOrder()
	o.PlatformFeeCents = 10_000_474
	require.NoError(t, svc.CreateOrder(ctx, o, "fee-ok"))
}

func TestCreateOrder_DerivesPlatformFee(t *testing.T) {
	svc := newTestService(t, nil)
	svc.platformFee = func(notionalCents int64) (int64, error) { return notionalCents / 100, nil }
	ctx := context.Background()

	derived := newOrder()
	require.NoError(t, svc.CreateOrder(ctx, derived, "derived"))
	assert.Equal(t, int64(100_004), derived.PlatformFeeCents)

	explicit := newOrder()
	explicit.PlatformFeeCents = 5_000
	require.NoError(t, svc.CreateOrder(ctx, explicit, "explicit"))
	assert.Equal(t, int64(5_000), explicit.PlatformFeeCents)

	svc.platformFee = func(int64) (int64, error) { return 0, errors.New("pricing unavailable") }
	assert.Error(t, svc.CreateOrder(ctx, newOrder(), "broken"))
}

func TestCreateOrderHandler_PlatformFee(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name    string
		actor   types.Actor
		body    string
		want    int
		wantFee int64
	}{
		{
			name:    "buyer supplied fee is ignored",
			actor:   buyer,
			body:    `{"listing_id":"LST_1","seller_id":"usr_seller_1","weight_oz":"40","locked_price_cents":250000,"platform_fee_cents":1}`,
			want:    http.StatusCreated,
			wantFee: 100_000,
		},
		{
			name:    "admin sets the fee",
			actor:   types.Actor{UserID: "usr_admin_1", Role: types.RoleAdmin},
			body:    `{"listing_id":"LST_1","buyer_id":"usr_buyer_1","seller_id":"usr_seller_1","weight_oz":"40","locked_price_cents":250000,"platform_fee_cents":5000}`,
			want:    http.StatusCreated,
			wantFee: 5_000,
		},
		{
			name:  "negative fee is refused",
			actor: types.Actor{UserID: "usr_admin_1", Role: types.RoleAdmin},
			body:  `{"listing_id":"LST_1","buyer_id":"usr_buyer_1","seller_id":"usr_seller_1","weight_oz":"40","locked_price_cents":250000,"platform_fee_cents":-1}`,
			want:  http.StatusBadRequest,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(newTestDB(t), nil, WithPlatformFee(func(notionalCents int64) (int64, error) {
				return notionalCents / 100, nil
			}))
			router := gin.New()
			router.POST("/orders", middleware.WithActor(tt.actor), NewGinHandlers(svc).CreateOrderHandler())

			req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Idempotency-Key", fmt.Sprintf("handler-%d", i))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			require.Equal(t, tt.want, w.Code, w.Body.String())
			if tt.want != http.StatusCreated {
				return
			}

			var body struct {
				Data types.Order `json:"data"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantFee, body.Data.PlatformFeeCents)
			assert.Equal(t, int64(10_000_000), body.Data.NotionalCents)

			stored, err := svc.GetOrder(context.Background(), body.Data.OrderID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFee, stored.PlatformFeeCents)
		})
	}
}

func TestReservationFlow(t *testing.T) {
	gate := &fakeGate{}
	svc := newTestService(t, gate)
	ctx := context.Background()

	reservation := types.Reservation{ListingID: "LST_1", WeightOz: decimal.RequireFromString("32.1507")}
	require.NoError(t, svc.CreateReservation(ctx, &reservation, 0, buyer))
	assert.Equal(t, types.ReservationStatusActive, reservation.Status)
	assert.Equal(t, buyer.UserID, reservation.BuyerID)

	order := newOrder()
	order.ReservationID = reservation.ReservationID
	require.NoError(t, svc.CreateOrder(ctx, order, "idem-rsv"))
	assert.Equal(t, types.OrderStatusPending, order.Status)

	converted, err := svc.ConvertReservation(ctx, order.OrderID, buyer)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusConfirmed, converted.Status)
	assert.True(t, converted.EligibleForSettlement())

	stored, err := svc.GetReservation(ctx, reservation.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, types.ReservationStatusConverted, stored.Status)

	_, err = svc.ConvertReservation(ctx, order.OrderID, buyer)
	assert.ErrorIs(t, err, ErrReservationNotActive)

	assert.Equal(t, []capital.ActionKey{capital.ActionReservationCreate, capital.ActionReservationConvert}, gate.calls)
}

func TestConvertReservation_BlockedByCapitalGate(t *testing.T) {
	gate := &fakeGate{blocked: map[capital.ActionKey]bool{capital.ActionReservationConvert: true}}
	svc := newTestService(t, gate)
	ctx := context.Background()

	reservation := types.Reservation{ListingID: "LST_1", WeightOz: decimal.NewFromInt(1)}
	require.NoError(t, svc.CreateReservation(ctx, &reservation, time.Hour, buyer))

	order := newOrder()
	order.ReservationID = reservation.ReservationID
	require.NoError(t, svc.CreateOrder(ctx, order, "idem-blocked"))

	_, err := svc.ConvertReservation(ctx, order.OrderID, buyer)
	var blocked *capital.BlockedError
	require.ErrorAs(t, err, &blocked)

	stored, err := svc.GetReservation(ctx, reservation.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, types.ReservationStatusActive, stored.Status)
}

func TestExpireReservations(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	reservation := types.Reservation{ListingID: "LST_1", WeightOz: decimal.NewFromInt(1)}
	require.NoError(t, svc.CreateReservation(ctx, &reservation, time.Minute, buyer))

	n, err := svc.ExpireReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	svc.now = func() time.Time { return time.Date(2026, 5, 4, 12, 5, 0, 0, time.UTC) }
	n, err = svc.ExpireReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := svc.GetReservation(ctx, reservation.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, types.ReservationStatusExpired, stored.Status)
}

func TestAllocations(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	order := newOrder()
	require.NoError(t, svc.CreateOrder(ctx, order, "idem-alloc"))

	require.NoError(t, svc.AddAllocation(ctx, order.OrderID, &types.Allocation{WeightOz: decimal.RequireFromString("20"), BarSerials: "ZRH-0001"}))
	require.NoError(t, svc.AddAllocation(ctx, order.OrderID, &types.Allocation{WeightOz: decimal.RequireFromString("12.1507"), BarSerials: "ZRH-0002"}))
	assert.ErrorIs(t, svc.AddAllocation(ctx, order.OrderID, &types.Allocation{WeightOz: decimal.Zero}), ErrInvalidWeight)
	assert.ErrorIs(t, svc.AddAllocation(ctx, "ORD_missing", &types.Allocation{WeightOz: decimal.NewFromInt(1)}), ErrOrderNotFound)

	total, err := svc.AllocatedWeight(ctx, order.OrderID)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.RequireFromString("32.1507")), total.String())

	allocations, err := svc.ListAllocations(ctx, order.OrderID)
	require.NoError(t, err)
	require.Len(t, allocations, 2)
	assert.Equal(t, "HUB_ZRH", allocations[0].VaultHubID)
}
