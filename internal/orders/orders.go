package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-bullion/internal/capital"
	"github.com/ksred/klear-bullion/internal/types"
	"github.com/ksred/klear-bullion/pkg/middleware"
	"github.com/ksred/klear-bullion/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	idempotencyTTL        = 24 * time.Hour
	defaultReservationTTL = 15 * time.Minute
)

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrReservationNotActive = errors.New("reservation is not active")
	ErrInvalidWeight        = errors.New("weight must be positive")
	ErrInvalidPrice         = errors.New("locked price must be positive")
	ErrMissingParty         = errors.New("buyer and seller are required")
	ErrInvalidPlatformFee   = errors.New("platform fee must be non-negative and below the order notional")
	ErrReservationMismatch  = errors.New("reservation does not belong to this buyer and listing")
	ErrForbidden            = errors.New("role may not perform this operation")
)

// Gate is the capital control check consulted before capital-sensitive intake
type Gate interface {
	Enforce(ctx context.Context, key capital.ActionKey, actor types.Actor) error
}

// Service handles the upstream order, reservation and allocation records a
// settlement is opened from
type Service struct {
	db          *Database
	gate        Gate
	platformFee func(notionalCents int64) (int64, error)
	now         func() time.Time
}

type Option func(*Service)

// WithPlatformFee sets how the platform fee is derived for orders that arrive
// without one
func WithPlatformFee(fn func(notionalCents int64) (int64, error)) Option {
	return func(s *Service) {
		s.platformFee = fn
	}
}

// NewService creates a new order service. gate may be nil.
func NewService(gormDB *gorm.DB, gate Gate, opts ...Option) *Service {
	s := &Service{
		db:   NewDatabase(gormDB),
		gate: gate,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) enforce(ctx context.Context, key capital.ActionKey, actor types.Actor) error {
	if s.gate == nil {
		return nil
	}
	return s.gate.Enforce(ctx, key, actor)
}

// CreateReservation holds listing inventory for a buyer
func (s *Service) CreateReservation(ctx context.Context, r *types.Reservation, ttl time.Duration, actor types.Actor) error {
	if !r.WeightOz.IsPositive() {
		return ErrInvalidWeight
	}
	if err := s.enforce(ctx, capital.ActionReservationCreate, actor); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}

	now := s.now()
	r.ReservationID = "RSV_" + uuid.New().String()
	r.Status = types.ReservationStatusActive
	r.ExpiresAt = now.Add(ttl).UTC()
	if r.BuyerID == "" {
		r.BuyerID = actor.UserID
	}

	if err := s.db.CreateReservation(ctx, r); err != nil {
		return fmt.Errorf("failed to create reservation: %w", err)
	}

	log.Info().
		Str("service", "orders").
		Str("reservation_id", r.ReservationID).
		Str("listing_id", r.ListingID).
		Str("weight_oz", r.WeightOz.String()).
		Time("expires_at", r.ExpiresAt).
		Msg("reservation created")
	return nil
}

// CreateOrder creates a new order with idempotency support. A repeated key
// returns the order it created originally.
func (s *Service) CreateOrder(ctx context.Context, order *types.Order, idempotencyKey string) error {
	logger := log.With().
		Str("service", "orders").
		Str("idempotency_key", idempotencyKey).
		Logger()

	now := s.now()
	record, err := s.db.GetIdempotencyRecord(ctx, idempotencyKey, now.UTC())
	if err != nil {
		return err
	}
	if record != nil {
		existing, err := s.db.GetOrder(ctx, record.ResourceID)
		if err != nil {
			return err
		}
		logger.Debug().Str("order_id", existing.OrderID).Msg("returning order for repeated idempotency key")
		*order = *existing
		return nil
	}

	if !order.WeightOz.IsPositive() {
		return ErrInvalidWeight
	}
	if order.LockedPriceCents <= 0 {
		return ErrInvalidPrice
	}
	if order.BuyerID == "" || order.SellerID == "" {
		return ErrMissingParty
	}

	order.Status = types.OrderStatusConfirmed
	if order.ReservationID != "" {
		reservation, err := s.db.GetReservation(ctx, order.ReservationID)
		if err != nil {
			return err
		}
		if reservation.BuyerID != order.BuyerID || reservation.ListingID != order.ListingID {
			return ErrReservationMismatch
		}
		if reservation.EffectiveStatus(now) != types.ReservationStatusActive {
			return ErrReservationNotActive
		}
		order.Status = types.OrderStatusPending
	}

	order.OrderID = "ORD_" + uuid.New().String()
	order.NotionalCents = NotionalCents(order.WeightOz, order.LockedPriceCents)
	if order.PlatformFeeCents == 0 && s.platformFee != nil {
		fee, err := s.platformFee(order.NotionalCents)
		if err != nil {
			return fmt.Errorf("failed to derive platform fee: %w", err)
		}
		order.PlatformFeeCents = fee
	}
	// the seller proceeds line of the DvP journal must stay positive
	if order.PlatformFeeCents < 0 || order.PlatformFeeCents >= order.NotionalCents {
		return ErrInvalidPlatformFee
	}
	if order.Currency == "" {
		order.Currency = "USD"
	}
	if order.VaultHubID == "" {
		order.VaultHubID = order.HubID
	}
	order.PlacedAt = now.UTC()

	if err := s.db.CreateOrderWithIdempotency(ctx, order, idempotencyKey, now.Add(idempotencyTTL).UTC()); err != nil {
		logger.Error().Err(err).Msg("failed to create order")
		return err
	}

	logger.Info().
		Str("order_id", order.OrderID).
		Str("status", order.Status).
		Int64("notional_cents", order.NotionalCents).
		Msg("order created")
	return nil
}

// ConvertReservation consumes the order's reservation and confirms the order
func (s *Service) ConvertReservation(ctx context.Context, orderID string, actor types.Actor) (*types.Order, error) {
	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.ReservationID == "" {
		return nil, ErrReservationNotFound
	}

	reservation, err := s.db.GetReservation(ctx, order.ReservationID)
	if err != nil {
		return nil, err
	}
	if reservation.EffectiveStatus(s.now()) != types.ReservationStatusActive {
		return nil, ErrReservationNotActive
	}
	if err := s.enforce(ctx, capital.ActionReservationConvert, actor); err != nil {
		return nil, err
	}

	if err := s.db.ConvertReservation(ctx, order.ReservationID, orderID); err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "orders").
		Str("order_id", orderID).
		Str("reservation_id", order.ReservationID).
		Msg("reservation converted")
	return s.db.GetOrder(ctx, orderID)
}

// AddAllocation records vault bars set aside against an order
func (s *Service) AddAllocation(ctx context.Context, orderID string, a *types.Allocation) error {
	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !a.WeightOz.IsPositive() {
		return ErrInvalidWeight
	}

	a.AllocationID = "ALC_" + uuid.New().String()
	a.OrderID = order.OrderID
	if a.VaultHubID == "" {
		a.VaultHubID = order.VaultHubID
	}
	a.AllocatedAt = s.now().UTC()

	if err := s.db.CreateAllocation(ctx, a); err != nil {
		return fmt.Errorf("failed to create allocation: %w", err)
	}
	return nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	return s.db.GetOrder(ctx, orderID)
}

func (s *Service) GetReservation(ctx context.Context, reservationID string) (*types.Reservation, error) {
	return s.db.GetReservation(ctx, reservationID)
}

func (s *Service) ListAllocations(ctx context.Context, orderID string) ([]types.Allocation, error) {
	return s.db.ListAllocations(ctx, orderID)
}

func (s *Service) AllocatedWeight(ctx context.Context, orderID string) (decimal.Decimal, error) {
	return s.db.AllocatedWeight(ctx, orderID)
}

// ExpireReservations is the sweep that lapses unconverted reservations
func (s *Service) ExpireReservations(ctx context.Context) (int, error) {
	n, err := s.db.ExpireReservations(ctx, s.now().UTC())
	return int(n), err
}

// NotionalCents is weight times the per-ounce price, rounded half-up to the cent
func NotionalCents(weight decimal.Decimal, pricePerOzCents int64) int64 {
	return weight.Mul(decimal.NewFromInt(pricePerOzCents)).Round(0).IntPart()
}

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateReservationHandler handles POST requests to reserve listing inventory
func (h *GinHandlers) CreateReservationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := middleware.ActorFromContext(c)
		if !types.RoleIn(actor.Role, []types.Role{types.RoleAdmin, types.RoleBuyer}) {
			response.Forbidden(c, ErrForbidden.Error())
			return
		}

		var request struct {
			ListingID  string          `json:"listing_id" binding:"required"`
			WeightOz   decimal.Decimal `json:"weight_oz"`
			TTLSeconds int             `json:"ttl_seconds"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		reservation := types.Reservation{ListingID: request.ListingID, WeightOz: request.WeightOz}
		err := h.service.CreateReservation(c.Request.Context(), &reservation, time.Duration(request.TTLSeconds)*time.Second, actor)
		if err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, reservation)
	}
}

// CreateOrderHandler handles POST requests to create new orders
// Requires a valid JWT token and idempotency key in headers
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		actor := middleware.ActorFromContext(c)
		if !types.RoleIn(actor.Role, []types.Role{types.RoleAdmin, types.RoleBuyer, types.RoleSystem}) {
			response.Forbidden(c, ErrForbidden.Error())
			return
		}

		var order types.Order
		if err := c.ShouldBindJSON(&order); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if actor.Role == types.RoleBuyer {
			order.BuyerID = actor.UserID
			order.PlatformFeeCents = 0
		}

		if err := h.service.CreateOrder(c.Request.Context(), &order, idempotencyKey); err != nil {
			h.handleError(c, err)
			return
		}

		response.Success(c, order)
	}
}

// GetOrderHandler handles GET requests to retrieve an order
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.GetOrder(c.Request.Context(), c.Param("order_id"))
		if err != nil {
			h.handleError(c, err)
			return
		}

		actor := middleware.ActorFromContext(c)
		if (actor.Role == types.RoleBuyer && order.BuyerID != actor.UserID) ||
			(actor.Role == types.RoleSeller && order.SellerID != actor.UserID) {
			response.NotFound(c, ErrOrderNotFound.Error())
			return
		}

		response.Success(c, order)
	}
}

// ConvertReservationHandler handles POST requests converting an order's reservation
func (h *GinHandlers) ConvertReservationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := middleware.ActorFromContext(c)
		if !types.RoleIn(actor.Role, []types.Role{types.RoleAdmin, types.RoleBuyer, types.RoleTreasury}) {
			response.Forbidden(c, ErrForbidden.Error())
			return
		}

		order, err := h.service.ConvertReservation(c.Request.Context(), c.Param("order_id"), actor)
		if err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, order)
	}
}

// AddAllocationHandler handles POST requests allocating vault bars to an order
func (h *GinHandlers) AddAllocationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := middleware.ActorFromContext(c)
		if !types.RoleIn(actor.Role, []types.Role{types.RoleAdmin, types.RoleVaultOps}) {
			response.Forbidden(c, ErrForbidden.Error())
			return
		}

		var request struct {
			VaultHubID string          `json:"vault_hub_id"`
			WeightOz   decimal.Decimal `json:"weight_oz"`
			BarSerials []string        `json:"bar_serials"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		allocation := types.Allocation{
			VaultHubID: request.VaultHubID,
			WeightOz:   request.WeightOz,
			BarSerials: strings.Join(request.BarSerials, ","),
		}
		if err := h.service.AddAllocation(c.Request.Context(), c.Param("order_id"), &allocation); err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, allocation)
	}
}

// ListAllocationsHandler handles GET requests listing an order's allocations
func (h *GinHandlers) ListAllocationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		allocations, err := h.service.ListAllocations(c.Request.Context(), c.Param("order_id"))
		response.Handle(c, allocations, err)
	}
}

func (h *GinHandlers) handleError(c *gin.Context, err error) {
	var blocked *capital.BlockedError
	switch {
	case errors.As(err, &blocked):
		response.ActionFailure(c, "BLOCKED", blocked.Error(), nil)
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrReservationNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrReservationNotActive), errors.Is(err, ErrReservationMismatch):
		response.Conflict(c, err.Error())
	case errors.Is(err, ErrInvalidWeight), errors.Is(err, ErrInvalidPrice), errors.Is(err, ErrMissingParty),
		errors.Is(err, ErrInvalidPlatformFee):
		response.BadRequest(c, err.Error())
	default:
		response.Handle(c, nil, err)
	}
}
