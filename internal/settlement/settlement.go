package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-bullion/internal/capital"
	"github.com/ksred/klear-bullion/internal/fees"
	"github.com/ksred/klear-bullion/internal/journal"
	"github.com/ksred/klear-bullion/internal/metrics"
	"github.com/ksred/klear-bullion/internal/orders"
	"github.com/ksred/klear-bullion/internal/rails"
	"github.com/ksred/klear-bullion/internal/reference"
	"github.com/ksred/klear-bullion/internal/types"
	"github.com/ksred/klear-bullion/pkg/middleware"
	"github.com/ksred/klear-bullion/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrMissingIdentity = errors.New("actor user id and role are required")
	ErrOpenForbidden   = errors.New("role may not open settlements")
)

// OrderSource supplies the upstream order records a settlement is opened from
type OrderSource interface {
	GetOrder(ctx context.Context, orderID string) (*types.Order, error)
	GetReservation(ctx context.Context, reservationID string) (*types.Reservation, error)
	AllocatedWeight(ctx context.Context, orderID string) (decimal.Decimal, error)
}

// Directory resolves corridor, hub and verification status
type Directory interface {
	Corridor(ctx context.Context, id string) (*reference.Corridor, error)
	Hub(ctx context.Context, id string) (*reference.Hub, error)
	VerificationCase(ctx context.Context, id string) (*reference.VerificationCase, error)
}

// CapitalGate is the capital control consulted before capital sensitive actions
type CapitalGate interface {
	Enforce(ctx context.Context, key capital.ActionKey, actor types.Actor) error
	CurrentSnapshot(ctx context.Context) (capital.Snapshot, error)
}

type Service struct {
	db        *Database
	journals  *journal.Database
	engine    Engine
	orders    OrderSource
	directory Directory
	gate      CapitalGate
	pricing   func() fees.PricingConfig
	issuer    CertificateIssuer
	rail      rails.Client
	metrics   *metrics.Metrics
	now       func() time.Time
}

type Option func(*Service)

// WithPricing sets the fee catalog source used for QUOTE_FEES
func WithPricing(pricing func() fees.PricingConfig) Option {
	return func(s *Service) { s.pricing = pricing }
}

// WithCertificateIssuer replaces the database issuer. A nil issuer disables issuance.
func WithCertificateIssuer(issuer CertificateIssuer) Option {
	return func(s *Service) { s.issuer = issuer }
}

func WithRailClient(client rails.Client) Option {
	return func(s *Service) { s.rail = client }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(gormDB *gorm.DB, orderSource OrderSource, directory Directory, gate CapitalGate, opts ...Option) *Service {
	db := NewDatabase(gormDB)
	s := &Service{
		db:        db,
		journals:  journal.NewDatabase(gormDB),
		orders:    orderSource,
		directory: directory,
		gate:      gate,
		pricing:   fees.DefaultConfig,
		issuer:    NewDatabaseIssuer(db),
		rail:      rails.NewSimulatedClient(time.Now().UnixNano()),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates the settlement for an order after the capital gate allows it.
// Upstream precondition failures come back as *InvariantViolation.
func (s *Service) Open(ctx context.Context, orderID string, actor types.Actor) (*SettlementCase, error) {
	logger := log.With().
		Str("service", "settlement").
		Str("order_id", orderID).
		Str("actor_id", actor.UserID).
		Logger()

	if !actor.HasIdentity() {
		return nil, ErrMissingIdentity
	}
	if !types.RoleIn(actor.Role, openRoles) {
		return nil, ErrOpenForbidden
	}
	if err := s.gate.Enforce(ctx, capital.ActionSettlementOpen, actor); err != nil {
		return nil, err
	}

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var reservation *types.Reservation
	if order.ReservationID != "" {
		reservation, err = s.orders.GetReservation(ctx, order.ReservationID)
		if err != nil && !errors.Is(err, orders.ErrReservationNotFound) {
			return nil, err
		}
	}

	allocated, err := s.orders.AllocatedWeight(ctx, orderID)
	if err != nil {
		return nil, err
	}

	existing, err := s.db.GetSettlementByOrderID(ctx, orderID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	snapshot, err := s.gate.CurrentSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read capital snapshot: %w", err)
	}

	c, entry, err := OpenFromOrder(OpenInput{
		Order:              *order,
		Reservation:        reservation,
		AllocatedWeight:    allocated,
		ExistingSettlement: existing,
		Snapshot:           snapshot,
		Actor:              actor,
		Now:                s.now(),
	})
	if err != nil {
		var violation *InvariantViolation
		if errors.As(err, &violation) {
			logger.Error().
				Err(err).
				Str("invariant", violation.Invariant).
				Msg("settlement open invariant violated")
		}
		return nil, err
	}

	if err := s.db.CreateSettlement(ctx, &c, &entry); err != nil {
		logger.Error().Err(err).Msg("failed to create settlement")
		return nil, err
	}

	s.metrics.IncrementActionOutcome("OPEN", "OK")
	logger.Info().
		Str("settlement_id", c.SettlementID).
		Int64("notional_cents", c.NotionalCents).
		Str("capital_snapshot_hash", c.CapitalSnapshotHash).
		Msg("settlement opened")

	return &c, nil
}

// ProcessAction runs an action through the capital gate and the state
// machine and commits the outcome. Business refusals are returned in the
// Result; the error is reserved for infrastructure failures.
func (s *Service) ProcessAction(ctx context.Context, req ActionRequest) (Result, error) {
	start := time.Now()
	res, err := s.processAction(ctx, req)
	s.metrics.ObserveActionLatency(time.Since(start))
	if err != nil {
		return res, err
	}

	code := "OK"
	if res.Failure != nil {
		code = string(res.Failure.Code)
	}
	s.metrics.IncrementActionOutcome(string(req.Action), code)
	return res, nil
}

func (s *Service) processAction(ctx context.Context, req ActionRequest) (Result, error) {
	logger := log.With().
		Str("service", "settlement").
		Str("settlement_id", req.SettlementID).
		Str("action", string(req.Action)).
		Str("actor_id", req.ActorUserID).
		Logger()

	// identity and role first so a refused caller never reaches the capital audit
	if f := s.engine.Authorize(req); f != nil {
		logger.Warn().Str("code", string(f.Code)).Msg(f.Message)
		return Result{Failure: f}, nil
	}

	if key, ok := CapitalKey(req.Action); ok {
		if err := s.gate.Enforce(ctx, key, req.Actor()); err != nil {
			var blocked *capital.BlockedError
			if errors.As(err, &blocked) {
				return Result{Failure: &ActionError{Code: CodeBlocked, Message: blocked.Error()}}, nil
			}
			return Result{}, err
		}
	}

	c, err := s.db.GetSettlement(ctx, req.SettlementID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Result{}, err
	}

	var env Environment
	if c != nil {
		if env, err = s.environment(ctx, c); err != nil {
			return Result{}, err
		}
	}

	res := s.engine.Apply(c, req, env, s.now())
	if !res.OK() {
		logger.Warn().Str("code", string(res.Failure.Code)).Msg(res.Failure.Message)
		return res, nil
	}

	if err := s.commit(ctx, c, res.Outcome); err != nil {
		return Result{}, err
	}
	return res, nil
}

// SubmitToRail hands an AUTHORIZED settlement to its payment rail
func (s *Service) SubmitToRail(ctx context.Context, settlementID string, actor types.Actor) (Result, error) {
	if f := railCaller(actor); f != nil {
		return Result{Failure: f}, nil
	}

	c, err := s.db.GetSettlement(ctx, settlementID)
	if errors.Is(err, ErrNotFound) {
		return Result{Failure: refuse(CodeNotFound, "settlement %s not found", settlementID)}, nil
	}
	if err != nil {
		return Result{}, err
	}

	routing := rails.Route(c.NotionalCents)
	if c.Status != StatusAuthorized {
		return s.engine.SubmitToRail(c, routing, "", s.now()), nil
	}

	ref, err := s.rail.Submit(ctx, c.SettlementID, routing)
	if err != nil {
		return Result{}, fmt.Errorf("rail submission failed: %w", err)
	}

	res := s.engine.SubmitToRail(c, routing, ref, s.now())
	if !res.OK() {
		return res, nil
	}
	if err := s.commit(ctx, c, res.Outcome); err != nil {
		return Result{}, err
	}
	return res, nil
}

// ConfirmRail applies a final rail outcome to a PROCESSING_RAIL settlement
func (s *Service) ConfirmRail(ctx context.Context, settlementID string, outcome rails.Outcome, actor types.Actor) (Result, error) {
	if f := railCaller(actor); f != nil {
		return Result{Failure: f}, nil
	}

	c, err := s.db.GetSettlement(ctx, settlementID)
	if errors.Is(err, ErrNotFound) {
		return Result{Failure: refuse(CodeNotFound, "settlement %s not found", settlementID)}, nil
	}
	if err != nil {
		return Result{}, err
	}

	res := s.engine.ConfirmRail(c, outcome, s.now())
	if !res.OK() {
		return res, nil
	}
	if err := s.commit(ctx, c, res.Outcome); err != nil {
		return Result{}, err
	}
	return res, nil
}

// SweepRails polls the rail for every PROCESSING_RAIL settlement and applies
// final outcomes. A submission the rail has no record of is treated as UNKNOWN.
func (s *Service) SweepRails(ctx context.Context) (int, error) {
	logger := log.With().Str("service", "settlement").Str("component", "rail_sweep").Logger()

	cases, err := s.db.ListSettlements(ctx, StatusProcessingRail)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, c := range cases {
		outcome, err := s.rail.Poll(ctx, c.SettlementID)
		switch {
		case errors.Is(err, rails.ErrUnknownSubmission):
			outcome = rails.OutcomeUnknown
		case err != nil:
			logger.Error().Err(err).Str("settlement_id", c.SettlementID).Msg("failed to poll rail")
			continue
		}
		if outcome == rails.OutcomePending {
			continue
		}

		res, err := s.ConfirmRail(ctx, c.SettlementID, outcome, types.SystemActor)
		if err != nil {
			logger.Error().Err(err).Str("settlement_id", c.SettlementID).Msg("failed to apply rail outcome")
			continue
		}
		if !res.OK() {
			logger.Warn().
				Str("settlement_id", c.SettlementID).
				Str("code", string(res.Failure.Code)).
				Msg(res.Failure.Message)
			continue
		}
		resolved++
	}
	return resolved, nil
}

func (s *Service) Get(ctx context.Context, settlementID string) (*SettlementCase, error) {
	return s.db.GetSettlement(ctx, settlementID)
}

func (s *Service) List(ctx context.Context, status Status) ([]SettlementCase, error) {
	return s.db.ListSettlements(ctx, status)
}

func (s *Service) Ledger(ctx context.Context, settlementID string) ([]LedgerEntry, error) {
	if _, err := s.db.GetSettlement(ctx, settlementID); err != nil {
		return nil, err
	}
	return s.db.ListLedger(ctx, settlementID)
}

func (s *Service) Journals(ctx context.Context, settlementID string) ([]journal.Journal, error) {
	if _, err := s.db.GetSettlement(ctx, settlementID); err != nil {
		return nil, err
	}
	return s.journals.ListBySettlement(ctx, settlementID)
}

func (s *Service) Certificate(ctx context.Context, settlementID string) (*Certificate, error) {
	return s.db.GetCertificate(ctx, settlementID)
}

// Export returns the full clearing aggregate
func (s *Service) Export(ctx context.Context) (State, error) {
	settlements, err := s.db.ListSettlements(ctx, "")
	if err != nil {
		return State{}, err
	}
	ledger, err := s.db.ListAllLedger(ctx)
	if err != nil {
		return State{}, err
	}
	journals, err := s.journals.ListAll(ctx)
	if err != nil {
		return State{}, err
	}
	return State{Settlements: settlements, Ledger: ledger, ClearingJournals: journals}, nil
}

func (s *Service) commit(ctx context.Context, prev *SettlementCase, out *Outcome) error {
	logger := log.With().
		Str("service", "settlement").
		Str("settlement_id", prev.SettlementID).
		Logger()

	if err := s.db.Commit(ctx, prev.Version, out); err != nil {
		if errors.Is(err, ErrConcurrentUpdate) {
			logger.Warn().Int64("version", prev.Version).Msg("lost optimistic update")
		} else {
			logger.Error().Err(err).Msg("failed to commit settlement action")
		}
		return err
	}

	next := out.Settlement
	if next.Status != prev.Status {
		s.metrics.IncrementTransition(string(prev.Status), string(next.Status))
		logger.Info().
			Str("from", string(prev.Status)).
			Str("to", string(next.Status)).
			Int64("version", next.Version).
			Msg("settlement transitioned")
	}
	if out.Journal != nil {
		s.metrics.RecordJournal(out.Journal.TotalDebitCents)
		logger.Info().
			Str("journal_id", out.Journal.JournalID).
			Int64("total_debit_cents", out.Journal.TotalDebitCents).
			Msg("clearing journal posted")
	}
	if next.Status == StatusSettled && prev.Status != StatusSettled {
		s.issueCertificate(ctx, next)
	}
	return nil
}

// issueCertificate runs after the settlement has committed. Its failure is
// logged and counted but never undoes the settlement.
func (s *Service) issueCertificate(ctx context.Context, c SettlementCase) {
	if s.issuer == nil {
		return
	}
	logger := log.With().
		Str("service", "settlement").
		Str("settlement_id", c.SettlementID).
		Logger()

	cert, err := s.issuer.Issue(ctx, c)
	if err != nil {
		s.metrics.IncrementCertificateFailures()
		logger.Error().Err(err).Msg("failed to issue title certificate")
		return
	}
	logger.Info().Str("certificate_id", cert.CertificateID).Msg("title certificate issued")
}

func (s *Service) environment(ctx context.Context, c *SettlementCase) (Environment, error) {
	env := Environment{Pricing: s.pricing()}

	corridor, err := s.directory.Corridor(ctx, c.CorridorID)
	switch {
	case err == nil:
		env.CorridorStatus = corridor.Status
	case !errors.Is(err, reference.ErrCorridorNotFound):
		return env, err
	}

	hub, err := s.directory.Hub(ctx, c.HubID)
	switch {
	case err == nil:
		env.HubStatus = hub.Status
	case !errors.Is(err, reference.ErrHubNotFound):
		return env, err
	}

	if c.VerificationCaseID != "" {
		v, err := s.directory.VerificationCase(ctx, c.VerificationCaseID)
		switch {
		case err == nil:
			env.VerificationStatus = v.Status
		case !errors.Is(err, reference.ErrVerificationCaseNotFound):
			return env, err
		}
	}
	return env, nil
}

func railCaller(actor types.Actor) *ActionError {
	if !actor.HasIdentity() {
		return refuse(CodeMissingIdentity, "actor user id and role are required")
	}
	if !types.RoleIn(actor.Role, railRoles) {
		f := refuse(CodeForbiddenRole, "role %s may not report rail events", actor.Role)
		f.AllowedRoles = railRoles
		return f
	}
	return nil
}

// GinHandlers contains HTTP handlers for settlement endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) OpenSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			OrderID string `json:"order_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		settlement, err := h.service.Open(c.Request.Context(), request.OrderID, middleware.ActorFromContext(c))
		if err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, settlement)
	}
}

func (h *GinHandlers) GetSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlement, err := h.service.Get(c.Request.Context(), c.Param("settlement_id"))
		if err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, settlement)
	}
}

func (h *GinHandlers) ListSettlementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlements, err := h.service.List(c.Request.Context(), Status(c.Query("status")))
		response.Handle(c, settlements, err)
	}
}

func (h *GinHandlers) ActionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		actor := middleware.ActorFromContext(c)
		req.SettlementID = c.Param("settlement_id")
		req.ActorUserID = actor.UserID
		req.ActorRole = actor.Role
		req.ActorName = actor.Name

		res, err := h.service.ProcessAction(c.Request.Context(), req)
		h.writeResult(c, res, err)
	}
}

func (h *GinHandlers) LedgerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := h.service.Ledger(c.Request.Context(), c.Param("settlement_id"))
		if err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, entries)
	}
}

func (h *GinHandlers) JournalsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		journals, err := h.service.Journals(c.Request.Context(), c.Param("settlement_id"))
		if err != nil {
			h.handleError(c, err)
			return
		}
		response.Success(c, journals)
	}
}

func (h *GinHandlers) CertificateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cert, err := h.service.Certificate(c.Request.Context(), c.Param("settlement_id"))
		if errors.Is(err, ErrCertificateNotFound) {
			response.NotFound(c, err.Error())
			return
		}
		response.Handle(c, cert, err)
	}
}

func (h *GinHandlers) ExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := middleware.ActorFromContext(c)
		if !types.RoleIn(actor.Role, []types.Role{types.RoleAdmin, types.RoleCompliance, types.RoleTreasury}) {
			response.Forbidden(c, "role may not export the clearing state")
			return
		}
		state, err := h.service.Export(c.Request.Context())
		response.Handle(c, state, err)
	}
}

func (h *GinHandlers) SubmitRailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := h.service.SubmitToRail(c.Request.Context(), c.Param("settlement_id"), middleware.ActorFromContext(c))
		h.writeResult(c, res, err)
	}
}

func (h *GinHandlers) ConfirmRailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			Outcome string `json:"outcome" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		outcome, err := rails.ParseOutcome(request.Outcome)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		res, err := h.service.ConfirmRail(c.Request.Context(), c.Param("settlement_id"), outcome, middleware.ActorFromContext(c))
		h.writeResult(c, res, err)
	}
}

func (h *GinHandlers) writeResult(c *gin.Context, res Result, err error) {
	if err != nil {
		h.handleError(c, err)
		return
	}
	if f := res.Failure; f != nil {
		response.ActionFailure(c, string(f.Code), f.Message, types.RoleNames(f.AllowedRoles))
		return
	}
	response.Success(c, res.Outcome)
}

func (h *GinHandlers) handleError(c *gin.Context, err error) {
	var blocked *capital.BlockedError
	var violation *InvariantViolation
	switch {
	case errors.Is(err, ErrMissingIdentity):
		response.ActionFailure(c, string(CodeMissingIdentity), err.Error(), nil)
	case errors.Is(err, ErrOpenForbidden):
		response.ActionFailure(c, string(CodeForbiddenRole), err.Error(), types.RoleNames(openRoles))
	case errors.As(err, &blocked):
		response.ActionFailure(c, string(CodeBlocked), blocked.Error(), nil)
	case errors.Is(err, ErrNotFound), errors.Is(err, orders.ErrOrderNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrConcurrentUpdate):
		response.ConcurrentUpdate(c, err.Error())
	case errors.As(err, &violation):
		_ = c.Error(err)
		response.InternalError(c, violation.Error())
	default:
		response.Handle(c, nil, err)
	}
}
