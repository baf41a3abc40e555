package capital

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-bullion/internal/metrics"
	"github.com/ksred/klear-bullion/internal/types"
	"github.com/ksred/klear-bullion/pkg/middleware"
	"github.com/ksred/klear-bullion/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// DefaultMaxOverrideTTL bounds how far in the future an override may expire
const DefaultMaxOverrideTTL = 24 * time.Hour

// Service is the capital control gate
type Service struct {
	db             *Database
	thresholds     Thresholds
	maxOverrideTTL time.Duration
	metrics        *metrics.Metrics
	now            func() time.Time
}

// Option configures the gate
type Option func(*Service)

func WithThresholds(t Thresholds) Option {
	return func(s *Service) { s.thresholds = t }
}

func WithMaxOverrideTTL(d time.Duration) Option {
	return func(s *Service) { s.maxOverrideTTL = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a capital control gate over the given database connection
func NewService(gormDB *gorm.DB, opts ...Option) *Service {
	s := &Service{
		db:             NewDatabase(gormDB),
		thresholds:     DefaultThresholds(),
		maxOverrideTTL: DefaultMaxOverrideTTL,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CurrentSnapshot returns the live capital snapshot. With no snapshot on
// record the zero snapshot is returned, which evaluates to EMERGENCY_HALT.
func (s *Service) CurrentSnapshot(ctx context.Context) (Snapshot, error) {
	snap, err := s.db.LatestSnapshot(ctx)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("failed to load capital snapshot: %w", err)
	}
	return *snap, nil
}

// RecordSnapshot stores a new live snapshot and returns the decision it yields
func (s *Service) RecordSnapshot(ctx context.Context, snap Snapshot) (Decision, error) {
	if err := ValidateSnapshot(snap); err != nil {
		return Decision{}, err
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = s.now().UTC()
	}
	if snap.ExposureCoverageRatio == 0 && snap.ExposureCents > 0 {
		snap.ExposureCoverageRatio = float64(snap.CapitalBaseCents) / float64(snap.ExposureCents)
	}
	if err := s.db.CreateSnapshot(ctx, &snap); err != nil {
		return Decision{}, fmt.Errorf("failed to record capital snapshot: %w", err)
	}

	decision := Evaluate(snap, s.thresholds)
	log.Info().
		Str("service", "capital").
		Str("mode", string(decision.Mode)).
		Float64("ecr", snap.ExposureCoverageRatio).
		Float64("hardstop_utilization", snap.HardstopUtilization).
		Str("snapshot_hash", decision.SnapshotHash).
		Msg("recorded capital snapshot")
	return decision, nil
}

// Decide evaluates the live snapshot
func (s *Service) Decide(ctx context.Context) (Decision, error) {
	snap, err := s.CurrentSnapshot(ctx)
	if err != nil {
		return Decision{}, err
	}
	decision := Evaluate(snap, s.thresholds)
	s.metrics.SetCapitalModeSeverity(Severity(decision.Mode))
	return decision, nil
}

// Enforce allows the action when it is not blocked under the current mode or
// an active override covers it. Otherwise it records a deduplicated audit
// event and returns a *BlockedError.
func (s *Service) Enforce(ctx context.Context, key ActionKey, actor types.Actor) error {
	logger := log.With().
		Str("service", "capital").
		Str("action_key", string(key)).
		Str("actor_id", actor.UserID).
		Logger()

	decision, err := s.Decide(ctx)
	if err != nil {
		return err
	}
	if !decision.Blocked(key) {
		return nil
	}

	now := s.now()
	override, err := s.activeOverrideFor(ctx, key, decision.Mode, now)
	if err != nil {
		return err
	}
	if override != nil {
		if _, err := s.db.AppendAuditEvent(ctx, &AuditEvent{
			EventID:      AppliedEventID(key, override.OverrideID, now, actor.UserID),
			Type:         EventOverrideApplied,
			ActionKey:    key,
			Mode:         decision.Mode,
			ActorID:      actor.UserID,
			ActorRole:    actor.Role,
			OverrideID:   override.OverrideID,
			Reasons:      decision.Reasons,
			SnapshotHash: decision.SnapshotHash,
			OccurredAt:   now.UTC(),
		}); err != nil {
			return err
		}
		logger.Info().
			Str("mode", string(decision.Mode)).
			Str("override_id", override.OverrideID).
			Msg("capital control block bypassed by override")
		return nil
	}

	eventID := BlockEventID(key, decision.Mode, now, actor.UserID)
	inserted, err := s.db.AppendAuditEvent(ctx, &AuditEvent{
		EventID:      eventID,
		Type:         EventControlBlocked,
		ActionKey:    key,
		Mode:         decision.Mode,
		ActorID:      actor.UserID,
		ActorRole:    actor.Role,
		Reasons:      decision.Reasons,
		SnapshotHash: decision.SnapshotHash,
		OccurredAt:   now.UTC(),
	})
	if err != nil {
		return err
	}
	if inserted {
		s.metrics.IncrementCapitalBlock(string(key), string(decision.Mode))
	}

	logger.Warn().
		Str("mode", string(decision.Mode)).
		Strs("reasons", decision.Reasons).
		Str("audit_event_id", eventID).
		Msg("action blocked by capital control")

	return &BlockedError{
		ActionKey:    key,
		Mode:         decision.Mode,
		Reasons:      decision.Reasons,
		SnapshotHash: decision.SnapshotHash,
		AuditEventID: eventID,
	}
}

// activeOverrideFor returns an unexpired override covering key, expiring any
// stale ones it encounters. Action scoped overrides win over global ones and
// global overrides never apply in modes that forbid them.
func (s *Service) activeOverrideFor(ctx context.Context, key ActionKey, mode Mode, now time.Time) (*Override, error) {
	active, err := s.activeOverrides(ctx, now)
	if err != nil {
		return nil, err
	}

	var global *Override
	for i := range active {
		o := &active[i]
		if !o.Covers(key) {
			continue
		}
		if o.Scope == ScopeAction {
			return o, nil
		}
		if global == nil && GloballyOverridable(mode) {
			global = o
		}
	}
	return global, nil
}

// activeOverrides lists ACTIVE overrides, persisting EXPIRED for any whose
// window has passed
func (s *Service) activeOverrides(ctx context.Context, now time.Time) ([]Override, error) {
	overrides, err := s.db.ListOverrides(ctx, OverrideActive)
	if err != nil {
		return nil, err
	}

	var live []Override
	var expired []string
	for _, o := range overrides {
		if o.EffectiveStatus(now) == OverrideExpired {
			expired = append(expired, o.OverrideID)
			continue
		}
		live = append(live, o)
	}
	if len(expired) > 0 {
		if _, err := s.db.MarkExpired(ctx, expired); err != nil {
			return nil, fmt.Errorf("failed to expire capital overrides: %w", err)
		}
	}
	return live, nil
}

// CreateOverride validates and stores an override. An ACTIVE override with the
// same scope and action key is returned instead of creating a duplicate.
func (s *Service) CreateOverride(ctx context.Context, req OverrideRequest) (OverrideResult, error) {
	logger := log.With().
		Str("service", "capital").
		Str("scope", string(req.Scope)).
		Str("action_key", string(req.ActionKey)).
		Str("actor_id", req.Actor.UserID).
		Logger()

	now := s.now()
	decision, err := s.Decide(ctx)
	if err != nil {
		return OverrideResult{}, err
	}

	if err := ValidateOverride(req, decision.Mode, now, s.maxOverrideTTL); err != nil {
		logger.Warn().Err(err).Str("mode", string(decision.Mode)).Msg("override request rejected")
		return OverrideResult{}, err
	}

	active, err := s.activeOverrides(ctx, now)
	if err != nil {
		return OverrideResult{}, err
	}
	for _, o := range active {
		if o.Scope == req.Scope && (req.Scope == ScopeGlobal || o.ActionKey == req.ActionKey) {
			return OverrideResult{Override: o, IsNew: false}, nil
		}
	}

	override := Override{
		OverrideID:     "OVR_" + uuid.New().String(),
		Scope:          req.Scope,
		Status:         OverrideActive,
		Reason:         strings.TrimSpace(req.Reason),
		CreatedBy:      req.Actor.UserID,
		CreatedByRole:  req.Actor.Role,
		CreatedByName:  req.Actor.Name,
		IssuedAt:       now.UTC(),
		ExpiresAt:      req.ExpiresAt.UTC(),
		SnapshotHash:   decision.SnapshotHash,
		ModeAtCreation: decision.Mode,
		Reasons:        decision.Reasons,
	}
	if req.Scope == ScopeAction {
		override.ActionKey = req.ActionKey
	}

	if err := s.db.CreateOverride(ctx, &override); err != nil {
		logger.Error().Err(err).Msg("failed to store override")
		return OverrideResult{}, fmt.Errorf("failed to store capital override: %w", err)
	}

	if _, err := s.db.AppendAuditEvent(ctx, &AuditEvent{
		EventID:      "cc_" + override.OverrideID + "_created",
		Type:         EventOverrideCreated,
		ActionKey:    override.ActionKey,
		Mode:         decision.Mode,
		ActorID:      req.Actor.UserID,
		ActorRole:    req.Actor.Role,
		OverrideID:   override.OverrideID,
		Reasons:      []string{override.Reason},
		SnapshotHash: decision.SnapshotHash,
		OccurredAt:   now.UTC(),
	}); err != nil {
		return OverrideResult{}, err
	}
	s.metrics.IncrementOverridesCreated(string(req.Scope))

	logger.Info().
		Str("override_id", override.OverrideID).
		Str("mode", string(decision.Mode)).
		Time("expires_at", override.ExpiresAt).
		Msg("capital override created")

	return OverrideResult{Override: override, IsNew: true}, nil
}

// RevokeOverride ends an ACTIVE override early
func (s *Service) RevokeOverride(ctx context.Context, overrideID string, actor types.Actor) (*Override, error) {
	if !actor.HasIdentity() {
		return nil, ErrOverrideIdentityMissing
	}
	if !types.RoleIn(actor.Role, overrideRoles) {
		return nil, ErrOverrideRoleNotAllowed
	}

	now := s.now()
	current, err := s.db.GetOverride(ctx, overrideID)
	if err != nil {
		return nil, err
	}
	if current.EffectiveStatus(now) != OverrideActive {
		if current.Status == OverrideActive {
			if _, err := s.db.MarkExpired(ctx, []string{overrideID}); err != nil {
				return nil, err
			}
		}
		return nil, ErrOverrideNotActive
	}

	if err := s.db.Revoke(ctx, overrideID, actor.UserID, now.UTC()); err != nil {
		return nil, err
	}
	if _, err := s.db.AppendAuditEvent(ctx, &AuditEvent{
		EventID:    "cc_" + overrideID + "_revoked",
		Type:       EventOverrideRevoked,
		ActionKey:  current.ActionKey,
		Mode:       current.ModeAtCreation,
		ActorID:    actor.UserID,
		ActorRole:  actor.Role,
		OverrideID: overrideID,
		OccurredAt: now.UTC(),
	}); err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "capital").
		Str("override_id", overrideID).
		Str("actor_id", actor.UserID).
		Msg("capital override revoked")

	return s.db.GetOverride(ctx, overrideID)
}

// ListOverrides returns overrides with lazy expiry applied
func (s *Service) ListOverrides(ctx context.Context, status OverrideStatus) ([]Override, error) {
	if _, err := s.activeOverrides(ctx, s.now()); err != nil {
		return nil, err
	}
	return s.db.ListOverrides(ctx, status)
}

// ExpireOverrides persists EXPIRED for every lapsed override and returns how many moved
func (s *Service) ExpireOverrides(ctx context.Context) (int, error) {
	overrides, err := s.db.ListOverrides(ctx, OverrideActive)
	if err != nil {
		return 0, err
	}
	now := s.now()
	var expired []string
	for _, o := range overrides {
		if o.EffectiveStatus(now) == OverrideExpired {
			expired = append(expired, o.OverrideID)
		}
	}
	n, err := s.db.MarkExpired(ctx, expired)
	return int(n), err
}

// AuditEvents lists capital control audit records
func (s *Service) AuditEvents(ctx context.Context, eventType AuditEventType, limit int) ([]AuditEvent, error) {
	return s.db.ListAuditEvents(ctx, eventType, limit)
}

// GinHandlers contains HTTP handlers for capital control endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) DecisionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		decision, err := h.service.Decide(c.Request.Context())
		response.Handle(c, decision, err)
	}
}

func (h *GinHandlers) RecordSnapshotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := middleware.ActorFromContext(c)
		if !types.RoleIn(actor.Role, []types.Role{types.RoleAdmin, types.RoleTreasury, types.RoleSystem}) {
			response.Forbidden(c, "role may not record capital snapshots")
			return
		}

		var request struct {
			CapitalBaseCents      int64   `json:"capital_base_cents" binding:"required"`
			ExposureCents         int64   `json:"exposure_cents"`
			ExposureCoverageRatio float64 `json:"exposure_coverage_ratio"`
			HardstopUtilization   float64 `json:"hardstop_utilization"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		decision, err := h.service.RecordSnapshot(c.Request.Context(), Snapshot{
			CapitalBaseCents:      request.CapitalBaseCents,
			ExposureCents:         request.ExposureCents,
			ExposureCoverageRatio: request.ExposureCoverageRatio,
			HardstopUtilization:   request.HardstopUtilization,
		})
		if errors.Is(err, ErrInvalidSnapshot) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, decision, err)
	}
}

func (h *GinHandlers) CreateOverrideHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request OverrideRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		request.Actor = middleware.ActorFromContext(c)

		result, err := h.service.CreateOverride(c.Request.Context(), request)
		if err != nil {
			h.handleOverrideError(c, err)
			return
		}
		response.Success(c, result)
	}
}

func (h *GinHandlers) ListOverridesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := OverrideStatus(strings.ToUpper(c.Query("status")))
		overrides, err := h.service.ListOverrides(c.Request.Context(), status)
		response.Handle(c, overrides, err)
	}
}

func (h *GinHandlers) RevokeOverrideHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		override, err := h.service.RevokeOverride(c.Request.Context(), c.Param("override_id"), middleware.ActorFromContext(c))
		if err != nil {
			h.handleOverrideError(c, err)
			return
		}
		response.Success(c, override)
	}
}

func (h *GinHandlers) AuditEventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		events, err := h.service.AuditEvents(c.Request.Context(), AuditEventType(strings.ToUpper(c.Query("type"))), limit)
		response.Handle(c, events, err)
	}
}

func (h *GinHandlers) handleOverrideError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrOverrideIdentityMissing):
		response.Unauthorized(c, err.Error())
	case errors.Is(err, ErrOverrideRoleNotAllowed):
		response.Forbidden(c, err.Error())
	case errors.Is(err, ErrOverrideNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrOverrideNotActive):
		response.Conflict(c, err.Error())
	case errors.Is(err, ErrOverrideReasonTooShort),
		errors.Is(err, ErrOverrideScopeInvalid),
		errors.Is(err, ErrGlobalOverrideNotPermitted),
		errors.Is(err, ErrOverrideActionKeyRequired),
		errors.Is(err, ErrOverrideActionKeyUnknown),
		errors.Is(err, ErrOverrideExpiryInvalid):
		response.ValidationFailed(c, err.Error())
	default:
		response.Handle(c, nil, err)
	}
}
