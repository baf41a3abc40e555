package reference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-bullion/internal/types"
	"github.com/ksred/klear-bullion/pkg/middleware"
	"github.com/ksred/klear-bullion/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	ErrCorridorNotFound         = errors.New("corridor not found")
	ErrHubNotFound              = errors.New("hub not found")
	ErrVerificationCaseNotFound = errors.New("verification case not found")
	ErrInvalidStatus            = errors.New("invalid status")
)

// Service is the directory of corridor, hub and verification case status
// consulted as settlement preconditions
type Service struct {
	db  *Database
	now func() time.Time
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{db: NewDatabase(gormDB), now: time.Now}
}

func (s *Service) Corridor(ctx context.Context, id string) (*Corridor, error) {
	return s.db.GetCorridor(ctx, id)
}

func (s *Service) Hub(ctx context.Context, id string) (*Hub, error) {
	return s.db.GetHub(ctx, id)
}

func (s *Service) VerificationCase(ctx context.Context, id string) (*VerificationCase, error) {
	return s.db.GetVerificationCase(ctx, id)
}

func (s *Service) Corridors(ctx context.Context) ([]Corridor, error) {
	return s.db.ListCorridors(ctx)
}

func (s *Service) Hubs(ctx context.Context) ([]Hub, error) {
	return s.db.ListHubs(ctx)
}

// SetCorridorStatus changes a corridor's operating status
func (s *Service) SetCorridorStatus(ctx context.Context, id string, status CorridorStatus, note string) (*Corridor, error) {
	switch status {
	case CorridorActive, CorridorRestricted, CorridorSuspended:
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	if err := s.db.UpdateCorridorStatus(ctx, id, status, note); err != nil {
		return nil, err
	}
	log.Info().Str("service", "reference").Str("corridor_id", id).Str("status", string(status)).Msg("corridor status changed")
	return s.db.GetCorridor(ctx, id)
}

// SetHubStatus changes a hub's operating status
func (s *Service) SetHubStatus(ctx context.Context, id string, status HubStatus, note string) (*Hub, error) {
	switch status {
	case HubOperational, HubDegraded, HubMaintenance, HubOffline:
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	if err := s.db.UpdateHubStatus(ctx, id, status, note); err != nil {
		return nil, err
	}
	log.Info().Str("service", "reference").Str("hub_id", id).Str("status", string(status)).Msg("hub status changed")
	return s.db.GetHub(ctx, id)
}

// RecordVerification stores the latest provider status for a verification case
func (s *Service) RecordVerification(ctx context.Context, v *VerificationCase) error {
	switch v.Status {
	case VerificationPending, VerificationInReview, VerificationVerified, VerificationRejected:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidStatus, v.Status)
	}
	if v.Status == VerificationVerified || v.Status == VerificationRejected {
		at := s.now().UTC()
		v.ReviewedAt = &at
	}
	return s.db.UpsertVerificationCase(ctx, v)
}

// Seed loads the demo directory. It is safe to run repeatedly.
func (s *Service) Seed(ctx context.Context) error {
	corridors := []Corridor{
		{CorridorID: "COR_US_CH", Name: "United States to Switzerland", Origin: "US", Destination: "CH", Status: CorridorActive},
		{CorridorID: "COR_UK_SG", Name: "United Kingdom to Singapore", Origin: "GB", Destination: "SG", Status: CorridorRestricted, StatusNote: "enhanced due diligence"},
		{CorridorID: "COR_AE_HK", Name: "UAE to Hong Kong", Origin: "AE", Destination: "HK", Status: CorridorSuspended, StatusNote: "sanctions review"},
	}
	hubs := []Hub{
		{HubID: "HUB_ZRH", Name: "Zurich Freeport Vault", City: "Zurich", Status: HubOperational},
		{HubID: "HUB_LDN", Name: "London Bullion Vault", City: "London", Status: HubDegraded, StatusNote: "reduced intake capacity"},
		{HubID: "HUB_SGP", Name: "Singapore Le Freeport", City: "Singapore", Status: HubOperational},
		{HubID: "HUB_NYC", Name: "New York Depository", City: "New York", Status: HubMaintenance},
	}
	cases := []VerificationCase{
		{CaseID: "VRF_DEMO_VERIFIED", SubjectID: "usr_buyer_demo", Provider: "demo", Status: VerificationVerified},
		{CaseID: "VRF_DEMO_PENDING", SubjectID: "usr_buyer_pending", Provider: "demo", Status: VerificationPending},
	}

	for i := range corridors {
		if err := s.db.UpsertCorridor(ctx, &corridors[i]); err != nil {
			return fmt.Errorf("seed corridor %s: %w", corridors[i].CorridorID, err)
		}
	}
	for i := range hubs {
		if err := s.db.UpsertHub(ctx, &hubs[i]); err != nil {
			return fmt.Errorf("seed hub %s: %w", hubs[i].HubID, err)
		}
	}
	for i := range cases {
		if err := s.RecordVerification(ctx, &cases[i]); err != nil {
			return fmt.Errorf("seed verification case %s: %w", cases[i].CaseID, err)
		}
	}

	log.Info().
		Str("service", "reference").
		Int("corridors", len(corridors)).
		Int("hubs", len(hubs)).
		Int("verification_cases", len(cases)).
		Msg("reference data seeded")
	return nil
}

// GinHandlers contains HTTP handlers for reference data endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) ListCorridorsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		corridors, err := h.service.Corridors(c.Request.Context())
		response.Handle(c, corridors, err)
	}
}

func (h *GinHandlers) ListHubsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		hubs, err := h.service.Hubs(c.Request.Context())
		response.Handle(c, hubs, err)
	}
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
	Note   string `json:"note"`
}

func (h *GinHandlers) SetCorridorStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !canManage(c) {
			return
		}
		var req statusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		corridor, err := h.service.SetCorridorStatus(c.Request.Context(), c.Param("corridor_id"), CorridorStatus(strings.ToUpper(req.Status)), req.Note)
		handle(c, corridor, err)
	}
}

func (h *GinHandlers) SetHubStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !canManage(c) {
			return
		}
		var req statusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		hub, err := h.service.SetHubStatus(c.Request.Context(), c.Param("hub_id"), HubStatus(strings.ToUpper(req.Status)), req.Note)
		handle(c, hub, err)
	}
}

func (h *GinHandlers) RecordVerificationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !canManage(c) {
			return
		}
		var req struct {
			SubjectID string `json:"subject_id" binding:"required"`
			Provider  string `json:"provider"`
			Status    string `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		v := VerificationCase{
			CaseID:    c.Param("case_id"),
			SubjectID: req.SubjectID,
			Provider:  req.Provider,
			Status:    VerificationStatus(strings.ToUpper(req.Status)),
		}
		err := h.service.RecordVerification(c.Request.Context(), &v)
		handle(c, v, err)
	}
}

func canManage(c *gin.Context) bool {
	actor := middleware.ActorFromContext(c)
	if !types.RoleIn(actor.Role, []types.Role{types.RoleAdmin, types.RoleCompliance, types.RoleSystem}) {
		response.Forbidden(c, "role may not change reference data")
		return false
	}
	return true
}

func handle(c *gin.Context, data interface{}, err error) {
	switch {
	case errors.Is(err, ErrInvalidStatus):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrCorridorNotFound), errors.Is(err, ErrHubNotFound), errors.Is(err, ErrVerificationCaseNotFound):
		response.NotFound(c, err.Error())
	default:
		response.Handle(c, data, err)
	}
}
