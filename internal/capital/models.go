package capital

import (
	"time"

	"github.com/ksred/klear-bullion/internal/types"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Mode is the system-wide risk posture, ordered by severity
type Mode string

const (
	ModeNormal               Mode = "NORMAL"
	ModeThrottleReservations Mode = "THROTTLE_RESERVATIONS"
	ModeFreezeConversions    Mode = "FREEZE_CONVERSIONS"
	ModeFreezeMarketplace    Mode = "FREEZE_MARKETPLACE"
	ModeEmergencyHalt        Mode = "EMERGENCY_HALT"
)

// ActionKey names a capital-sensitive action the gate can block
type ActionKey string

const (
	ActionReservationCreate    ActionKey = "RESERVATION_CREATE"
	ActionReservationConvert   ActionKey = "RESERVATION_CONVERT"
	ActionListingCreate        ActionKey = "LISTING_CREATE"
	ActionListingPublish       ActionKey = "LISTING_PUBLISH"
	ActionSettlementOpen       ActionKey = "SETTLEMENT_OPEN"
	ActionPaymentCapture       ActionKey = "PAYMENT_CAPTURE"
	ActionSettlementAuthorize  ActionKey = "SETTLEMENT_AUTHORIZE"
	ActionSettlementExecuteDvP ActionKey = "SETTLEMENT_EXECUTE_DVP"
	ActionWithdrawalRequest    ActionKey = "WITHDRAWAL_REQUEST"
)

// OverrideScope is the breadth of an override
type OverrideScope string

const (
	ScopeGlobal OverrideScope = "GLOBAL"
	ScopeAction OverrideScope = "ACTION"
)

// OverrideStatus is the lifecycle state of an override
type OverrideStatus string

const (
	OverrideActive  OverrideStatus = "ACTIVE"
	OverrideExpired OverrideStatus = "EXPIRED"
	OverrideRevoked OverrideStatus = "REVOKED"
)

// AuditEventType classifies capital control audit records
type AuditEventType string

const (
	EventControlBlocked  AuditEventType = "CAPITAL_CONTROL_BLOCKED"
	EventOverrideCreated AuditEventType = "OVERRIDE_CREATED"
	EventOverrideRevoked AuditEventType = "OVERRIDE_REVOKED"
	EventOverrideApplied AuditEventType = "OVERRIDE_APPLIED"
)

// Snapshot is a point-in-time view of platform capital adequacy
type Snapshot struct {
	gorm.Model            `json:"-"`
	CapitalBaseCents      int64     `json:"capital_base_cents"`
	ExposureCents         int64     `json:"exposure_cents"`
	ExposureCoverageRatio float64   `json:"exposure_coverage_ratio"`
	HardstopUtilization   float64   `json:"hardstop_utilization"`
	CapturedAt            time.Time `gorm:"index" json:"captured_at"`
}

// TableName keeps snapshots in their own history table
func (Snapshot) TableName() string {
	return "capital_snapshots"
}

// Decision is the canonical gate evaluation for a snapshot
type Decision struct {
	Mode         Mode               `json:"mode"`
	Blocks       map[ActionKey]bool `json:"blocks"`
	Reasons      []string           `json:"reasons"`
	SnapshotHash string             `json:"snapshot_hash"`
	Snapshot     Snapshot           `json:"snapshot"`
}

// Blocked reports whether the decision blocks the action key
func (d Decision) Blocked(key ActionKey) bool {
	return d.Blocks[key]
}

// Override is a time-boxed exception to a control-mode block
type Override struct {
	gorm.Model     `json:"-"`
	OverrideID     string                      `gorm:"uniqueIndex" json:"override_id"`
	Scope          OverrideScope               `gorm:"index" json:"scope"`
	ActionKey      ActionKey                   `gorm:"index" json:"action_key,omitempty"`
	Status         OverrideStatus              `gorm:"index" json:"status"`
	Reason         string                      `json:"reason"`
	CreatedBy      string                      `json:"created_by"`
	CreatedByRole  types.Role                  `json:"created_by_role"`
	CreatedByName  string                      `json:"created_by_name"`
	IssuedAt       time.Time                   `json:"created_at"`
	ExpiresAt      time.Time                   `json:"expires_at"`
	RevokedAt      *time.Time                  `json:"revoked_at,omitempty"`
	RevokedBy      string                      `json:"revoked_by,omitempty"`
	SnapshotHash   string                      `json:"snapshot_hash"`
	ModeAtCreation Mode                        `json:"mode_at_creation"`
	Reasons        datatypes.JSONSlice[string] `json:"reasons_at_creation"`
}

// TableName keeps overrides alongside the other capital tables
func (Override) TableName() string {
	return "capital_overrides"
}

// Covers reports whether the override applies to the action key
func (o Override) Covers(key ActionKey) bool {
	return o.Scope == ScopeGlobal || (o.Scope == ScopeAction && o.ActionKey == key)
}

// EffectiveStatus resolves an ACTIVE override whose window has passed to EXPIRED
func (o Override) EffectiveStatus(now time.Time) OverrideStatus {
	if o.Status == OverrideActive && !now.Before(o.ExpiresAt) {
		return OverrideExpired
	}
	return o.Status
}

// OverrideRequest asks for a new override
type OverrideRequest struct {
	Scope     OverrideScope `json:"scope" binding:"required"`
	ActionKey ActionKey     `json:"action_key,omitempty"`
	Reason    string        `json:"reason" binding:"required"`
	ExpiresAt time.Time     `json:"expires_at" binding:"required"`
	Actor     types.Actor   `json:"-"`
}

// OverrideResult is returned from CreateOverride
type OverrideResult struct {
	Override Override `json:"override"`
	IsNew    bool     `json:"is_new"`
}

// AuditEvent is an append-only capital control audit record
type AuditEvent struct {
	gorm.Model   `json:"-"`
	EventID      string                      `gorm:"uniqueIndex" json:"event_id"`
	Type         AuditEventType              `gorm:"index" json:"type"`
	ActionKey    ActionKey                   `json:"action_key,omitempty"`
	Mode         Mode                        `json:"mode"`
	ActorID      string                      `json:"actor_id"`
	ActorRole    types.Role                  `json:"actor_role"`
	OverrideID   string                      `json:"override_id,omitempty"`
	Reasons      datatypes.JSONSlice[string] `json:"reasons"`
	SnapshotHash string                      `json:"snapshot_hash"`
	OccurredAt   time.Time                   `gorm:"index" json:"occurred_at"`
}

// TableName keeps audit records alongside the other capital tables
func (AuditEvent) TableName() string {
	return "capital_audit_events"
}
