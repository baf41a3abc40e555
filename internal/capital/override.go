package capital

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ksred/klear-bullion/internal/types"
)

// MinOverrideReasonLength is the shortest acceptable override justification
const MinOverrideReasonLength = 20

var (
	ErrOverrideRoleNotAllowed     = errors.New("actor role may not create capital overrides")
	ErrOverrideIdentityMissing    = errors.New("override requires an actor identity")
	ErrOverrideReasonTooShort     = fmt.Errorf("override reason must be at least %d characters", MinOverrideReasonLength)
	ErrOverrideScopeInvalid       = errors.New("override scope must be GLOBAL or ACTION")
	ErrGlobalOverrideNotPermitted = errors.New("global overrides are not permitted in the current mode")
	ErrOverrideActionKeyRequired  = errors.New("action scoped override requires an action key")
	ErrOverrideActionKeyUnknown   = errors.New("unknown capital action key")
	ErrOverrideExpiryInvalid      = errors.New("override expiry must be in the future and within the maximum window")
	ErrOverrideNotFound           = errors.New("capital override not found")
	ErrOverrideNotActive          = errors.New("capital override is no longer active")
)

// overrideRoles may create and revoke overrides
var overrideRoles = []types.Role{types.RoleAdmin, types.RoleTreasury, types.RoleCompliance}

// OverrideRoles returns the roles allowed to manage overrides
func OverrideRoles() []types.Role {
	return append([]types.Role{}, overrideRoles...)
}

// ValidateOverride checks an override request against the current mode
func ValidateOverride(req OverrideRequest, mode Mode, now time.Time, maxTTL time.Duration) error {
	if !req.Actor.HasIdentity() {
		return ErrOverrideIdentityMissing
	}
	if !types.RoleIn(req.Actor.Role, overrideRoles) {
		return ErrOverrideRoleNotAllowed
	}
	if len(strings.TrimSpace(req.Reason)) < MinOverrideReasonLength {
		return ErrOverrideReasonTooShort
	}

	switch req.Scope {
	case ScopeGlobal:
		if !GloballyOverridable(mode) {
			return fmt.Errorf("%w: %s", ErrGlobalOverrideNotPermitted, mode)
		}
	case ScopeAction:
		if req.ActionKey == "" {
			return ErrOverrideActionKeyRequired
		}
		if !KnownActionKey(req.ActionKey) {
			return fmt.Errorf("%w: %s", ErrOverrideActionKeyUnknown, req.ActionKey)
		}
	default:
		return ErrOverrideScopeInvalid
	}

	if !req.ExpiresAt.After(now) {
		return ErrOverrideExpiryInvalid
	}
	if maxTTL > 0 && req.ExpiresAt.Sub(now) > maxTTL {
		return ErrOverrideExpiryInvalid
	}
	return nil
}

// BlockedError is returned when the gate denies an action
type BlockedError struct {
	ActionKey    ActionKey
	Mode         Mode
	Reasons      []string
	SnapshotHash string
	AuditEventID string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("action %s blocked by capital control mode %s: %s",
		e.ActionKey, e.Mode, strings.Join(e.Reasons, "; "))
}
