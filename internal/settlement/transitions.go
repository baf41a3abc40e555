package settlement

import (
	"github.com/ksred/klear-bullion/internal/capital"
	"github.com/ksred/klear-bullion/internal/types"
)

var transitions = map[Status][]Status{
	StatusEscrowOpen:     {StatusAuthorized, StatusFailed, StatusCancelled, StatusAmbiguous},
	StatusAuthorized:     {StatusSettled, StatusFailed, StatusCancelled, StatusProcessingRail, StatusAmbiguous},
	StatusProcessingRail: {StatusAuthorized, StatusFailed, StatusAmbiguous},
	StatusAmbiguous:      {StatusEscrowOpen, StatusFailed, StatusCancelled},
	StatusSettled:        {StatusReversed},
	StatusFailed:         {},
	StatusCancelled:      {},
	StatusReversed:       {},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further action is accepted in s
func IsTerminal(s Status) bool {
	switch s {
	case StatusSettled, StatusFailed, StatusCancelled, StatusReversed:
		return true
	}
	return false
}

var actionRoles = map[Action][]types.Role{
	ActionConfirmFundsFinal:       {types.RoleAdmin, types.RoleTreasury},
	ActionAllocateGold:            {types.RoleAdmin, types.RoleVaultOps},
	ActionMarkVerificationCleared: {types.RoleAdmin, types.RoleCompliance},
	ActionAuthorizeSettlement:     {types.RoleAdmin, types.RoleCompliance},
	ActionExecuteDvP:              {types.RoleAdmin, types.RoleTreasury},
	ActionFailSettlement:          {types.RoleAdmin, types.RoleTreasury, types.RoleCompliance},
	ActionCancelSettlement:        {types.RoleAdmin, types.RoleCompliance, types.RoleBuyer},
	ActionResolveAmbiguous:        {types.RoleAdmin, types.RoleTreasury},
	ActionReverseSettlement:       {types.RoleAdmin, types.RoleCompliance},
	ActionQuoteFees:               {types.RoleAdmin, types.RoleBuyer, types.RoleTreasury},
	ActionApproveFees:             {types.RoleAdmin, types.RoleCompliance},
	ActionCapturePayment:          {types.RoleAdmin, types.RoleTreasury},
}

// openRoles may open a settlement from an order
var openRoles = []types.Role{types.RoleAdmin, types.RoleTreasury, types.RoleSystem}

// railRoles may report rail submissions and outcomes
var railRoles = []types.Role{types.RoleSystem, types.RoleAdmin}

// AllowedRoles returns the roles permitted to perform an action
func AllowedRoles(a Action) []types.Role {
	return actionRoles[a]
}

// KnownAction reports whether a is an action the engine accepts
func KnownAction(a Action) bool {
	_, ok := actionRoles[a]
	return ok
}

// bypassesActivation lists actions allowed before fees are activated
func bypassesActivation(a Action) bool {
	switch a {
	case ActionFailSettlement, ActionCancelSettlement,
		ActionQuoteFees, ActionApproveFees, ActionCapturePayment:
		return true
	}
	return false
}

// acceptedWhileAmbiguous lists actions that may act on an AMBIGUOUS_STATE case
func acceptedWhileAmbiguous(a Action) bool {
	switch a {
	case ActionResolveAmbiguous, ActionFailSettlement, ActionCancelSettlement:
		return true
	}
	return false
}

// CapitalKey maps an action to the capital control it is gated by
func CapitalKey(a Action) (capital.ActionKey, bool) {
	switch a {
	case ActionAuthorizeSettlement:
		return capital.ActionSettlementAuthorize, true
	case ActionExecuteDvP:
		return capital.ActionSettlementExecuteDvP, true
	case ActionCapturePayment:
		return capital.ActionPaymentCapture, true
	}
	return "", false
}
