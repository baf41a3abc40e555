package settlement

import (
	"errors"
	"fmt"

	"github.com/ksred/klear-bullion/internal/types"
)

// Code is the machine readable reason an action was refused
type Code string

const (
	CodeForbiddenRole      Code = "FORBIDDEN_ROLE"
	CodeMissingIdentity    Code = "MISSING_IDENTITY"
	CodeNotFound           Code = "NOT_FOUND"
	CodeTerminalState      Code = "TERMINAL_STATE"
	CodeProcessingLocked   Code = "PROCESSING_LOCKED"
	CodeAmbiguousLocked    Code = "AMBIGUOUS_LOCKED"
	CodeActivationRequired Code = "ACTIVATION_REQUIRED"
	CodeDuplicate          Code = "DUPLICATE"
	CodeInvalidState       Code = "INVALID_STATE"
	CodePrecondition       Code = "PRECONDITION"
	CodeBlocked            Code = "BLOCKED"
	CodeUnknownAction      Code = "UNKNOWN_ACTION"
	CodeInvalidFeeQuote    Code = "INVALID_FEE_QUOTE"
	CodeFeeQuoteRequired   Code = "FEE_QUOTE_REQUIRED"
)

var (
	ErrNotFound         = errors.New("settlement not found")
	ErrConcurrentUpdate = errors.New("settlement was modified concurrently")
)

// ActionError is a business refusal. It is returned inside a Result, never
// raised.
type ActionError struct {
	Code         Code         `json:"code"`
	Message      string       `json:"message"`
	AllowedRoles []types.Role `json:"allowed_roles,omitempty"`
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func refuse(code Code, format string, args ...interface{}) *ActionError {
	return &ActionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvariantViolation means a caller skipped validation it was responsible
// for. It indicates a bug upstream and is never a business outcome.
type InvariantViolation struct {
	Invariant    string
	OrderID      string
	SettlementID string
	Detail       string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("settlement invariant %q violated for order %s: %s", e.Invariant, e.OrderID, e.Detail)
}
