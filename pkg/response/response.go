package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code         string   `json:"code"`
	Message      string   `json:"message"`
	AllowedRoles []string `json:"allowed_roles,omitempty"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeConcurrentUpdate  = "CONCURRENT_UPDATE"
	ErrCodeRateLimited       = "RATE_LIMITED"
)

// actionStatus maps settlement action failure codes to HTTP statuses.
// Codes not listed are business rule violations and map to 409.
var actionStatus = map[string]int{
	"MISSING_IDENTITY":   http.StatusUnauthorized,
	"FORBIDDEN_ROLE":     http.StatusForbidden,
	"NOT_FOUND":          http.StatusNotFound,
	"UNKNOWN_ACTION":     http.StatusBadRequest,
	"BLOCKED":            http.StatusLocked,
	"INVALID_FEE_QUOTE":  http.StatusUnprocessableEntity,
	"FEE_QUOTE_REQUIRED": http.StatusUnprocessableEntity,
}

// ActionStatus returns the HTTP status for a settlement action failure code
func ActionStatus(code string) int {
	if status, ok := actionStatus[code]; ok {
		return status
	}
	return http.StatusConflict
}

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		handleError(c, err)
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// ActionFailure sends a settlement action failure with its machine code
func ActionFailure(c *gin.Context, code, message string, allowedRoles []string) {
	c.JSON(ActionStatus(code), Response{
		Success: false,
		Error: &Error{
			Code:         code,
			Message:      message,
			AllowedRoles: allowedRoles,
		},
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	writeError(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	writeError(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// ValidationFailed sends a 422 response
func ValidationFailed(c *gin.Context, message string) {
	writeError(c, http.StatusUnprocessableEntity, ErrCodeValidationFailed, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	writeError(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	writeError(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	writeError(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	writeError(c, http.StatusConflict, ErrCodeDuplicateResource, message)
}

// ConcurrentUpdate sends a 409 response for a lost optimistic update
func ConcurrentUpdate(c *gin.Context, message string) {
	writeError(c, http.StatusConflict, ErrCodeConcurrentUpdate, message)
}

// TooManyRequests sends a 429 response
func TooManyRequests(c *gin.Context, message string) {
	writeError(c, http.StatusTooManyRequests, ErrCodeRateLimited, message)
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

// handleError determines the appropriate error response
func handleError(c *gin.Context, err error) {
	_ = c.Error(err)
	InternalError(c, "An unexpected error occurred")
}
