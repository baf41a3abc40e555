package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func record(method string, write func(c *gin.Context)) (*httptest.ResponseRecorder, Response) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, "/", nil)
	write(c)

	var body Response
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestSuccess_StatusByMethod(t *testing.T) {
	w, body := record(http.MethodGet, func(c *gin.Context) { Success(c, map[string]string{"ok": "yes"}) })
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, body.Success)

	w, _ = record(http.MethodPost, func(c *gin.Context) { Success(c, nil) })
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestActionFailure(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{"MISSING_IDENTITY", http.StatusUnauthorized},
		{"FORBIDDEN_ROLE", http.StatusForbidden},
		{"NOT_FOUND", http.StatusNotFound},
		{"UNKNOWN_ACTION", http.StatusBadRequest},
		{"BLOCKED", http.StatusLocked},
		{"INVALID_FEE_QUOTE", http.StatusUnprocessableEntity},
		{"PRECONDITION", http.StatusConflict},
		{"TERMINAL_STATE", http.StatusConflict},
		{"AMBIGUOUS_LOCKED", http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			w, body := record(http.MethodPost, func(c *gin.Context) {
				ActionFailure(c, tt.code, "refused", []string{"admin"})
			})
			assert.Equal(t, tt.want, w.Code)
			require.NotNil(t, body.Error)
			assert.False(t, body.Success)
			assert.Equal(t, tt.code, body.Error.Code)
			assert.Equal(t, []string{"admin"}, body.Error.AllowedRoles)
		})
	}
}

func TestHandle(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"not found", fmt.Errorf("lookup: %w", gorm.ErrRecordNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"duplicate", gorm.ErrDuplicatedKey, http.StatusConflict, ErrCodeDuplicateResource},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := record(http.MethodGet, func(c *gin.Context) { Handle(c, nil, tt.err) })
			assert.Equal(t, tt.want, w.Code)
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.code, body.Error.Code)
			assert.NotContains(t, body.Error.Message, "disk on fire")
		})
	}
}
