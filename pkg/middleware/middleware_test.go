package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-bullion/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims(role string) jwt.MapClaims {
	return jwt.MapClaims{
		"user_id": "usr_1",
		"role":    role,
		"name":    "Test User",
		"exp":     time.Now().Add(time.Hour).Unix(),
	}
}

func serve(router *gin.Engine, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var seen types.Actor
	router := gin.New()
	router.GET("/whoami", JWTAuth(secret), func(c *gin.Context) {
		seen = ActorFromContext(c)
		c.Status(http.StatusNoContent)
	})

	w := serve(router, http.MethodGet, "/whoami", sign(t, validClaims("Treasury")))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, types.Actor{UserID: "usr_1", Role: types.RoleTreasury, Name: "Test User"}, seen)

	tests := []struct {
		name  string
		token string
	}{
		{"missing header", ""},
		{"garbage", "not-a-jwt"},
		{"unknown role", sign(t, validClaims("janitor"))},
		{"missing user", sign(t, jwt.MapClaims{"role": "admin", "exp": time.Now().Add(time.Hour).Unix()})},
		{"expired", sign(t, jwt.MapClaims{"user_id": "usr_1", "role": "admin", "exp": time.Now().Add(-time.Hour).Unix()})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, http.MethodGet, "/whoami", tt.token)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestJWTAuth_WrongSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/whoami", JWTAuth("other-secret"), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := serve(router, http.MethodGet, "/whoami", sign(t, validClaims("admin")))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInternalAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/internal", InternalAuth(secret), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for role, want := range map[string]int{
		"system": http.StatusNoContent,
		"admin":  http.StatusNoContent,
		"buyer":  http.StatusForbidden,
	} {
		w := serve(router, http.MethodPost, "/internal", sign(t, validClaims(role)))
		assert.Equal(t, want, w.Code, role)
	}
}

func TestActorFromContext_Empty(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Equal(t, types.Actor{}, ActorFromContext(c))
	assert.False(t, ActorFromContext(c).HasIdentity())
}

func TestRateLimit_AuthRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimit())
	router.POST("/api/v1/auth/token", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	router.GET("/api/v1/settlements", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	assert.Equal(t, http.StatusNoContent, serve(router, http.MethodPost, "/api/v1/auth/token", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(router, http.MethodPost, "/api/v1/auth/token", "").Code)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusNoContent, serve(router, http.MethodGet, "/api/v1/settlements", "").Code)
	}
}

func TestRateLimit_KeysByActorAfterAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	group := router.Group("/api/v1/auth")
	group.Use(JWTAuth(secret), RateLimit())
	group.GET("/session", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	first := validClaims("treasury")
	first["user_id"] = "usr_limit_first"
	second := validClaims("treasury")
	second["user_id"] = "usr_limit_second"

	// every request comes from the same client IP
	assert.Equal(t, http.StatusNoContent, serve(router, http.MethodGet, "/api/v1/auth/session", sign(t, first)).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(router, http.MethodGet, "/api/v1/auth/session", sign(t, first)).Code)
	assert.Equal(t, http.StatusNoContent, serve(router, http.MethodGet, "/api/v1/auth/session", sign(t, second)).Code)
}

func TestLimitFor(t *testing.T) {
	assert.Equal(t, authLimit, limitFor(http.MethodPost, "/api/v1/auth/token"))
	assert.Equal(t, readLimit, limitFor(http.MethodGet, "/api/v1/settlements/:settlement_id"))
	assert.Equal(t, settlementLimit, limitFor(http.MethodPost, "/api/v1/settlements/:settlement_id/actions"))
	assert.Equal(t, settlementLimit, limitFor(http.MethodPost, "/api/v1/reservations"))
}
