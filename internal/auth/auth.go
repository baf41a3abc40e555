package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-bullion/internal/types"
	"github.com/ksred/klear-bullion/pkg/response"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

const tokenTTL = 24 * time.Hour

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string      `json:"jwt_token"`
	Expiration time.Time   `json:"expiration"`
	Actor      types.Actor `json:"actor"`
}

// Claims carries the acting party. The middleware reads user_id and role
// from every request.
type Claims struct {
	jwt.RegisteredClaims
	UserID string     `json:"user_id"`
	Role   types.Role `json:"role"`
	Name   string     `json:"name,omitempty"`
}

type credential struct {
	secret string
	actor  types.Actor
}

// Service issues tokens for registered API credentials
type Service struct {
	jwtSecret []byte
	now       func() time.Time

	mu          sync.RWMutex
	credentials map[string]credential // by API key
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret:   []byte(jwtSecret),
		now:         time.Now,
		credentials: make(map[string]credential),
	}
}

// RegisterAPICredentials binds an API key pair to the actor its tokens act as
func (s *Service) RegisterAPICredentials(apiKey, apiSecret string, actor types.Actor) error {
	role, err := types.ParseRole(string(actor.Role))
	if err != nil {
		return err
	}
	actor.Role = role
	if !actor.HasIdentity() {
		return errors.New("credentials must map to an actor with a user id and role")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[apiKey] = credential{secret: apiSecret, actor: actor}
	return nil
}

// GenerateToken issues a 24 hour token carrying the actor registered for creds
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	s.mu.RLock()
	cred, ok := s.credentials[creds.APIKey]
	s.mu.RUnlock()
	if !ok || cred.secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	expiration := now.Add(tokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cred.actor.UserID,
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		UserID: cred.actor.UserID,
		Role:   cred.actor.Role,
		Name:   cred.actor.Name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	log.Info().
		Str("service", "auth").
		Str("user_id", cred.actor.UserID).
		Str("role", string(cred.actor.Role)).
		Msg("issued token")

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
		Actor:      cred.actor,
	}, nil
}

// ValidateToken verifies the signature and expiry and returns the actor
func (s *Service) ValidateToken(tokenString string) (types.Actor, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return types.Actor{}, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return types.Actor{}, ErrInvalidToken
	}
	actor := types.Actor{UserID: claims.UserID, Role: claims.Role, Name: claims.Name}
	if !actor.HasIdentity() {
		return types.Actor{}, ErrInvalidToken
	}
	return actor, nil
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler exchanges API credentials for a JWT
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}
