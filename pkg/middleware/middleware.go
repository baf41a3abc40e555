package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-bullion/internal/types"
	"github.com/ksred/klear-bullion/pkg/response"
	"golang.org/x/time/rate"
)

const actorKey = "actor"

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	authLimit       = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	settlementLimit = rate.Limit(300.0 / 60.0)  // 300 requests per minute
	readLimit       = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func limitFor(method, path string) rate.Limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit
	case method == "GET":
		return readLimit
	case strings.HasPrefix(path, "/api/v1/settlements"),
		strings.HasPrefix(path, "/api/v1/orders"),
		strings.HasPrefix(path, "/api/v1/capital"),
		strings.HasPrefix(path, "/api/v1/reservations"):
		return settlementLimit
	default:
		return rate.Inf
	}
}

func getLimiter(method, path, clientID string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientID + ":" + method + ":" + path
	v, exists := visitors[key]

	if !exists {
		limit := limitFor(method, path)
		burst := 1
		if limit != rate.Inf {
			burst = int(float64(limit)*60) / 10
			if burst < 1 {
				burst = 1
			}
		}
		v = &visitor{
			limiter:  rate.NewLimiter(limit, burst),
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

// RateLimit throttles per client and route. Installed after JWTAuth it keys
// on the acting user, otherwise on the client IP.
func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := ActorFromContext(c).UserID
		if clientID == "" {
			clientID = c.ClientIP()
		}

		limiter := getLimiter(c.Request.Method, c.FullPath(), clientID)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth authenticates the bearer token and places the acting party in the
// request context. Tokens without a user_id or role are rejected.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := actorFromRequest(c, secret)
		if err != nil {
			response.Unauthorized(c, err.Error())
			c.Abort()
			return
		}

		c.Set(actorKey, actor)
		c.Next()
	}
}

// InternalAuth admits only system and admin actors
func InternalAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := actorFromRequest(c, secret)
		if err != nil {
			response.Unauthorized(c, err.Error())
			c.Abort()
			return
		}
		if actor.Role != types.RoleSystem && actor.Role != types.RoleAdmin {
			response.Forbidden(c, "internal endpoints require a system or admin role")
			c.Abort()
			return
		}

		c.Set(actorKey, actor)
		c.Next()
	}
}

// ActorFromContext returns the authenticated actor, or the zero actor when
// the request carried none
func ActorFromContext(c *gin.Context) types.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(types.Actor); ok {
			return actor
		}
	}
	return types.Actor{}
}

// WithActor sets the acting party directly. Used by system callers and tests.
func WithActor(actor types.Actor) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(actorKey, actor)
		c.Next()
	}
}

func actorFromRequest(c *gin.Context, secret string) (types.Actor, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return types.Actor{}, fmt.Errorf("authorization header required")
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		return types.Actor{}, fmt.Errorf("invalid authorization header format")
	}

	token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return types.Actor{}, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return types.Actor{}, fmt.Errorf("invalid token claims")
	}

	for _, claim := range []string{"user_id", "role", "exp"} {
		if _, exists := claims[claim]; !exists {
			return types.Actor{}, fmt.Errorf("missing required claim: %s", claim)
		}
	}

	userID, _ := claims["user_id"].(string)
	roleName, _ := claims["role"].(string)
	role, err := types.ParseRole(roleName)
	if err != nil || userID == "" {
		return types.Actor{}, fmt.Errorf("invalid identity claims")
	}
	name, _ := claims["name"].(string)

	return types.Actor{UserID: userID, Role: role, Name: name}, nil
}
