package handler

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/rl1809/meal-dispatch/internal/core/service"
)

const actorKey = "actor"

var errMissingToken = errors.New("missing bearer token")

// Claims carried by staff tokens. Subject is the agent id for agents.
type Claims struct {
	Role service.Role `json:"role"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Issue signs a token for the given actor. cmd/token wraps it for operators.
func (a *Authenticator) Issue(actor service.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Parse(tokenString string) (service.Actor, error) {
	if tokenString == "" {
		return service.Actor{}, errMissingToken
	}
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return service.Actor{}, err
	}
	if !token.Valid {
		return service.Actor{}, errors.New("invalid token")
	}
	switch claims.Role {
	case service.RoleAgent:
		if claims.Subject == "" {
			return service.Actor{}, errors.New("agent token without subject")
		}
	case service.RoleOwner, service.RoleCustomer:
	default:
		return service.Actor{}, fmt.Errorf("unknown role %q", claims.Role)
	}
	return service.Actor{Role: claims.Role, ID: claims.Subject}, nil
}

// RequireRole rejects requests whose bearer token does not carry one of roles.
// The browser websocket API cannot set headers, so a token query parameter
// is accepted as well.
func (a *Authenticator) RequireRole(roles ...service.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" || token == c.GetHeader("Authorization") {
			token = c.Query("token")
		}

		actor, err := a.Parse(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if !slices.Contains(roles, actor.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

func actorFrom(c *gin.Context) service.Actor {
	if v, ok := c.Get(actorKey); ok {
		return v.(service.Actor)
	}
	return service.Actor{Role: service.RoleCustomer}
}
