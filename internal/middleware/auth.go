package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"carebridge-backend/internal/domain"
	"carebridge-backend/pkg/jwt"
)

// principalKey is the gin context key holding the authenticated principal
const principalKey = "principal"

// RevocationChecker defines interface for checking if a token is revoked
type RevocationChecker interface {
	IsTokenRevoked(ctx context.Context, tokenString string) (bool, error)
}

// AuthMiddleware creates a Gin middleware that validates JWT tokens.
// On success it stores a domain.Principal in the context; handlers read
// it back with PrincipalFromContext.
//
// revocationChecker may be nil. When the checker errors the request is
// allowed through: token validation already passed and blocking every
// call on a Redis outage is worse than honoring a recently revoked token.
func AuthMiddleware(jwtManager *jwt.JWTManager, revocationChecker RevocationChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			c.Abort()
			return
		}

		tokenString := parts[1]

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		if revocationChecker != nil {
			revoked, err := revocationChecker.IsTokenRevoked(c.Request.Context(), tokenString)
			if err == nil && revoked {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Token revoked"})
				c.Abort()
				return
			}
		}

		c.Set(principalKey, domain.Principal{
			ID:          claims.UserID,
			DisplayName: claims.DisplayName,
			Role:        domain.Role(claims.Role),
		})
		c.Next()
	}
}

// PrincipalFromContext returns the authenticated principal set by
// AuthMiddleware. ok is false on routes that skipped authentication.
func PrincipalFromContext(c *gin.Context) (domain.Principal, bool) {
	val, exists := c.Get(principalKey)
	if !exists {
		return domain.Principal{}, false
	}
	principal, ok := val.(domain.Principal)
	return principal, ok
}
