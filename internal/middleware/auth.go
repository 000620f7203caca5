package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"linkbridge/internal/auth"
)

const (
	userIDContextKey = "userID"
	claimsContextKey = "claims"
)

func UserIDFromContext(c *gin.Context) (string, bool) {
	userID, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := userID.(string)
	return value, ok && value != ""
}

func ClaimsFromContext(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(claimsContextKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok && claims != nil
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		claims, err := auth.VerifyToken(token, cfg)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		c.Set(userIDContextKey, claims.UserID)
		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// RequireRole admits callers holding one of allowed. Must run after RequireAuth.
func RequireRole(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}
		if !claims.HasAnyRole(allowed) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Account linking is not permitted for this user"})
			return
		}
		c.Next()
	}
}
