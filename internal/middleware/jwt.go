// Package middleware holds gin middleware shared by the admin routes.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/session-relay/internal/admin"
)

// UserIDKey is where JWTAuth leaves the authenticated admin's id.
const UserIDKey = "user_id"

// JWTAuth rejects requests without a valid admin bearer token.
func JWTAuth(auth *admin.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			unauthorized(c, "Authorization header required")
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" || strings.Contains(token, " ") {
			unauthorized(c, "Invalid authorization header format")
			return
		}

		claims, err := auth.Validate(token)
		if err != nil {
			unauthorized(c, "Invalid token")
			return
		}
		c.Set(UserIDKey, claims.UserID)
		c.Next()
	}
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
}
