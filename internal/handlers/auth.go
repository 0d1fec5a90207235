package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/session-relay/internal/admin"
)

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Login exchanges the shared admin credential for a JWT.
func Login(auth *admin.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		token, expiresAt, err := auth.Login(req.Username, req.Password)
		switch {
		case errors.Is(err, admin.ErrAdminDisabled):
			c.JSON(http.StatusForbidden, gin.H{"error": "Admin login is disabled"})
			return
		case errors.Is(err, admin.ErrInvalidCredentials):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:     token,
			UserID:    req.Username,
			ExpiresAt: expiresAt,
		})
	}
}
