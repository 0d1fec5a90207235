package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/session-relay/internal/admin"
	"github.com/mossy-p/session-relay/internal/middleware"
	"github.com/mossy-p/session-relay/internal/models"
	"github.com/mossy-p/session-relay/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SessionHandler serves the session REST API.
type SessionHandler struct {
	sessions *session.Manager
	control  *admin.Control
	logger   zerolog.Logger
}

func NewSessionHandler(sessions *session.Manager, control *admin.Control) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		control:  control,
		logger:   log.With().Str("module", "http").Logger(),
	}
}

// CreateSession creates a new session (public). When userId is given that
// client becomes the creator and first member.
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := session.CreateParams{Nickname: req.Nickname, CreatorID: req.UserID}
	if req.SessionType != "" {
		typ, err := models.ParseSessionType(req.SessionType)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		params.Type = typ
	}
	if params.CreatorID != "" && params.Nickname == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nickname is required with userId"})
		return
	}

	id, typ, err := h.sessions.Create(c.Request.Context(), params)
	if err != nil {
		h.fail(c, "create session", err)
		return
	}

	c.JSON(http.StatusCreated, models.CreateSessionResponse{
		SessionID:   id,
		ClientID:    req.UserID,
		SessionType: typ,
	})
}

// GetSession returns the session record with its live status and roster.
func (h *SessionHandler) GetSession(c *gin.Context) {
	view, err := h.sessions.Describe(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.fail(c, "get session", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetStatus returns the reconciled status of a session.
func (h *SessionHandler) GetStatus(c *gin.Context) {
	id := c.Param("sessionId")
	status, err := h.sessions.StatusOf(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "get status", err)
		return
	}
	c.JSON(http.StatusOK, models.SessionStatusData{SessionID: id, Status: status})
}

// JoinSession records membership without a socket. The session must exist.
func (h *SessionHandler) JoinSession(c *gin.Context) {
	var req models.JoinSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	clientID := req.UserID
	if clientID == "" {
		clientID = c.GetString(clientIDKey)
	}

	id := c.Param("sessionId")
	ctx := c.Request.Context()
	result, err := h.sessions.Join(ctx, session.JoinRequest{
		SessionID:       id,
		ClientID:        clientID,
		Nickname:        req.Nickname,
		RequireExisting: true,
	})
	if err != nil {
		h.fail(c, "join session", err)
		return
	}

	switch result.Reason {
	case models.ReasonFull:
		c.JSON(http.StatusConflict, gin.H{"error": "This session is full"})
		return
	case models.ReasonExpired:
		c.JSON(http.StatusGone, gin.H{"error": "Session has expired"})
		return
	}

	creator, err := h.sessions.Creator(ctx, id)
	if err != nil {
		h.fail(c, "join session", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":     "Joined session successfully",
		"clientId":    clientID,
		"creatorId":   creator,
		"isCreator":   result.IsCreator,
		"sessionType": result.SessionType,
	})
}

// ExpireSession force-expires a session (requires the admin JWT).
func (h *SessionHandler) ExpireSession(c *gin.Context) {
	id := c.Param("sessionId")
	changed, err := h.control.ForceExpire(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "expire session", err)
		return
	}
	h.logger.Info().Str("session_id", id).Str("user_id", c.GetString(middleware.UserIDKey)).Msg("session expired by admin")
	c.JSON(http.StatusOK, gin.H{"message": "Session expired successfully", "changed": changed})
}

// GetMessages returns the chat log in the order it was written.
func (h *SessionHandler) GetMessages(c *gin.Context) {
	msgs, err := h.sessions.History(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.fail(c, "get messages", err)
		return
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *SessionHandler) fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
	case errors.Is(err, models.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error().Err(err).Str("op", op).Str("session_id", c.Param("sessionId")).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
	}
}
