package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/session-relay/config"
	"github.com/mossy-p/session-relay/internal/admin"
	"github.com/mossy-p/session-relay/internal/broadcast"
	"github.com/mossy-p/session-relay/internal/metrics"
	"github.com/mossy-p/session-relay/internal/models"
	"github.com/mossy-p/session-relay/internal/registry"
	"github.com/mossy-p/session-relay/internal/relay"
	"github.com/mossy-p/session-relay/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var (
	// ErrBackpressure is returned when a connection's send buffer is full.
	ErrBackpressure = errors.New("send buffer full")
	// ErrConnClosed is returned for sends after the connection went away.
	ErrConnClosed = errors.New("connection closed")
)

// eventTimeout bounds the store and broker work done for one client event.
const eventTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	id       string
	clientID string
	conn     *websocket.Conn
	send     chan []byte
	limiter  *rate.Limiter

	mu     sync.RWMutex
	closed bool
}

func (c *Client) ID() string { return c.id }

// Send queues a frame without blocking. A slow reader loses frames rather
// than stalling the session.
func (c *Client) Send(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// SignalingHandler serves /ws/signal and dispatches client events.
type SignalingHandler struct {
	registry    *registry.Registry
	sessions    *session.Manager
	relay       *relay.Relay
	broadcaster *broadcast.Broadcaster
	control     *admin.Control
	auth        *admin.Authenticator
	cfg         config.WebSocketConfig
	logger      zerolog.Logger
}

func NewSignalingHandler(
	reg *registry.Registry,
	sessions *session.Manager,
	r *relay.Relay,
	b *broadcast.Broadcaster,
	control *admin.Control,
	auth *admin.Authenticator,
	cfg config.WebSocketConfig,
) *SignalingHandler {
	return &SignalingHandler{
		registry:    reg,
		sessions:    sessions,
		relay:       r,
		broadcaster: b,
		control:     control,
		auth:        auth,
		cfg:         cfg,
		logger:      log.With().Str("module", "signal").Logger(),
	}
}

// HandleSignaling upgrades the request and serves the connection until it
// closes. The anonymous identity cookie, when present, is offered to the
// client as its suggested client id.
func (h *SignalingHandler) HandleSignaling(c *gin.Context) {
	var respHeader http.Header
	if cookies := c.Writer.Header().Values("Set-Cookie"); len(cookies) > 0 {
		respHeader = http.Header{"Set-Cookie": cookies}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, respHeader)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &Client{
		id:       uuid.NewString(),
		clientID: c.GetString(clientIDKey),
		conn:     conn,
		send:     make(chan []byte, h.cfg.SendBuffer),
		limiter:  rate.NewLimiter(rate.Limit(h.cfg.MaxMessagesPerSecond), h.cfg.Burst),
	}
	if client.clientID == "" {
		client.clientID = uuid.NewString()
	}

	h.registry.Attach(client)
	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()
	h.logger.Info().Str("conn_id", client.id).Str("client_id", client.clientID).Msg("connection opened")

	h.reply(client, models.ServerEvent{
		Type: models.EventConnected,
		Data: models.ConnectedData{ConnectionID: client.id, ClientID: client.clientID},
	})

	go h.writePump(client)
	h.readPump(context.WithoutCancel(c.Request.Context()), client)
}

func (h *SignalingHandler) readPump(ctx context.Context, c *Client) {
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(ctx, eventTimeout)
		defer cancel()
		if err := h.sessions.Disconnect(cleanupCtx, c.id); err != nil {
			h.logger.Error().Err(err).Str("conn_id", c.id).Msg("disconnect cleanup failed")
		}
		c.close()
		c.conn.Close()
		metrics.ActiveConnections.Dec()
		h.logger.Info().Str("conn_id", c.id).Msg("connection closed")
	}()

	c.conn.SetReadLimit(h.cfg.ReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("conn_id", c.id).Msg("websocket error")
			}
			return
		}

		if !c.limiter.Allow() {
			metrics.EventsRejected.WithLabelValues("rate_limited").Inc()
			h.replyError(c, "", "rate_limited", "too many messages")
			continue
		}

		evCtx, cancel := context.WithTimeout(ctx, eventTimeout)
		h.dispatch(evCtx, c, message)
		cancel()
	}
}

func (h *SignalingHandler) writePump(c *Client) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Warn().Err(err).Str("conn_id", c.id).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch validates one frame and routes it. Failures, panics included, are
// reported to this connection only.
func (h *SignalingHandler) dispatch(ctx context.Context, c *Client, data []byte) {
	var requestID string
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Str("conn_id", c.id).Msg("event handler panicked")
			h.replyError(c, requestID, "internal", "internal error")
		}
	}()

	ev, requestID, err := models.ParseClientEvent(data)
	if err != nil {
		metrics.EventsRejected.WithLabelValues("invalid").Inc()
		h.replyError(c, requestID, "invalid_event", err.Error())
		return
	}
	metrics.EventsReceived.WithLabelValues(string(ev.Type())).Inc()

	switch e := ev.(type) {
	case models.JoinSession:
		h.handleJoin(ctx, c, requestID, e)
	case models.Signal:
		err = h.relay.Forward(ctx, e.Kind, e.SessionID, c.id, e.Payload)
		h.ackOrError(c, requestID, err)
	case models.ChatSend:
		h.handleChat(ctx, c, requestID, e)
	case models.EndCall:
		h.handleEndCall(ctx, c, requestID, e)
	case models.LeaveCall:
		err = h.sessions.Leave(ctx, e.SessionID, c.id)
		h.ackOrError(c, requestID, err)
	case models.ExpireSession:
		h.handleExpire(ctx, c, requestID, e)
	}
}

func (h *SignalingHandler) handleJoin(ctx context.Context, c *Client, requestID string, e models.JoinSession) {
	req := session.JoinRequest{
		SessionID: e.SessionID,
		ClientID:  e.ClientID,
		Nickname:  e.Nickname,
		ConnID:    c.id,
	}
	if e.SessionType != "" {
		// already validated by ParseClientEvent
		req.Type, _ = models.ParseSessionType(e.SessionType)
	}

	result, err := h.sessions.Join(ctx, req)
	if err != nil {
		h.sendError(c, requestID, err)
		return
	}
	if result.Reason == models.ReasonExpired {
		h.reply(c, models.ServerEvent{
			Type: models.EventSessionExpired,
			Data: models.SessionStatusData{SessionID: e.SessionID, Status: models.StatusExpired},
		})
	}
	h.reply(c, models.ServerEvent{Type: models.EventAck, RequestID: requestID, Data: result})
}

func (h *SignalingHandler) handleChat(ctx context.Context, c *Client, requestID string, e models.ChatSend) {
	if b, ok := h.registry.Lookup(c.id); !ok || b.SessionID != e.SessionID {
		h.sendError(c, requestID, relay.ErrNotBound)
		return
	}
	_, err := h.broadcaster.RelayChat(ctx, e.SessionID, e.Sender, e.Message)
	h.ackOrError(c, requestID, err)
}

// handleEndCall acts for the client bound to this connection. A userId that
// names anyone else is denied like any other non-creator.
func (h *SignalingHandler) handleEndCall(ctx context.Context, c *Client, requestID string, e models.EndCall) {
	b, ok := h.registry.Lookup(c.id)
	if !ok || b.SessionID != e.SessionID {
		h.sendError(c, requestID, relay.ErrNotBound)
		return
	}
	requester := b.ClientID
	if e.UserID != requester {
		h.sendError(c, requestID, admin.ErrPermissionDenied)
		return
	}
	err := h.control.EndCall(ctx, e.SessionID, requester)
	h.ackOrError(c, requestID, err)
}

func (h *SignalingHandler) handleExpire(ctx context.Context, c *Client, requestID string, e models.ExpireSession) {
	if _, err := h.auth.Validate(e.Token); err != nil {
		h.sendError(c, requestID, admin.ErrPermissionDenied)
		return
	}
	changed, err := h.control.ForceExpire(ctx, e.SessionID)
	if err != nil {
		h.sendError(c, requestID, err)
		return
	}
	h.reply(c, models.ServerEvent{Type: models.EventAck, RequestID: requestID, Data: gin.H{"changed": changed}})
}

func (h *SignalingHandler) ackOrError(c *Client, requestID string, err error) {
	if err != nil {
		h.sendError(c, requestID, err)
		return
	}
	if requestID != "" {
		h.reply(c, models.ServerEvent{Type: models.EventAck, RequestID: requestID})
	}
}

// sendError maps err onto the error codes clients understand.
func (h *SignalingHandler) sendError(c *Client, requestID string, err error) {
	switch {
	case errors.Is(err, admin.ErrPermissionDenied):
		h.reply(c, models.ServerEvent{
			Type:      models.EventPermissionDenied,
			RequestID: requestID,
			Data:      models.ErrorData{Code: "permission_denied", Message: err.Error()},
		})
	case errors.Is(err, models.ErrInvalidEvent):
		h.replyError(c, requestID, "invalid_event", err.Error())
	case errors.Is(err, relay.ErrNotBound):
		h.replyError(c, requestID, "not_joined", err.Error())
	case errors.Is(err, session.ErrNotFound):
		h.replyError(c, requestID, "not_found", err.Error())
	default:
		h.logger.Error().Err(err).Str("conn_id", c.id).Msg("event failed")
		h.replyError(c, requestID, "internal", "internal error")
	}
}

func (h *SignalingHandler) replyError(c *Client, requestID, code, message string) {
	h.reply(c, models.ServerEvent{
		Type:      models.EventError,
		RequestID: requestID,
		Data:      models.ErrorData{Code: code, Message: message},
	})
}

func (h *SignalingHandler) reply(c *Client, ev models.ServerEvent) {
	frame, err := ev.Encode()
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(ev.Type)).Msg("failed to encode event")
		return
	}
	if err := c.Send(frame); err != nil {
		metrics.FramesDropped.Inc()
		h.logger.Debug().Err(err).Str("conn_id", c.id).Msg("reply dropped")
	}
}
