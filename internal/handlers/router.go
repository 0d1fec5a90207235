package handlers

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/mossy-p/session-relay/config"
	"github.com/mossy-p/session-relay/internal/admin"
	"github.com/mossy-p/session-relay/internal/metrics"
	"github.com/mossy-p/session-relay/internal/middleware"
	"github.com/mossy-p/session-relay/internal/registry"
)

const cookieName = "RelaySession"

// RouterDeps is everything the HTTP surface needs.
type RouterDeps struct {
	Config    *config.Config
	Sessions  *SessionHandler
	Signaling *SignalingHandler
	Auth      *admin.Authenticator
	Monitor   HealthReporter
	Registry  *registry.Registry
}

func NewRouter(d RouterDeps) *gin.Engine {
	if d.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(d.Config.AllowedOrigins))

	store := cookie.NewStore([]byte(d.Config.CookieSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   3600 * 24 * 7,
		HttpOnly: true,
		Secure:   d.Config.IsProduction(),
	})
	router.Use(sessions.Sessions(cookieName, store))
	router.Use(Identity())

	router.GET("/health", Health(d.Monitor, d.Registry))
	if d.Config.Metrics.Enabled {
		router.GET(d.Config.Metrics.Path, metrics.Handler())
	}

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(d.Auth))
		apiGroup.GET("/ice-servers", ICEServers(d.Config.ICEServers))

		apiGroup.POST("/sessions", d.Sessions.CreateSession)
		apiGroup.GET("/sessions/:sessionId", d.Sessions.GetSession)
		apiGroup.GET("/sessions/:sessionId/status", d.Sessions.GetStatus)
		apiGroup.POST("/sessions/:sessionId/join", d.Sessions.JoinSession)
		apiGroup.GET("/sessions/:sessionId/messages", d.Sessions.GetMessages)

		// Force expire (requires the admin JWT)
		apiGroup.POST("/sessions/:sessionId/expire", middleware.JWTAuth(d.Auth), d.Sessions.ExpireSession)
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal", d.Signaling.HandleSignaling)
	}

	return router
}
