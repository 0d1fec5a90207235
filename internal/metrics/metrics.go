package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebSocket Metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "The current number of active WebSocket connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "The total number of WebSocket connections accepted.",
	})
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_received_total",
		Help: "Client events received, by event type.",
	}, []string{"type"})
	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_rejected_total",
		Help: "Client events rejected before dispatch, by reason.",
	}, []string{"reason"})
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_frames_dropped_total",
		Help: "Outbound frames dropped because a connection's send buffer was full.",
	})

	// Session Metrics
	SignalsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_signals_relayed_total",
		Help: "Signaling payloads forwarded, by kind.",
	}, []string{"kind"})
	Joins = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_joins_total",
		Help: "Accepted join requests.",
	})
	JoinRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_join_rejections_total",
		Help: "Rejected join requests, by reason.",
	}, []string{"reason"})
	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_expired_total",
		Help: "Sessions moved to expired.",
	})
	ChatMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_chat_messages_total",
		Help: "Chat messages appended and broadcast.",
	})

	// Broker Metrics
	BrokerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_messages_published_total",
		Help: "The total number of messages published to the message broker.",
	}, []string{"broker_type"})
	BrokerPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_publish_failures_total",
		Help: "Publishes that failed after retries.",
	}, []string{"broker_type"})
	BrokerPublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_publish_retries_total",
		Help: "The total number of retries when publishing to the message broker.",
	}, []string{"broker_type"})
	BrokerMessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_messages_received_total",
		Help: "Envelopes received from other relay processes.",
	}, []string{"broker_type"})

	// Dependency Metrics
	DependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_dependency_up",
		Help: "1 when the named dependency answered its last health check.",
	}, []string{"dependency"})

	// Auth Metrics
	AuthSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_success_total",
		Help: "The total number of successful admin authentications.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_failures_total",
		Help: "The total number of failed admin authentications.",
	}, []string{"reason"})
)

// Handler exposes the default registry on a gin route.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
