package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("allowedOrigins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("jwtSecret", "change-me-in-production")
	v.SetDefault("cookieSecret", "change-me-in-production")

	// Admin
	v.SetDefault("admin.username", "admin")
	v.SetDefault("admin.password", "")
	v.SetDefault("admin.tokenTTL", "12h")

	// Redis
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolSize", 50)

	// Presence store
	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.keyTTL", "24h")

	// Session directory
	v.SetDefault("directory.driver", "sqlite")
	v.SetDefault("directory.path", "./sessions.db")
	v.SetDefault("directory.healthInterval", "15s")

	// Broker
	v.SetDefault("broker.type", "none")
	v.SetDefault("broker.channelPrefix", "relay:session:")
	v.SetDefault("broker.kafka.brokers", []string{})
	v.SetDefault("broker.kafka.topic", "relay-sessions")
	v.SetDefault("broker.kafka.groupID", "")

	// Sessions
	v.SetDefault("session.defaultType", "conference")
	v.SetDefault("session.conferenceCapacity", 16)
	v.SetDefault("session.creatorGracePeriod", "5m")

	// WebSocket
	v.SetDefault("websocket.readLimit", 64*1024)
	v.SetDefault("websocket.pongWait", "60s")
	v.SetDefault("websocket.pingPeriod", "54s")
	v.SetDefault("websocket.writeWait", "10s")
	v.SetDefault("websocket.sendBuffer", 256)
	v.SetDefault("websocket.maxMessagesPerSecond", 50)
	v.SetDefault("websocket.burst", 100)

	v.SetDefault("iceServers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("port", "PORT")
	v.BindEnv("environment", "ENVIRONMENT")
	v.BindEnv("logLevel", "LOG_LEVEL")
	v.BindEnv("allowedOrigins", "ALLOWED_ORIGINS")
	v.BindEnv("jwtSecret", "JWT_SECRET")
	v.BindEnv("cookieSecret", "COOKIE_SECRET")

	// Admin
	v.BindEnv("admin.username", "ADMIN_USERNAME")
	v.BindEnv("admin.password", "ADMIN_PASSWORD")
	v.BindEnv("admin.tokenTTL", "ADMIN_TOKEN_TTL")

	// Redis
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")

	// Stores
	v.BindEnv("store.driver", "PRESENCE_STORE")
	v.BindEnv("store.keyTTL", "PRESENCE_KEY_TTL")
	v.BindEnv("directory.driver", "DIRECTORY_DRIVER")
	v.BindEnv("directory.path", "DIRECTORY_PATH")

	// Broker
	v.BindEnv("broker.type", "BROKER_TYPE")
	v.BindEnv("broker.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("broker.kafka.topic", "KAFKA_TOPIC")
	v.BindEnv("broker.kafka.groupID", "KAFKA_GROUP_ID")

	// Sessions
	v.BindEnv("session.defaultType", "SESSION_DEFAULT_TYPE")
	v.BindEnv("session.conferenceCapacity", "SESSION_CONFERENCE_CAPACITY")
	v.BindEnv("session.creatorGracePeriod", "SESSION_CREATOR_GRACE_PERIOD")
}
