package config

import (
	"errors"
	"fmt"

	"github.com/mossy-p/session-relay/internal/models"
	"github.com/pion/stun/v3"
)

// Validate rejects settings the relay cannot run with.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if c.JWTSecret == "" {
		return errors.New("jwtSecret is required")
	}
	if c.IsProduction() && c.JWTSecret == "change-me-in-production" {
		return errors.New("jwtSecret must be changed in production")
	}
	if c.Admin.TokenTTL <= 0 {
		return errors.New("admin.tokenTTL must be positive")
	}

	switch c.Store.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("invalid store.driver: %s", c.Store.Driver)
	}
	if c.Store.KeyTTL < 0 {
		return errors.New("store.keyTTL must not be negative")
	}

	switch c.Directory.Driver {
	case "sqlite":
		if c.Directory.Path == "" {
			return errors.New("directory.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid directory.driver: %s", c.Directory.Driver)
	}

	switch c.Broker.Type {
	case "none":
	case "redis":
		if c.Store.Driver != "redis" {
			return errors.New("broker.type redis requires store.driver redis")
		}
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("broker.kafka.brokers is required for the kafka broker")
		}
		if c.Broker.Kafka.Topic == "" {
			return errors.New("broker.kafka.topic is required for the kafka broker")
		}
	default:
		return fmt.Errorf("invalid broker.type: %s", c.Broker.Type)
	}
	if c.Broker.Type != "none" && c.Store.Driver == "memory" {
		return errors.New("a shared broker needs a shared presence store")
	}

	if _, err := models.ParseSessionType(c.Session.DefaultType); err != nil {
		return fmt.Errorf("session.defaultType: %w", err)
	}
	if c.Session.CreatorGracePeriod < 0 {
		return errors.New("session.creatorGracePeriod must not be negative")
	}

	if c.WebSocket.PingPeriod >= c.WebSocket.PongWait {
		return errors.New("websocket.pingPeriod must be shorter than websocket.pongWait")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return errors.New("websocket.sendBuffer must be positive")
	}
	if c.WebSocket.ReadLimit <= 0 {
		return errors.New("websocket.readLimit must be positive")
	}
	if c.WebSocket.MaxMessagesPerSecond <= 0 || c.WebSocket.Burst <= 0 {
		return errors.New("websocket.maxMessagesPerSecond and websocket.burst must be positive")
	}
	if c.Directory.HealthInterval <= 0 {
		return errors.New("directory.healthInterval must be positive")
	}

	for _, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			return errors.New("iceServers entry without urls")
		}
		for _, raw := range s.URLs {
			if _, err := stun.ParseURI(raw); err != nil {
				return fmt.Errorf("invalid ICE server url %q: %w", raw, err)
			}
		}
	}
	return nil
}
