package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string          `mapstructure:"port"`
	Environment    string          `mapstructure:"environment"`
	LogLevel       string          `mapstructure:"logLevel"`
	AllowedOrigins []string        `mapstructure:"allowedOrigins"`
	JWTSecret      string          `mapstructure:"jwtSecret"`
	CookieSecret   string          `mapstructure:"cookieSecret"`
	Admin          AdminConfig     `mapstructure:"admin"`
	Redis          RedisConfig     `mapstructure:"redis"`
	Store          StoreConfig     `mapstructure:"store"`
	Directory      DirectoryConfig `mapstructure:"directory"`
	Broker         BrokerConfig    `mapstructure:"broker"`
	Session        SessionConfig   `mapstructure:"session"`
	WebSocket      WebSocketConfig `mapstructure:"websocket"`
	ICEServers     []ICEServer     `mapstructure:"iceServers"`
	Metrics        MetricsConfig   `mapstructure:"metrics"`
}

// AdminConfig is the single shared administrative credential.
type AdminConfig struct {
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	TokenTTL time.Duration `mapstructure:"tokenTTL"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"poolSize"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// StoreConfig selects the presence store backend: "redis" or "memory".
type StoreConfig struct {
	Driver string        `mapstructure:"driver"`
	KeyTTL time.Duration `mapstructure:"keyTTL"`
}

// DirectoryConfig selects the session directory backend: "sqlite" or "memory".
type DirectoryConfig struct {
	Driver         string        `mapstructure:"driver"`
	Path           string        `mapstructure:"path"`
	HealthInterval time.Duration `mapstructure:"healthInterval"`
}

// BrokerConfig selects cross-process fan-out: "none", "redis" or "kafka".
type BrokerConfig struct {
	Type          string      `mapstructure:"type"`
	ChannelPrefix string      `mapstructure:"channelPrefix"`
	Kafka         KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"groupID"`
}

type SessionConfig struct {
	DefaultType        string        `mapstructure:"defaultType"`
	ConferenceCapacity int           `mapstructure:"conferenceCapacity"`
	CreatorGracePeriod time.Duration `mapstructure:"creatorGracePeriod"`
}

type WebSocketConfig struct {
	ReadLimit            int64         `mapstructure:"readLimit"`
	PongWait             time.Duration `mapstructure:"pongWait"`
	PingPeriod           time.Duration `mapstructure:"pingPeriod"`
	WriteWait            time.Duration `mapstructure:"writeWait"`
	SendBuffer           int           `mapstructure:"sendBuffer"`
	MaxMessagesPerSecond float64       `mapstructure:"maxMessagesPerSecond"`
	Burst                int           `mapstructure:"burst"`
}

// ICEServer is handed to browsers verbatim; the relay never contacts it.
type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads defaults, an optional config file and the environment, then validates.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnvVars(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	// ALLOWED_ORIGINS arrives as one comma-separated string.
	cfg.AllowedOrigins = splitList(cfg.AllowedOrigins)
	cfg.Broker.Kafka.Brokers = splitList(cfg.Broker.Kafka.Brokers)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// IsProduction reports whether the relay runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
