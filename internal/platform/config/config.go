package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	AppURL      string `env:"APP_URL" default:"http://localhost:8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	CacheDB     int    `env:"CACHE_DB" default:"0"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`

	// Trigger jobs
	CountInterval      time.Duration `env:"COUNT_INTERVAL" default:"3s"`
	InsertInterval     time.Duration `env:"INSERT_INTERVAL" default:"10s"`
	InsertEnabled      bool          `env:"INSERT_ENABLED" default:"true"`
	CountMessagePrefix string        `env:"COUNT_MESSAGE_PREFIX" default:"+++++++++实时推送的消息++++++"`
	TriggerMessage     string        `env:"TRIGGER_MESSAGE" default:"111111111111111111"`

	// Broadcast and session lifecycle
	SendTimeout            time.Duration `env:"SEND_TIMEOUT" default:"5s"`
	MaxConcurrentSends     int           `env:"MAX_CONCURRENT_SENDS" default:"64"`
	PingInterval           time.Duration `env:"PING_INTERVAL" default:"30s"`
	PongTimeout            time.Duration `env:"PONG_TIMEOUT" default:"60s"`
	IdleTimeout            time.Duration `env:"IDLE_TIMEOUT" default:"5m"`
	DuplicateSessionPolicy string        `env:"DUPLICATE_SESSION_POLICY" default:"evict"`

	// Connection limits
	MaxWebSocketConnections int      `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int      `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectionRate          float64  `env:"CONNECTION_RATE" default:"10"`
	ConnectionBurst         int      `env:"CONNECTION_BURST" default:"20"`
	AllowedOrigins          []string `env:"ALLOWED_ORIGINS"`

	// Inserted meal record
	MerchantCode      string `env:"MERCHANT_CODE" default:"100000"`
	StoreID           int64  `env:"STORE_ID" default:"8"`
	ChildMerchantCode string `env:"CHILD_MERCHANT_CODE" default:"10000001"`
	RecordUser        string `env:"RECORD_USER" default:"Admin"`
}

func (c *Config) IsProduction() bool { return c.AppEnv == "production" }

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := []struct{ name, value string }{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"REDIS_URL", cfg.RedisURL},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"COUNT_INTERVAL", cfg.CountInterval},
		{"INSERT_INTERVAL", cfg.InsertInterval},
		{"SEND_TIMEOUT", cfg.SendTimeout},
		{"PING_INTERVAL", cfg.PingInterval},
		{"PONG_TIMEOUT", cfg.PongTimeout},
		{"IDLE_TIMEOUT", cfg.IdleTimeout},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.name, p.value)
		}
	}

	if cfg.PongTimeout <= cfg.PingInterval {
		return errors.New("PONG_TIMEOUT must be greater than PING_INTERVAL")
	}
	if cfg.MaxConcurrentSends < 1 {
		return errors.New("MAX_CONCURRENT_SENDS must be at least 1")
	}
	if cfg.MaxWebSocketConnections < 1 || cfg.MaxConnectionsPerIP < 1 {
		return errors.New("MAX_WEBSOCKET_CONNECTIONS and MAX_CONNECTIONS_PER_IP must be at least 1")
	}
	if cfg.ConnectionRate <= 0 || cfg.ConnectionBurst < 1 {
		return errors.New("CONNECTION_RATE must be positive and CONNECTION_BURST at least 1")
	}
	if cfg.CacheDB < 0 || cfg.CacheDB > 15 {
		return fmt.Errorf("CACHE_DB must be between 0 and 15, got %d", cfg.CacheDB)
	}

	switch cfg.DuplicateSessionPolicy {
	case "evict", "reject":
	default:
		return fmt.Errorf("DUPLICATE_SESSION_POLICY must be evict or reject, got %q", cfg.DuplicateSessionPolicy)
	}

	if cfg.IsProduction() {
		mode := sslMode(cfg.DatabaseURL)
		if mode == "disable" || mode == "allow" {
			return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
		}
	}

	return nil
}

func sslMode(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Query().Get("sslmode"))
}
