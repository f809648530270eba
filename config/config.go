package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	WebRTC   WebRTCConfig
	Session  SessionConfig
	Viewer   ViewerConfig
	Presence PresenceConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/live?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// WebRTCConfig holds the ordered STUN server list consulted for candidate discovery.
type WebRTCConfig struct {
	ICEUrls []string // comma-separated in env; no TURN
}

// SessionConfig bounds how long a disconnected peer connection may try to recover.
type SessionConfig struct {
	ReconnectAttempts int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
}

// ViewerConfig bounds the viewer's fresh-negotiation retry loop.
type ViewerConfig struct {
	MaxCycles  int
	CycleBase  time.Duration
	CycleMax   time.Duration
	SubRetries int
}

// PresenceConfig holds the viewer-count refresh cadence and how long a
// stream survives without a broadcaster socket on the relay.
type PresenceConfig struct {
	RefreshInterval  time.Duration
	BroadcasterGrace time.Duration
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "live"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		WebRTC: WebRTCConfig{
			ICEUrls: splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"), ","),
		},
		Session: SessionConfig{
			ReconnectAttempts: getEnvInt("SESSION_RECONNECT_ATTEMPTS", 5),
			ReconnectBase:     getEnvDuration("SESSION_RECONNECT_BASE", time.Second),
			ReconnectMax:      getEnvDuration("SESSION_RECONNECT_MAX", 8*time.Second),
		},
		Viewer: ViewerConfig{
			MaxCycles:  getEnvInt("VIEWER_MAX_CYCLES", 3),
			CycleBase:  getEnvDuration("VIEWER_CYCLE_BASE", 2*time.Second),
			CycleMax:   getEnvDuration("VIEWER_CYCLE_MAX", 15*time.Second),
			SubRetries: getEnvInt("VIEWER_SUBSCRIBE_RETRIES", 4),
		},
		Presence: PresenceConfig{
			RefreshInterval:  getEnvDuration("PRESENCE_REFRESH_INTERVAL", 5*time.Second),
			BroadcasterGrace: getEnvDuration("PRESENCE_BROADCASTER_GRACE", 10*time.Second),
		},
	}
	if cfg.Presence.RefreshInterval <= 0 {
		return nil, fmt.Errorf("PRESENCE_REFRESH_INTERVAL must be positive, got %s", cfg.Presence.RefreshInterval)
	}
	if len(cfg.WebRTC.ICEUrls) == 0 {
		return nil, fmt.Errorf("WEBRTC_ICE_URLS must list at least one STUN server")
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
