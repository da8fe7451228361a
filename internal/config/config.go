package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/joho/godotenv"

	"telecare-signaling/internal/database"
	"telecare-signaling/pkg/constants"
	"telecare-signaling/pkg/env"
	"telecare-signaling/pkg/logger"
)

// Store backends
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Client transports
const (
	TransportPoll = "poll"
	TransportPush = "push"
)

// Config holds the signaling server configuration
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Redis     database.RedisConfig
	WebSocket WebSocketConfig
	JWT       JWTConfig
	Log       logger.Config
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Environment     string // development, staging, production
	ServiceName     string
	AllowedOrigins  []string
	RateLimitPerMin int // 0 disables rate limiting
	ShutdownTimeout time.Duration
}

// StoreConfig selects and tunes the event store
type StoreConfig struct {
	Backend             string // memory, redis
	Retention           time.Duration
	SweepInterval       time.Duration
	HealthCheckInterval time.Duration
}

// WebSocketConfig holds push channel configuration
type WebSocketConfig struct {
	MaxConnections int
	PingInterval   time.Duration
}

// JWTConfig holds bearer verification settings. An empty secret checks presence only.
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// ClientConfig holds the softphone configuration
type ClientConfig struct {
	ServerURL       string
	UserID          string
	Name            string
	Role            string
	Token           string
	JWTSecret       string
	Transport       string // poll, push
	PollInterval    time.Duration
	MaxPollFailures int
	PollCooldown    time.Duration
	PushAttempts    int
	RingTimeout     time.Duration
	DismissDelay    time.Duration
	Log             logger.Config
}

// Load reads the server configuration from the environment and an optional .env file
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:            env.GetInt("PORT", 8080),
			Environment:     env.GetString("ENV", "development"),
			ServiceName:     env.GetString("SERVICE_NAME", "signaling-service"),
			AllowedOrigins:  env.GetSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://127.0.0.1:3000"}),
			RateLimitPerMin: env.GetInt("RATE_LIMIT_PER_MIN", 600),
			ShutdownTimeout: env.GetDuration("SHUTDOWN_TIMEOUT", constants.GracefulShutdownTimeout),
		},
		Store: StoreConfig{
			Backend:             env.GetString("SIGNALING_STORE", StoreMemory),
			Retention:           env.GetDuration("EVENT_RETENTION", constants.EventRetention),
			SweepInterval:       env.GetDuration("EVENT_SWEEP_INTERVAL", constants.EventSweepInterval),
			HealthCheckInterval: env.GetDuration("REDIS_HEALTH_INTERVAL", 10*time.Second),
		},
		Redis: database.RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		WebSocket: WebSocketConfig{
			MaxConnections: env.GetInt("WS_MAX_SIGNALING_CONNECTIONS", constants.MaxSignalingConnections),
			PingInterval:   env.GetDuration("WS_PING_INTERVAL", constants.WebSocketPingInterval),
		},
		JWT: JWTConfig{
			Secret:            env.GetStringFromFile("JWT_SECRET", ""),
			AccessTokenExpiry: env.GetDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
		},
		Log: logConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Store.Backend != StoreMemory && c.Store.Backend != StoreRedis {
		return fmt.Errorf("SIGNALING_STORE must be %q or %q, got %q", StoreMemory, StoreRedis, c.Store.Backend)
	}
	if c.Store.Retention <= 0 {
		return fmt.Errorf("EVENT_RETENTION must be positive")
	}
	if c.Store.SweepInterval <= 0 {
		return fmt.Errorf("EVENT_SWEEP_INTERVAL must be positive")
	}
	if c.WebSocket.MaxConnections <= 0 {
		return fmt.Errorf("WS_MAX_SIGNALING_CONNECTIONS must be positive")
	}
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}
	return nil
}

// LoadClient reads the softphone configuration from the environment and an optional .env file
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	cfg := &ClientConfig{
		ServerURL:       env.GetString("SIGNALING_URL", "http://localhost:8080"),
		UserID:          env.GetString("SIGNALING_USER_ID", ""),
		Name:            env.GetString("SIGNALING_USER_NAME", ""),
		Role:            env.GetString("SIGNALING_ROLE", constants.RolePatient),
		Token:           env.GetStringFromFile("SIGNALING_TOKEN", ""),
		JWTSecret:       env.GetStringFromFile("JWT_SECRET", ""),
		Transport:       env.GetString("SIGNALING_TRANSPORT", TransportPoll),
		PollInterval:    env.GetDuration("POLL_INTERVAL", constants.PollInterval),
		MaxPollFailures: env.GetInt("POLL_MAX_FAILURES", constants.MaxConsecutivePollFailures),
		PollCooldown:    env.GetDuration("POLL_COOLDOWN", constants.PollBreakerCooldown),
		PushAttempts:    env.GetInt("PUSH_RECONNECT_ATTEMPTS", constants.PushReconnectAttempts),
		RingTimeout:     env.GetDuration("RING_TIMEOUT", constants.RingTimeout),
		DismissDelay:    env.GetDuration("DISMISS_DELAY", constants.DismissDelay),
		Log:             logConfig(),
	}
	return cfg, nil
}

// Validate validates the client configuration. Flags may override fields
// after LoadClient, so callers validate once those are applied.
func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("SIGNALING_URL must be an http(s) URL, got %q", c.ServerURL)
	}
	if c.UserID == "" {
		return fmt.Errorf("SIGNALING_USER_ID must be set")
	}
	if c.Token == "" && c.JWTSecret == "" {
		return fmt.Errorf("SIGNALING_TOKEN or JWT_SECRET must be set")
	}
	if c.Transport != TransportPoll && c.Transport != TransportPush {
		return fmt.Errorf("SIGNALING_TRANSPORT must be %q or %q, got %q", TransportPoll, TransportPush, c.Transport)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.MaxPollFailures <= 0 {
		return fmt.Errorf("POLL_MAX_FAILURES must be positive")
	}
	if c.PushAttempts <= 0 {
		return fmt.Errorf("PUSH_RECONNECT_ATTEMPTS must be positive")
	}
	if c.RingTimeout <= 0 {
		return fmt.Errorf("RING_TIMEOUT must be positive")
	}
	return nil
}

func logConfig() logger.Config {
	return logger.Config{
		Level:    env.GetString("LOG_LEVEL", "info"),
		Format:   env.GetString("LOG_FORMAT", "json"),
		Output:   env.GetString("LOG_OUTPUT", "stdout"),
		FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
	}
}
