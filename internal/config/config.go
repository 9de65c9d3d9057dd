package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const minJWTSecretLength = 16

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	RedisURL  string `env:"REDIS_URL"`
	JWTSecret string `env:"JWT_SECRET"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	ClimberTTL        time.Duration `env:"CLIMBER_TTL" default:"1h"`
	InstanceHeartbeat time.Duration `env:"INSTANCE_HEARTBEAT" default:"15s"`
	SweepInterval     time.Duration `env:"PRESENCE_SWEEP_INTERVAL" default:"1m"`
	AnonymousNickname string        `env:"ANONYMOUS_NICKNAME" default:"攀岩者"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectionRate          float64 `env:"CONNECTION_RATE" default:"10"`
	ConnectionBurst         int     `env:"CONNECTION_BURST" default:"20"`
	MaxViewersPerGym        int     `env:"MAX_VIEWERS_PER_GYM" default:"5000"`

	APIRate  float64 `env:"API_RATE" default:"20"`
	APIBurst int     `env:"API_BURST" default:"40"`
}

// SingleInstance reports whether the service runs without a shared store.
func (c *Config) SingleInstance() bool {
	return c.RedisURL == ""
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if len(cfg.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLength)
	}

	if cfg.AppEnv == "production" && cfg.RedisURL == "" {
		return errors.New("REDIS_URL is required in production")
	}

	if cfg.ClimberTTL <= 0 {
		return errors.New("CLIMBER_TTL must be positive")
	}
	if cfg.InstanceHeartbeat <= 0 {
		return errors.New("INSTANCE_HEARTBEAT must be positive")
	}
	if cfg.SweepInterval <= 0 {
		return errors.New("PRESENCE_SWEEP_INTERVAL must be positive")
	}
	if cfg.AnonymousNickname == "" {
		return errors.New("ANONYMOUS_NICKNAME must not be empty")
	}

	limits := map[string]int{
		"MAX_WEBSOCKET_CONNECTIONS": cfg.MaxWebSocketConnections,
		"MAX_CONNECTIONS_PER_IP":    cfg.MaxConnectionsPerIP,
		"CONNECTION_BURST":          cfg.ConnectionBurst,
		"MAX_VIEWERS_PER_GYM":       cfg.MaxViewersPerGym,
		"API_BURST":                 cfg.APIBurst,
	}
	for name, value := range limits {
		if value < 1 {
			return fmt.Errorf("%s must be at least 1", name)
		}
	}
	if cfg.ConnectionRate <= 0 {
		return errors.New("CONNECTION_RATE must be positive")
	}
	if cfg.APIRate <= 0 {
		return errors.New("API_RATE must be positive")
	}

	return nil
}
