package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	TokenStoreFile  = "file"
	TokenStoreRedis = "redis"
)

type Config struct {
	TwitchClientID     string `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret string `env:"TWITCH_CLIENT_SECRET"`
	TwitchRedirectURL  string `env:"TWITCH_REDIRECT_URL" default:"http://localhost:3000"`
	BroadcasterUserID  string `env:"BROADCASTER_USER_ID"`

	Trigger string `env:"TRIGGER" default:"!discord"`
	Reply   string `env:"REPLY" default:"Join the Discord server!"`

	TokenStore         string `env:"TOKEN_STORE" default:"file"`
	AccessTokenPath    string `env:"ACCESS_TOKEN_PATH" default:"user_token.txt"`
	RefreshTokenPath   string `env:"REFRESH_TOKEN_PATH" default:"refresh_token.txt"`
	RedisURL           string `env:"REDIS_URL"`
	RedisKey           string `env:"REDIS_KEY" default:"twitchsub:credentials"`
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY"`

	RunRemotely bool `env:"RUN_REMOTELY" default:"false"`
	DeviceFlow  bool `env:"DEVICE_FLOW" default:"false"`

	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`
	MetricsAddr string `env:"METRICS_ADDR"`

	DrainInterval time.Duration `env:"DRAIN_INTERVAL" default:"1ms"`
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
	required := map[string]string{
		"TWITCH_CLIENT_ID":     cfg.TwitchClientID,
		"TWITCH_CLIENT_SECRET": cfg.TwitchClientSecret,
		"TWITCH_REDIRECT_URL":  cfg.TwitchRedirectURL,
		"TRIGGER":              cfg.Trigger,
		"REPLY":                cfg.Reply,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if _, err := url.ParseRequestURI(cfg.TwitchRedirectURL); err != nil {
		return fmt.Errorf("TWITCH_REDIRECT_URL must be an absolute URL: %w", err)
	}

	switch cfg.TokenStore {
	case TokenStoreFile:
		if cfg.AccessTokenPath == "" || cfg.RefreshTokenPath == "" {
			return fmt.Errorf("ACCESS_TOKEN_PATH and REFRESH_TOKEN_PATH are required for TOKEN_STORE=%s", TokenStoreFile)
		}
	case TokenStoreRedis:
		if cfg.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for TOKEN_STORE=%s", TokenStoreRedis)
		}
	default:
		return fmt.Errorf("TOKEN_STORE must be %q or %q, got %q", TokenStoreFile, TokenStoreRedis, cfg.TokenStore)
	}

	if cfg.TokenEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(cfg.TokenEncryptionKey)
		if err != nil {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be exactly 64 hex characters (32 bytes), got %d bytes", len(keyBytes))
		}
	}

	if cfg.DrainInterval <= 0 {
		return fmt.Errorf("DRAIN_INTERVAL must be positive, got %s", cfg.DrainInterval)
	}

	return nil
}
