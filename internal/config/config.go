package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all environment-level configuration for the service.
type Config struct {
	AppEnv  string
	AppName string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisHost         string
	RedisPort         string
	RedisPassword     string
	RedisDB           int
	RedisPoolSize     int
	RedisMinIdleConns int
	RedisMaxRetries   int

	AppPort     string
	MetricsPort string
	LogLevel    string

	// Webhook signing keys: the current key plus the next key, so a key
	// rotation never invalidates in-flight deliveries.
	SigningKeyCurrent string
	SigningKeyNext    string

	// BaseURL is the public URL of this deployment. Inbound webhook
	// signatures are validated against the exact callback URL.
	BaseURL string

	BotProviderURL    string
	BotProviderAPIKey string

	// WSAllowedOrigins is the comma-separated Origin allowlist for
	// WebSocket upgrades. "*" allows any origin.
	WSAllowedOrigins string

	// JoinLeadTime is how early before the meeting start the bot must be
	// deployed.
	JoinLeadTime time.Duration

	DeployLockTTL       time.Duration
	ProcessingRecordTTL time.Duration
	StatusPollInterval  time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:            os.Getenv("APP_ENV"),
		AppName:           os.Getenv("APP_NAME"),
		DBHost:            os.Getenv("DB_HOST"),
		DBPort:            os.Getenv("DB_PORT"),
		DBUser:            os.Getenv("DB_USER"),
		DBPassword:        os.Getenv("DB_PASSWORD"),
		DBName:            os.Getenv("DB_NAME"),
		DBSSLMode:         os.Getenv("DB_SSL_MODE"),
		RedisHost:         os.Getenv("REDIS_HOST"),
		RedisPort:         os.Getenv("REDIS_PORT"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		AppPort:           os.Getenv("APP_PORT"),
		MetricsPort:       os.Getenv("METRICS_PORT"),
		LogLevel:          os.Getenv("LOG_LEVEL"),
		SigningKeyCurrent: os.Getenv("WEBHOOK_SIGNING_KEY_CURRENT"),
		SigningKeyNext:    os.Getenv("WEBHOOK_SIGNING_KEY_NEXT"),
		BaseURL:           os.Getenv("BASE_URL"),
		BotProviderURL:    os.Getenv("BOT_PROVIDER_URL"),
		BotProviderAPIKey: os.Getenv("BOT_PROVIDER_API_KEY"),
		WSAllowedOrigins:  os.Getenv("WS_ALLOWED_ORIGINS"),
	}
	if cfg.WSAllowedOrigins == "" {
		cfg.WSAllowedOrigins = "localhost,127.0.0.1"
	}
	if cfg.DBSSLMode == "" {
		cfg.DBSSLMode = "disable"
	}
	if cfg.RedisPort == "" {
		cfg.RedisPort = "6379"
	}
	if cfg.AppPort == "" {
		cfg.AppPort = ":8080"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = ":9090"
	}

	var err error
	if v := os.Getenv("REDIS_DB"); v != "" {
		cfg.RedisDB, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
	}
	if v := os.Getenv("REDIS_POOL_SIZE"); v != "" {
		cfg.RedisPoolSize, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_POOL_SIZE: %w", err)
		}
	}
	if v := os.Getenv("REDIS_MIN_IDLE_CONNS"); v != "" {
		cfg.RedisMinIdleConns, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_MIN_IDLE_CONNS: %w", err)
		}
	}
	if v := os.Getenv("REDIS_MAX_RETRIES"); v != "" {
		cfg.RedisMaxRetries, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_MAX_RETRIES: %w", err)
		}
	}

	cfg.JoinLeadTime, err = durationEnv("JOIN_LEAD_TIME", 60*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.DeployLockTTL, err = durationEnv("DEPLOY_LOCK_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	cfg.ProcessingRecordTTL, err = durationEnv("PROCESSING_RECORD_TTL", time.Hour)
	if err != nil {
		return nil, err
	}
	cfg.StatusPollInterval, err = durationEnv("STATUS_POLL_INTERVAL", 10*time.Second)
	if err != nil {
		return nil, err
	}

	if cfg.AppName == "" || cfg.DBHost == "" || cfg.DBPort == "" || cfg.DBUser == "" ||
		cfg.DBName == "" || cfg.RedisHost == "" || cfg.SigningKeyCurrent == "" ||
		cfg.BaseURL == "" || cfg.BotProviderURL == "" {
		return nil, fmt.Errorf("missing required environment variables")
	}
	return cfg, nil
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}
