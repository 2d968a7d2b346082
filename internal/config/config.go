package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Authentication modes. In open mode every request resolves to the fixed demo
// principal and node credential checks are skipped; persisted data keeps the
// same shape either way.
const (
	AuthModeEnforced = "enforced"
	AuthModeOpen     = "open"
)

// Fixed principal returned by every verify call in open mode.
const (
	DemoUserID    = "demo-user"
	DemoUserEmail = "demo@sentinel.local"
)

// Config holds every runtime setting. It is read once at startup and treated
// as immutable afterwards.
type Config struct {
	StorageURI      string
	StorageRequired bool // exit instead of degrading when storage is down at boot
	ClassifierURL   string
	AuthMode        string
	TokenSigningKey string
	AlertThreshold  float64
	ListenAddr      string
	PublicURL       string // externally reachable base URL, stamped into agent bundles
	AllowedOrigins  string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Load reads configuration from the environment, with a .env file as an
// optional local-development convenience. It validates everything the server
// cannot start without; main maps an error here to exit code 1.
func Load() (*Config, error) {
	// A missing .env is not an error; real deployments set the environment.
	_ = godotenv.Load()

	cfg := &Config{
		StorageURI:      os.Getenv("STORAGE_URI"),
		StorageRequired: strings.EqualFold(os.Getenv("STORAGE_REQUIRED"), "true"),
		ClassifierURL:   getEnvOrDefault("CLASSIFIER_URL", "http://localhost:8000"),
		AuthMode:        getEnvOrDefault("AUTH_MODE", AuthModeEnforced),
		TokenSigningKey: os.Getenv("TOKEN_SIGNING_KEY"),
		AlertThreshold:  7,
		ListenAddr:      getEnvOrDefault("LISTEN_ADDR", ":8080"),
		PublicURL:       getEnvOrDefault("PUBLIC_URL", "http://localhost:8080"),
		AllowedOrigins:  os.Getenv("ALLOWED_ORIGINS"),
	}

	if cfg.StorageURI == "" {
		return nil, errors.New("STORAGE_URI environment variable is required but not set")
	}

	switch cfg.AuthMode {
	case AuthModeEnforced, AuthModeOpen:
	default:
		return nil, fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeEnforced, AuthModeOpen, cfg.AuthMode)
	}

	// The signing key is the root of the bearer-token trust chain. Refusing to
	// start without one beats silently issuing forgeable tokens.
	if cfg.AuthMode == AuthModeEnforced && cfg.TokenSigningKey == "" {
		return nil, errors.New("TOKEN_SIGNING_KEY environment variable is required when AUTH_MODE=enforced")
	}

	if raw := os.Getenv("ALERT_RISK_THRESHOLD"); raw != "" {
		threshold, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("ALERT_RISK_THRESHOLD must be numeric, got %q", raw)
		}
		cfg.AlertThreshold = threshold
	}

	return cfg, nil
}

// Enforced reports whether real credential checks are active.
func (c *Config) Enforced() bool {
	return c.AuthMode == AuthModeEnforced
}
