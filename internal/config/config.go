package config

import (
	"fmt"
	"time"

	"claude-relay-go/internal/constants"
)

// Config carries the runtime configuration for the relay.
type Config struct {
	// HTTP server
	Port  int
	Debug bool

	// Redis
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Secrets. APIKeySalt is mandatory and deliberately distinct from the
	// encryption key: the salt feeds the lookup hash, the encryption key
	// seals stored credentials.
	APIKeySalt     string
	EncryptionKey  string
	EncryptionSalt string

	// Upstream (Claude by default)
	ClaudeAPIURL     string
	ClaudeAPIVersion string
	ClaudeBetaHeader string
	ProxyTimeout     time.Duration

	// Inbound key format
	APIKeyPrefix string

	// Knobs with documented defaults
	MaxUpstreamRetries    int
	UnauthorizedThreshold int
	ServerErrorThreshold  int
	SessionTTL            time.Duration

	// Optional proxy-level system prompt appended to every request.
	ProxySystemPrompt string

	// AdminToken guards the admin CRUD surface; empty disables it.
	AdminToken string

	// Gemini OAuth client, needed only when gemini accounts are enrolled.
	GoogleClientID     string
	GoogleClientSecret string

	// Inbound per-key limiter budget.
	InboundRPS   int
	InboundBurst int

	// Pricing table
	PricingFile string

	// Logging
	LogLevel string
	LogFile  string
}

// Default returns a config populated with built-in defaults; env loading
// overlays it.
func Default() *Config {
	return &Config{
		Port:                  3000,
		RedisHost:             "127.0.0.1",
		RedisPort:             6379,
		ClaudeAPIURL:          "https://api.anthropic.com/v1/messages",
		ClaudeAPIVersion:      "2023-06-01",
		ProxyTimeout:          constants.UpstreamRequestTimeout,
		APIKeyPrefix:          "cr_",
		MaxUpstreamRetries:    constants.DefaultMaxUpstreamRetries,
		UnauthorizedThreshold: constants.DefaultUnauthorizedThreshold,
		ServerErrorThreshold:  constants.DefaultServerErrorThreshold,
		SessionTTL:            constants.SessionMappingTTL,
		InboundRPS:            50,
		InboundBurst:          100,
		LogLevel:              "info",
	}
}

// RedisAddr renders host:port for the go-redis client.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// Validate rejects configurations the relay cannot run with.
func (c *Config) Validate() error {
	if c.APIKeySalt == "" {
		return fmt.Errorf("API_KEY_SALT is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxUpstreamRetries < 0 {
		return fmt.Errorf("max upstream retries must be >= 0")
	}
	if c.EncryptionKey != "" && c.EncryptionSalt == "" {
		return fmt.Errorf("ENCRYPTION_SALT is required when ENCRYPTION_KEY is set")
	}
	return nil
}
