package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Load builds a Config from environment variables over Default().
func Load() *Config {
	cfg := Default()

	if v := os.Getenv("PORT"); v != "" {
		if port, err := parsePort(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("DEBUG"); v != "" {
		cfg.Debug = parseBool(v)
	}

	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.RedisHost = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := parsePort(v); err == nil {
			cfg.RedisPort = port
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil && db >= 0 {
			cfg.RedisDB = db
		}
	}

	cfg.APIKeySalt = os.Getenv("API_KEY_SALT")
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	cfg.EncryptionSalt = os.Getenv("ENCRYPTION_SALT")

	if v := os.Getenv("CLAUDE_API_URL"); v != "" {
		cfg.ClaudeAPIURL = v
	}
	if v := os.Getenv("CLAUDE_API_VERSION"); v != "" {
		cfg.ClaudeAPIVersion = v
	}
	if v := os.Getenv("CLAUDE_BETA_HEADER"); v != "" {
		cfg.ClaudeBetaHeader = v
	}
	if v := os.Getenv("PROXY_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.ProxyTimeout = time.Duration(secs) * time.Second
		}
	}

	if v := os.Getenv("API_KEY_PREFIX"); v != "" {
		cfg.APIKeyPrefix = v
	}
	if v := os.Getenv("MAX_UPSTREAM_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxUpstreamRetries = n
		}
	}
	if v := os.Getenv("UNAUTHORIZED_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.UnauthorizedThreshold = n
		}
	}
	if v := os.Getenv("SERVER_ERROR_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ServerErrorThreshold = n
		}
	}
	if v := os.Getenv("SESSION_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SessionTTL = time.Duration(n) * time.Minute
		}
	}

	if v := os.Getenv("PROXY_SYSTEM_PROMPT"); v != "" {
		cfg.ProxySystemPrompt = v
	}
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	if v := os.Getenv("INBOUND_RPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.InboundRPS = n
		}
	}
	if v := os.Getenv("INBOUND_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.InboundBurst = n
		}
	}
	if v := os.Getenv("PRICING_FILE"); v != "" {
		cfg.PricingFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.LogFile = v
	}

	return cfg
}

func parsePort(v string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, err
	}
	if port <= 0 || port > 65535 {
		return 0, strconv.ErrRange
	}
	return port, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
