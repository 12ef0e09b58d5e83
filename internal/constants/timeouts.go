package constants

import "time"

const (
	// UpstreamRequestTimeout enforces max duration for upstream requests
	// (overridable via PROXY_TIMEOUT).
	UpstreamRequestTimeout = 600 * time.Second
	// TokenRefreshLockTTL bounds how long a refresh lock may be held.
	TokenRefreshLockTTL = 30 * time.Second
	// TokenRefreshGrace refreshes tokens this long before actual expiry.
	TokenRefreshGrace = 60 * time.Second
	// SessionMappingTTL bounds sticky session lifetime.
	SessionMappingTTL = 15 * time.Minute
	// ServerShutdownTimeout bounds graceful HTTP server shutdown.
	ServerShutdownTimeout = 30 * time.Second
	// SweepInterval paces the key-expiry and account-state sweeps.
	SweepInterval = 1 * time.Minute
)

// Validation cache settings (key service).
const (
	ValidationCacheSize = 100
	ValidationCacheTTL  = 5 * time.Minute
	CacheSweepInterval  = 1 * time.Minute
)
