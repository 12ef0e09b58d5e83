package constants

import "time"

// Outbound HTTP client settings for upstream provider calls.
const (
	DefaultDialTimeout           = 10 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 60 * time.Second
	DefaultExpectContinueTimeout = 2 * time.Second
	DefaultKeepAlive             = 30 * time.Second

	BaseMaxIdleConns        = 256
	BaseMaxIdleConnsPerHost = 32
	BaseIdleConnTimeout     = 90 * time.Second
)

// Per-account connection pool settings.
const (
	PoolDefaultSize        = 3
	PoolReconnectBaseDelay = 1 * time.Second
	PoolReconnectMaxDelay  = 30 * time.Second
	PoolReconnectAttempts  = 5
	PoolDestroyTimeout     = 10 * time.Second
)
