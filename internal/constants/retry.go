package constants

import "time"

// Upstream retry policy.
const (
	DefaultMaxUpstreamRetries = 2

	// Account health thresholds. Both are config knobs; these are defaults.
	DefaultUnauthorizedThreshold = 3
	DefaultServerErrorThreshold  = 10

	// Error counters live in the KV store with this TTL so a quiet account
	// recovers on its own.
	ErrorCounterTTL = 5 * time.Minute
)
