package store

// Logical key layout in the KV store. These names are load-bearing: other
// deployments and migration tooling read the same keys.
const (
	KeyAPIKeyPrefix     = "apikey:"
	KeyAPIKeyHashPrefix = "apikey:hash:"
	KeyUsagePrefix      = "usage:"
	KeyDailyCostPrefix  = "daily_cost:"
	KeyWeeklyOpusPrefix = "weekly_opus_cost:"
	KeyAccountPrefix    = "claude_account:"
	KeySessionPrefix    = "session:"
	KeyRefreshLock      = "token_refresh_lock:"
	KeyConcurrency      = "concurrency:"
	KeyUserAgentDaily   = "claude_code_user_agent:daily"

	KeyRateLimitRequests    = "rate_limit:requests:"
	KeyRateLimitTokens      = "rate_limit:tokens:"
	KeyRateLimitCost        = "rate_limit:cost:"
	KeyRateLimitWindowStart = "rate_limit:window_start:"
)
