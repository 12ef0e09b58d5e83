// Package account owns upstream account records: credential bundles,
// status, scheduling flags, and captured client fingerprints.
package account

import (
	"strconv"
	"time"
)

// Account types by upstream provider surface.
const (
	TypeClaudeOfficial   = "claude-official"
	TypeClaudeConsole    = "claude-console"
	TypeBedrock          = "bedrock"
	TypeGemini           = "gemini"
	TypeOpenAICompatible = "openai-compatible"
	TypeAzure            = "azure"
)

// Account status values. Only StatusReady accounts are selectable.
const (
	StatusReady        = "ready"
	StatusRateLimited  = "rate-limited"
	StatusUnauthorized = "unauthorized"
	StatusBlocked      = "blocked"
	StatusTempError    = "temp-error"
	StatusRefreshing   = "refreshing"
)

// Account is the in-memory view of one upstream account record.
type Account struct {
	ID          string
	Name        string
	Type        string
	Active      bool
	Schedulable bool
	Status      string

	// Credential bundle. AccessToken/RefreshToken are decrypted on read.
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       string

	// Optional outbound proxy, e.g. "socks5://127.0.0.1:1080".
	ProxyURL string

	// UnifiedUserAgent opts the account into the shared daily Claude-Code
	// user agent instead of passing through the caller's.
	UnifiedUserAgent bool

	// RateLimitResetAt is set while Status == StatusRateLimited.
	RateLimitResetAt time.Time

	// SessionWindowStatus mirrors the upstream 5h-window advisory header.
	SessionWindowStatus string

	LastUsedAt time.Time
	CreatedAt  time.Time
}

// Selectable reports whether the scheduler may hand this account out.
// A rate-limited account whose reset time has passed counts as selectable;
// the scheduler clears the state on the next successful response.
func (a *Account) Selectable(now time.Time) bool {
	if a == nil || !a.Active || !a.Schedulable {
		return false
	}
	switch a.Status {
	case StatusReady:
		return true
	case StatusRateLimited:
		return !a.RateLimitResetAt.IsZero() && now.After(a.RateLimitResetAt)
	}
	return false
}

// Platform maps the account type to its token-refresh platform.
func (a *Account) Platform() string {
	switch a.Type {
	case TypeClaudeOfficial, TypeClaudeConsole:
		return "claude"
	case TypeGemini:
		return "gemini"
	case TypeOpenAICompatible, TypeAzure:
		return "openai"
	}
	return a.Type
}

// fields encodes an Account into the textual hash representation. Numeric
// and boolean fields are stored as strings; readers parse and tolerate
// absence.
func (a *Account) fields() map[string]string {
	f := map[string]string{
		"id":          a.ID,
		"name":        a.Name,
		"type":        a.Type,
		"active":      strconv.FormatBool(a.Active),
		"schedulable": strconv.FormatBool(a.Schedulable),
		"status":      a.Status,
		"scopes":      a.Scopes,
		"proxyUrl":    a.ProxyURL,
	}
	if a.UnifiedUserAgent {
		f["unifiedUserAgent"] = "true"
	}
	if !a.ExpiresAt.IsZero() {
		f["expiresAt"] = strconv.FormatInt(a.ExpiresAt.UnixMilli(), 10)
	}
	if !a.RateLimitResetAt.IsZero() {
		f["rateLimitResetAt"] = strconv.FormatInt(a.RateLimitResetAt.Unix(), 10)
	}
	if a.SessionWindowStatus != "" {
		f["sessionWindowStatus"] = a.SessionWindowStatus
	}
	if !a.LastUsedAt.IsZero() {
		f["lastUsedAt"] = a.LastUsedAt.UTC().Format(time.RFC3339)
	}
	if !a.CreatedAt.IsZero() {
		f["createdAt"] = a.CreatedAt.UTC().Format(time.RFC3339)
	}
	return f
}

// parseAccount decodes the textual hash representation, tolerating absent
// or malformed fields.
func parseAccount(id string, data map[string]string) *Account {
	a := &Account{
		ID:                  id,
		Name:                data["name"],
		Type:                data["type"],
		Status:              data["status"],
		Scopes:              data["scopes"],
		ProxyURL:            data["proxyUrl"],
		SessionWindowStatus: data["sessionWindowStatus"],
	}
	a.Active = data["active"] == "true"
	a.Schedulable = data["schedulable"] == "true"
	a.UnifiedUserAgent = data["unifiedUserAgent"] == "true"
	if a.Status == "" {
		a.Status = StatusReady
	}
	if ms, err := strconv.ParseInt(data["expiresAt"], 10, 64); err == nil && ms > 0 {
		a.ExpiresAt = time.UnixMilli(ms)
	}
	if sec, err := strconv.ParseInt(data["rateLimitResetAt"], 10, 64); err == nil && sec > 0 {
		a.RateLimitResetAt = time.Unix(sec, 0)
	}
	if ts, err := time.Parse(time.RFC3339, data["lastUsedAt"]); err == nil {
		a.LastUsedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339, data["createdAt"]); err == nil {
		a.CreatedAt = ts
	}
	return a
}
