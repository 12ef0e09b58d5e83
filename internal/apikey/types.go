// Package apikey implements tenant key validation, quota gating, and usage
// recording.
package apikey

import (
	"encoding/json"
	"strconv"
	"time"
)

// Permission scopes a key to upstream providers.
const (
	PermissionClaude = "claude"
	PermissionGemini = "gemini"
	PermissionOpenAI = "openai"
	PermissionAll    = "all"
)

// KeyData is the parsed tenant key record. Numeric fields are stored as
// textual scalars in the KV store and parsed on read; absent fields parse
// to zero values.
type KeyData struct {
	ID           string
	Name         string
	HashedSecret string
	Active       bool
	ExpiresAt    time.Time
	Permissions  string

	// Optional per-provider account bindings.
	ClaudeAccountID string
	GeminiAccountID string
	OpenAIAccountID string

	TokenLimit       int64
	ConcurrencyLimit int
	RateLimitWindow  time.Duration // 0 disables the window
	RateLimitRequests int64
	RateLimitCost    float64
	DailyCostLimit   float64
	WeeklyOpusCostLimit float64

	RestrictedModels []string
	AllowedClients   []string
	Tags             []string

	CreatedAt  time.Time
	LastUsedAt time.Time

	// Loaded alongside the record for callers.
	DailyCost      float64
	WeeklyOpusCost float64
	TotalTokens    int64
}

// AllowsModel checks the key's model restriction list. An empty list allows
// everything.
func (k *KeyData) AllowsModel(model string) bool {
	if len(k.RestrictedModels) == 0 {
		return true
	}
	for _, m := range k.RestrictedModels {
		if m == model {
			return false
		}
	}
	return true
}

// AllowsClient checks the allowed-clients list against a client identifier.
// Empty list allows everything.
func (k *KeyData) AllowsClient(client string) bool {
	if len(k.AllowedClients) == 0 {
		return true
	}
	for _, c := range k.AllowedClients {
		if c == client {
			return true
		}
	}
	return false
}

// PermitsProvider reports whether the key may reach the given provider.
func (k *KeyData) PermitsProvider(provider string) bool {
	return k.Permissions == "" || k.Permissions == PermissionAll || k.Permissions == provider
}

// BoundAccountID returns the explicit account binding for a provider, if any.
func (k *KeyData) BoundAccountID(provider string) string {
	switch provider {
	case PermissionClaude:
		return k.ClaudeAccountID
	case PermissionGemini:
		return k.GeminiAccountID
	case PermissionOpenAI:
		return k.OpenAIAccountID
	}
	return ""
}

// fields encodes a KeyData for storage.
func (k *KeyData) fields() map[string]string {
	f := map[string]string{
		"id":               k.ID,
		"name":             k.Name,
		"hashedSecret":     k.HashedSecret,
		"active":           strconv.FormatBool(k.Active),
		"permissions":      k.Permissions,
		"claudeAccountId":  k.ClaudeAccountID,
		"geminiAccountId":  k.GeminiAccountID,
		"openaiAccountId":  k.OpenAIAccountID,
		"tokenLimit":       strconv.FormatInt(k.TokenLimit, 10),
		"concurrencyLimit": strconv.Itoa(k.ConcurrencyLimit),
		"rateLimitWindow":  strconv.Itoa(int(k.RateLimitWindow.Minutes())),
		"rateLimitRequests": strconv.FormatInt(k.RateLimitRequests, 10),
		"rateLimitCost":    strconv.FormatFloat(k.RateLimitCost, 'f', -1, 64),
		"dailyCostLimit":   strconv.FormatFloat(k.DailyCostLimit, 'f', -1, 64),
		"weeklyOpusCostLimit": strconv.FormatFloat(k.WeeklyOpusCostLimit, 'f', -1, 64),
	}
	f["restrictedModels"] = marshalList(k.RestrictedModels)
	f["allowedClients"] = marshalList(k.AllowedClients)
	f["tags"] = marshalList(k.Tags)
	if !k.ExpiresAt.IsZero() {
		f["expiresAt"] = k.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if !k.CreatedAt.IsZero() {
		f["createdAt"] = k.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !k.LastUsedAt.IsZero() {
		f["lastUsedAt"] = k.LastUsedAt.UTC().Format(time.RFC3339)
	}
	return f
}

// parseKeyData decodes the textual hash representation.
func parseKeyData(id string, data map[string]string) *KeyData {
	k := &KeyData{
		ID:              id,
		Name:            data["name"],
		HashedSecret:    data["hashedSecret"],
		Permissions:     data["permissions"],
		ClaudeAccountID: data["claudeAccountId"],
		GeminiAccountID: data["geminiAccountId"],
		OpenAIAccountID: data["openaiAccountId"],
	}
	k.Active = data["active"] == "true"
	k.TokenLimit = parseInt(data["tokenLimit"])
	k.ConcurrencyLimit = int(parseInt(data["concurrencyLimit"]))
	k.RateLimitWindow = time.Duration(parseInt(data["rateLimitWindow"])) * time.Minute
	k.RateLimitRequests = parseInt(data["rateLimitRequests"])
	k.RateLimitCost = parseFloat(data["rateLimitCost"])
	k.DailyCostLimit = parseFloat(data["dailyCostLimit"])
	k.WeeklyOpusCostLimit = parseFloat(data["weeklyOpusCostLimit"])
	k.RestrictedModels = parseList(data["restrictedModels"])
	k.AllowedClients = parseList(data["allowedClients"])
	k.Tags = parseList(data["tags"])
	if ts, err := time.Parse(time.RFC3339, data["expiresAt"]); err == nil {
		k.ExpiresAt = ts
	}
	if ts, err := time.Parse(time.RFC3339, data["createdAt"]); err == nil {
		k.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339, data["lastUsedAt"]); err == nil {
		k.LastUsedAt = ts
	}
	return k
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func marshalList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// parseList decodes a JSON string list, falling back to empty on any parse
// failure.
func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	return items
}
