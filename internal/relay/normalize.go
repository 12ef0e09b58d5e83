package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"claude-relay-go/internal/pricing"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ClaudeCodeSystemPrompt is the canonical first system entry of a real
// Claude Code request.
const ClaudeCodeSystemPrompt = "You are Claude Code, Anthropic's official CLI for Claude."

// IsRealClaudeCodeRequest applies the two-part heuristic: the user agent is
// claude-cli shaped and the first system entry carries the canonical text.
func IsRealClaudeCodeRequest(body []byte, userAgent string) bool {
	if !IsClaudeCodeUserAgent(userAgent) {
		return false
	}
	first := gjson.GetBytes(body, "system.0.text")
	return strings.TrimSpace(first.String()) == ClaudeCodeSystemPrompt
}

// normalizeBody rewrites the request body for the upstream API. The
// caller's byte slice is never mutated; every change goes through
// copy-on-write sjson operations.
func normalizeBody(body []byte, table *pricing.Table, proxySystemPrompt string, realClaudeCode bool) ([]byte, error) {
	out := body
	var err error

	if out, err = clampMaxTokens(out, table); err != nil {
		return nil, err
	}
	if out, err = stripCacheTTL(out); err != nil {
		return nil, err
	}
	if !realClaudeCode {
		if out, err = injectClaudeCodeSystem(out); err != nil {
			return nil, err
		}
	}
	if out, err = dropTopPWithTemperature(out); err != nil {
		return nil, err
	}
	if proxySystemPrompt != "" {
		if out, err = appendSystemPrompt(out, proxySystemPrompt); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// clampMaxTokens lowers max_tokens to the model's ceiling when the pricing
// table knows one.
func clampMaxTokens(body []byte, table *pricing.Table) ([]byte, error) {
	model := gjson.GetBytes(body, "model").String()
	ceiling := table.MaxTokensFor(model)
	if ceiling <= 0 {
		return body, nil
	}
	requested := gjson.GetBytes(body, "max_tokens")
	if !requested.Exists() || requested.Int() <= int64(ceiling) {
		return body, nil
	}
	return sjson.SetBytes(body, "max_tokens", ceiling)
}

// stripCacheTTL removes cache_control.ttl wherever it appears in the
// system array and message content arrays.
func stripCacheTTL(body []byte) ([]byte, error) {
	out := body
	var err error

	system := gjson.GetBytes(out, "system")
	if system.IsArray() {
		for i := range system.Array() {
			path := "system." + itoa(i) + ".cache_control.ttl"
			if gjson.GetBytes(out, path).Exists() {
				if out, err = sjson.DeleteBytes(out, path); err != nil {
					return nil, err
				}
			}
		}
	}

	messages := gjson.GetBytes(out, "messages")
	for i, msg := range messages.Array() {
		content := msg.Get("content")
		if !content.IsArray() {
			continue
		}
		for j := range content.Array() {
			path := "messages." + itoa(i) + ".content." + itoa(j) + ".cache_control.ttl"
			if gjson.GetBytes(out, path).Exists() {
				if out, err = sjson.DeleteBytes(out, path); err != nil {
					return nil, err
				}
			}
		}
	}
	return out, nil
}

// injectClaudeCodeSystem prepends the canonical Claude Code entry with an
// ephemeral cache_control, converting a string system to a trailing array
// element and dropping duplicate Claude Code entries.
func injectClaudeCodeSystem(body []byte) ([]byte, error) {
	ccEntry := map[string]interface{}{
		"type":          "text",
		"text":          ClaudeCodeSystemPrompt,
		"cache_control": map[string]interface{}{"type": "ephemeral"},
	}

	system := gjson.GetBytes(body, "system")
	rebuilt := []interface{}{ccEntry}

	switch {
	case system.Type == gjson.String:
		if text := system.String(); text != "" && strings.TrimSpace(text) != ClaudeCodeSystemPrompt {
			rebuilt = append(rebuilt, map[string]interface{}{"type": "text", "text": text})
		}
	case system.IsArray():
		for _, entry := range system.Array() {
			if strings.TrimSpace(entry.Get("text").String()) == ClaudeCodeSystemPrompt {
				continue
			}
			rebuilt = append(rebuilt, entry.Value())
		}
	}
	return sjson.SetBytes(body, "system", rebuilt)
}

// dropTopPWithTemperature removes top_p when temperature is also present;
// the upstream accepts only one of the two.
func dropTopPWithTemperature(body []byte) ([]byte, error) {
	if gjson.GetBytes(body, "top_p").Exists() && gjson.GetBytes(body, "temperature").Exists() {
		return sjson.DeleteBytes(body, "top_p")
	}
	return body, nil
}

// appendSystemPrompt adds the configured proxy prompt to the end of the
// system array unless it is already present.
func appendSystemPrompt(body []byte, prompt string) ([]byte, error) {
	entry := map[string]interface{}{"type": "text", "text": prompt}
	system := gjson.GetBytes(body, "system")

	switch {
	case !system.Exists():
		return sjson.SetBytes(body, "system", []interface{}{entry})
	case system.Type == gjson.String:
		if system.String() == prompt {
			return body, nil
		}
		rebuilt := []interface{}{
			map[string]interface{}{"type": "text", "text": system.String()},
			entry,
		}
		return sjson.SetBytes(body, "system", rebuilt)
	case system.IsArray():
		for _, e := range system.Array() {
			if e.Get("text").String() == prompt {
				return body, nil
			}
		}
		return sjson.SetBytes(body, "system.-1", entry)
	}
	return body, nil
}

// sessionHashFor derives a stable affinity hash from the request body. It
// keys on the caller's session id when present, otherwise on a prefix of
// the system prompt or first message, so retries of the same body always
// map to the same hash.
func sessionHashFor(body []byte) string {
	if userID := gjson.GetBytes(body, "metadata.user_id").String(); userID != "" {
		if idx := strings.LastIndex(userID, "session_"); idx >= 0 {
			return hashPrefix("session:" + userID[idx:])
		}
	}
	system := gjson.GetBytes(body, "system")
	var prompt string
	if system.Type == gjson.String {
		prompt = system.String()
	} else if system.IsArray() {
		prompt = gjson.GetBytes(body, "system.0.text").String()
	}
	if prompt != "" {
		return hashPrefix("system:" + head(prompt, 200))
	}
	if first := gjson.GetBytes(body, "messages.0.content").String(); first != "" {
		return hashPrefix("msg:" + head(first, 200))
	}
	return ""
}

func hashPrefix(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:16])
}

func head(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func itoa(i int) string { return strconv.Itoa(i) }
