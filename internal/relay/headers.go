package relay

import (
	"net/http"
	"regexp"
	"strings"
)

// strippedHeaders never travel upstream. Auth and transport framing are
// rebuilt on the outbound side.
var strippedHeaders = map[string]bool{
	"content-type":        true,
	"user-agent":          true,
	"x-api-key":           true,
	"authorization":       true,
	"host":                true,
	"content-length":      true,
	"connection":          true,
	"proxy-authorization": true,
	"content-encoding":    true,
	"transfer-encoding":   true,
	"accept-encoding":     true,
}

var ccUserAgentPattern = regexp.MustCompile(`^claude-cli/([\d.]+)`)

// IsClaudeCodeUserAgent reports whether the inbound user agent matches the
// claude-cli/<version> shape.
func IsClaudeCodeUserAgent(ua string) bool {
	return ccUserAgentPattern.MatchString(ua)
}

// buildUpstreamHeaders copies a filtered view of the inbound headers and
// injects the upstream credential and version headers. x-request-id is
// preserved for cross-system correlation.
func buildUpstreamHeaders(inbound http.Header, accessToken, apiVersion, betaHeader string) http.Header {
	out := make(http.Header)
	for key, vals := range inbound {
		if strippedHeaders[strings.ToLower(key)] {
			continue
		}
		for _, v := range vals {
			out.Add(key, v)
		}
	}
	out.Set("Authorization", "Bearer "+accessToken)
	out.Set("Content-Type", "application/json")
	if out.Get("anthropic-version") == "" {
		out.Set("anthropic-version", apiVersion)
	}
	if merged := mergeBetaHeaders(out.Get("anthropic-beta"), betaHeader); merged != "" {
		out.Set("anthropic-beta", merged)
	}
	return out
}

// mergeBetaHeaders joins client and relay beta flags, deduplicated, client
// flags first.
func mergeBetaHeaders(clientBeta, relayBeta string) string {
	seen := make(map[string]struct{})
	var out []string
	for _, raw := range []string{clientBeta, relayBeta} {
		for _, part := range strings.Split(raw, ",") {
			p := strings.TrimSpace(part)
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return strings.Join(out, ",")
}

// headerLookup finds a response header case-insensitively.
func headerLookup(h http.Header, name string) string {
	for key, vals := range h {
		if strings.EqualFold(key, name) && len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

// captureClaudeCodeHeaders snapshots the Claude-Code-shaped inbound headers
// worth replaying on later requests from accounts with unified identity.
func captureClaudeCodeHeaders(inbound http.Header) map[string]string {
	captured := make(map[string]string)
	for _, name := range []string{"user-agent", "x-app", "anthropic-beta", "anthropic-dangerous-direct-browser-access"} {
		if v := inbound.Get(name); v != "" {
			captured[name] = v
		}
	}
	for key, vals := range inbound {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "x-stainless-") && len(vals) > 0 {
			captured[lower] = vals[0]
		}
	}
	return captured
}
