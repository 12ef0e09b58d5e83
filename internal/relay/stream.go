package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/pricing"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// rateLimitPhrase appears in upstream error bodies that are rate limits in
// disguise, regardless of status code.
const rateLimitPhrase = "exceed your account's rate limit"

func containsRateLimitPhrase(s string) bool {
	return strings.Contains(strings.ToLower(s), rateLimitPhrase)
}

// streamState accumulates per-request SSE bookkeeping.
type streamState struct {
	segments []pricing.TokenCounts
	current  pricing.TokenCounts
	open     bool
	model    string

	bytesForwarded bool
	rateLimited    bool
	completed      bool
}

// totals merges all closed segments plus any half-open one.
func (s *streamState) totals() pricing.TokenCounts {
	var sum pricing.TokenCounts
	segs := s.segments
	if s.open {
		segs = append(segs, s.current)
	}
	for _, seg := range segs {
		sum.Input += seg.Input
		sum.Output += seg.Output
		sum.CacheCreate += seg.CacheCreate
		sum.CacheRead += seg.CacheRead
		sum.Ephemeral5m += seg.Ephemeral5m
		sum.Ephemeral1h += seg.Ephemeral1h
	}
	return sum
}

// observe parses one data: payload and updates the usage accumulator.
func (s *streamState) observe(payload string) {
	switch gjson.Get(payload, "type").String() {
	case "message_start":
		usage := gjson.Get(payload, "message.usage")
		s.current = pricing.TokenCounts{
			Input:       usage.Get("input_tokens").Int(),
			CacheCreate: usage.Get("cache_creation_input_tokens").Int(),
			CacheRead:   usage.Get("cache_read_input_tokens").Int(),
		}
		// Ephemeral breakdown appears either nested under cache_creation
		// or flat, depending on API vintage.
		if v := usage.Get("cache_creation.ephemeral_5m_input_tokens"); v.Exists() {
			s.current.Ephemeral5m = v.Int()
		} else {
			s.current.Ephemeral5m = usage.Get("ephemeral_5m_input_tokens").Int()
		}
		if v := usage.Get("cache_creation.ephemeral_1h_input_tokens"); v.Exists() {
			s.current.Ephemeral1h = v.Int()
		} else {
			s.current.Ephemeral1h = usage.Get("ephemeral_1h_input_tokens").Int()
		}
		if m := gjson.Get(payload, "message.model").String(); m != "" {
			s.model = m
		}
		s.open = true
	case "message_delta":
		if v := gjson.Get(payload, "usage.output_tokens"); v.Exists() {
			s.current.Output = v.Int()
			s.segments = append(s.segments, s.current)
			s.current = pricing.TokenCounts{}
			s.open = false
		}
	case "error":
		if containsRateLimitPhrase(gjson.Get(payload, "error.message").String()) ||
			containsRateLimitPhrase(gjson.Get(payload, "message").String()) {
			s.rateLimited = true
		}
	}
}

// relayStream forwards upstream SSE frames to the client verbatim and in
// order, accumulating usage from the data payloads. A rate-limit error
// event seen before any byte was forwarded aborts silently so the outer
// retry loop can switch accounts.
func relayStream(ctx context.Context, w http.ResponseWriter, upstream io.Reader) *streamState {
	state := &streamState{}
	flusher, _ := w.(http.Flusher)

	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 0, constants.SSEScannerInitialBufferSize), constants.SSEScannerMaxBufferSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return state
		}
		line := scanner.Text()

		if payload, ok := strings.CutPrefix(line, "data: "); ok {
			state.observe(payload)
			if state.rateLimited && !state.bytesForwarded {
				return state
			}
		}

		fmt.Fprintf(w, "%s\n", line)
		state.bytesForwarded = true
		if line == "" && flusher != nil {
			flusher.Flush()
		}
	}
	if flusher != nil {
		flusher.Flush()
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).Warn("stream_read_interrupted")
		writeSSEError(w, flusher, "upstream_interrupted", err.Error())
		return state
	}
	state.completed = ctx.Err() == nil
	return state
}

// writeSSEError emits a locally generated error frame after bytes have
// already been forwarded; the HTTP status is fixed at that point.
func writeSSEError(w io.Writer, flusher http.Flusher, code, message string) {
	fmt.Fprintf(w, "event: error\ndata: {\"type\":\"error\",\"code\":%q,\"message\":%q,\"timestamp\":%q}\n\n",
		code, message, time.Now().UTC().Format(time.RFC3339))
	if flusher != nil {
		flusher.Flush()
	}
}
