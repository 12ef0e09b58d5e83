package relay

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleStream = `event: message_start
data: {"type":"message_start","message":{"model":"claude-sonnet-4-20250514","usage":{"input_tokens":10,"cache_creation_input_tokens":3,"cache_read_input_tokens":7}}}

event: content_block_delta
data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hello"}}

event: message_delta
data: {"type":"message_delta","usage":{"output_tokens":5}}

event: message_stop
data: {"type":"message_stop"}

`

func TestRelayStreamForwardsFramesInOrder(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()

	state := relayStream(context.Background(), rec, strings.NewReader(sampleStream))

	require.True(t, state.completed)
	require.True(t, state.bytesForwarded)
	require.False(t, state.rateLimited)

	body := rec.Body.String()
	require.Equal(t, sampleStream, body)
	require.Less(t, strings.Index(body, "message_start"), strings.Index(body, "content_block_delta"))
	require.Less(t, strings.Index(body, "content_block_delta"), strings.Index(body, "message_delta"))
	require.Less(t, strings.Index(body, "message_delta"), strings.Index(body, "message_stop"))

	totals := state.totals()
	require.Equal(t, int64(10), totals.Input)
	require.Equal(t, int64(5), totals.Output)
	require.Equal(t, int64(3), totals.CacheCreate)
	require.Equal(t, int64(7), totals.CacheRead)
	require.Equal(t, "claude-sonnet-4-20250514", state.model)
}

func TestRelayStreamMultipleSegments(t *testing.T) {
	t.Parallel()
	stream := `data: {"type":"message_start","message":{"usage":{"input_tokens":4}}}
data: {"type":"message_delta","usage":{"output_tokens":2}}
data: {"type":"message_start","message":{"usage":{"input_tokens":6}}}
data: {"type":"message_delta","usage":{"output_tokens":3}}
`
	rec := httptest.NewRecorder()
	state := relayStream(context.Background(), rec, strings.NewReader(stream))

	totals := state.totals()
	require.Equal(t, int64(10), totals.Input)
	require.Equal(t, int64(5), totals.Output)
	require.Len(t, state.segments, 2)
}

func TestRelayStreamHalfOpenSegmentCounted(t *testing.T) {
	t.Parallel()
	// Stream cut off before message_delta: input tokens still count.
	stream := `data: {"type":"message_start","message":{"usage":{"input_tokens":9}}}
`
	rec := httptest.NewRecorder()
	state := relayStream(context.Background(), rec, strings.NewReader(stream))

	require.Equal(t, int64(9), state.totals().Input)
	require.Equal(t, int64(0), state.totals().Output)
}

func TestRelayStreamEphemeralNestedAndFlat(t *testing.T) {
	t.Parallel()
	nested := `data: {"type":"message_start","message":{"usage":{"input_tokens":1,"cache_creation":{"ephemeral_5m_input_tokens":11,"ephemeral_1h_input_tokens":22}}}}
data: {"type":"message_delta","usage":{"output_tokens":1}}
`
	state := relayStream(context.Background(), httptest.NewRecorder(), strings.NewReader(nested))
	require.Equal(t, int64(11), state.totals().Ephemeral5m)
	require.Equal(t, int64(22), state.totals().Ephemeral1h)

	flat := `data: {"type":"message_start","message":{"usage":{"input_tokens":1,"ephemeral_5m_input_tokens":5,"ephemeral_1h_input_tokens":6}}}
data: {"type":"message_delta","usage":{"output_tokens":1}}
`
	state = relayStream(context.Background(), httptest.NewRecorder(), strings.NewReader(flat))
	require.Equal(t, int64(5), state.totals().Ephemeral5m)
	require.Equal(t, int64(6), state.totals().Ephemeral1h)
}

func TestRelayStreamEarlyRateLimitAbortsSilently(t *testing.T) {
	t.Parallel()
	stream := `data: {"type":"error","error":{"type":"rate_limit_error","message":"You exceed your account's rate limit."}}
`
	rec := httptest.NewRecorder()
	state := relayStream(context.Background(), rec, strings.NewReader(stream))

	require.True(t, state.rateLimited)
	require.False(t, state.bytesForwarded)
	require.Empty(t, rec.Body.String())
}

func TestRelayStreamLateRateLimitStillForwards(t *testing.T) {
	t.Parallel()
	stream := `data: {"type":"message_start","message":{"usage":{"input_tokens":2}}}
data: {"type":"error","error":{"message":"You exceed your account's rate limit."}}
`
	rec := httptest.NewRecorder()
	state := relayStream(context.Background(), rec, strings.NewReader(stream))

	require.True(t, state.rateLimited)
	require.True(t, state.bytesForwarded)
	require.Contains(t, rec.Body.String(), "rate limit")
}

func TestRelayStreamCancelledContextNotCompleted(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state := relayStream(ctx, httptest.NewRecorder(), strings.NewReader(sampleStream))
	require.False(t, state.completed)
	require.False(t, state.bytesForwarded)
}

// brokenReader yields its payload, then an error.
type brokenReader struct {
	r    io.Reader
	done bool
}

func (b *brokenReader) Read(p []byte) (int, error) {
	if !b.done {
		n, err := b.r.Read(p)
		if err == io.EOF {
			b.done = true
			return n, nil
		}
		return n, err
	}
	return 0, errors.New("connection reset")
}

func TestRelayStreamInterruptedEmitsErrorFrame(t *testing.T) {
	t.Parallel()
	upstream := &brokenReader{r: strings.NewReader("data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":1}}}\n")}
	rec := httptest.NewRecorder()

	state := relayStream(context.Background(), rec, upstream)

	require.False(t, state.completed)
	body := rec.Body.String()
	require.Contains(t, body, "event: error")
	require.Contains(t, body, "upstream_interrupted")
}
