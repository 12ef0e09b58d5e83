package relayerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusFor(t *testing.T) {
	t.Parallel()
	require.Equal(t, http.StatusBadRequest, StatusFor(CodeInvalidFormat))
	require.Equal(t, http.StatusTooManyRequests, StatusFor(CodeRateLimitExceeded))
	require.Equal(t, http.StatusTooManyRequests, StatusFor(CodeConcurrencyLimit))
	require.Equal(t, http.StatusServiceUnavailable, StatusFor(CodeAllAccountsExhausted))
	require.Equal(t, http.StatusGatewayTimeout, StatusFor(CodeUpstreamTimeout))
	require.Equal(t, http.StatusBadGateway, StatusFor(CodePoolDegraded))
}

func TestCodeOfUnwrapsChain(t *testing.T) {
	t.Parallel()
	base := Wrap(CodeUpstreamNetwork, 502, "dial failed", errors.New("connection refused"))
	wrapped := fmt.Errorf("relay attempt 1: %w", base)
	require.Equal(t, CodeUpstreamNetwork, CodeOf(wrapped))
	require.True(t, Is(wrapped, CodeUpstreamNetwork))
	require.False(t, Is(wrapped, CodeUpstreamTimeout))
	require.Equal(t, Code(""), CodeOf(errors.New("plain")))
}
