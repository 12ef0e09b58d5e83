package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMaskToken(t *testing.T) {
	t.Parallel()
	require.Equal(t, "***", MaskToken("short"))
	require.Equal(t, "sk-ant...wxyz", MaskToken("sk-ant-api03-abcdefwxyz"))
}

func TestDurationMS(t *testing.T) {
	t.Parallel()
	require.Equal(t, int64(1500), DurationMS(1500*time.Millisecond))
}

func TestErrorKind(t *testing.T) {
	t.Parallel()
	require.Equal(t, "network_error", ErrorKind(0, true))
	require.Equal(t, "upstream_429", ErrorKind(429, false))
	require.Equal(t, "upstream_401", ErrorKind(401, true))
	require.Equal(t, "upstream_5xx", ErrorKind(503, false))
	require.Equal(t, "ok", ErrorKind(200, false))
}
