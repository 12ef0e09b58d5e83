package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCostDefaults(t *testing.T) {
	t.Parallel()
	tbl := NewTable()

	cost := tbl.Cost("claude-3-sonnet", TokenCounts{Input: 1_000_000})
	require.InDelta(t, 3.0, cost, 1e-9)

	cost = tbl.Cost("claude-opus-4", TokenCounts{Input: 1_000_000, Output: 1_000_000})
	require.InDelta(t, 90.0, cost, 1e-9)

	cost = tbl.Cost("claude-3-5-haiku", TokenCounts{CacheRead: 1_000_000})
	require.InDelta(t, 0.08, cost, 1e-9)
}

func TestCostDependsOnlyOnModelAndCounts(t *testing.T) {
	t.Parallel()
	tbl := NewTable()
	counts := TokenCounts{Input: 10, Output: 5, CacheCreate: 2, CacheRead: 1}
	a := tbl.Cost("claude-3-sonnet", counts)
	b := tbl.Cost("claude-3-sonnet", counts)
	require.Equal(t, a, b)
}

func TestLookupFamilyFallback(t *testing.T) {
	t.Parallel()
	tbl := NewTable()

	p, ok := tbl.Lookup("claude-opus-4-20250514")
	require.True(t, ok)
	require.InDelta(t, perMillion(15), p.InputPerToken, 1e-15)

	// Unknown model falls back to sonnet pricing.
	p, ok = tbl.Lookup("some-future-model")
	require.False(t, ok)
	require.InDelta(t, perMillion(3), p.InputPerToken, 1e-15)
}

func TestLoadFileJSON(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.json")
	payload := `{"test-model":{"input_per_token":0.000001,"output_per_token":0.000002,"cache_create_per_token":0,"cache_read_per_token":0,"max_tokens":1234}}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	tbl := NewTable()
	require.NoError(t, tbl.LoadFile(path))

	p, ok := tbl.Lookup("test-model")
	require.True(t, ok)
	require.Equal(t, 1234, p.MaxTokens)
	require.Equal(t, 1234, tbl.MaxTokensFor("test-model"))
}

func TestLoadFileYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	payload := "sonnet:\n  input_per_token: 0.000003\n  output_per_token: 0.000015\n  cache_create_per_token: 0.00000375\n  cache_read_per_token: 0.0000003\n"
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	tbl := NewTable()
	require.NoError(t, tbl.LoadFile(path))
	p, ok := tbl.Lookup("claude-3-sonnet")
	require.True(t, ok)
	require.InDelta(t, 0.000003, p.InputPerToken, 1e-12)
}

func TestLoadFileRejectsEmpty(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))
	require.Error(t, NewTable().LoadFile(path))
}

func TestIsLongContext(t *testing.T) {
	t.Parallel()
	big := TokenCounts{Input: 250_000}
	small := TokenCounts{Input: 100}

	require.True(t, IsLongContext("claude-sonnet-4[1m]", big))
	require.False(t, IsLongContext("claude-sonnet-4[1m]", small))
	require.False(t, IsLongContext("claude-sonnet-4", big))
}

func TestIsOpusModel(t *testing.T) {
	t.Parallel()
	require.True(t, IsOpusModel("claude-OPUS-4"))
	require.False(t, IsOpusModel("claude-3-sonnet"))
}
