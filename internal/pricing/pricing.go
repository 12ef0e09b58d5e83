// Package pricing maps model ids to per-token prices and computes request
// cost. The table can be loaded from a JSON or YAML file and hot-reloads
// on change.
package pricing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ModelPricing holds per-token USD prices for one model.
type ModelPricing struct {
	InputPerToken       float64 `json:"input_per_token" yaml:"input_per_token"`
	OutputPerToken      float64 `json:"output_per_token" yaml:"output_per_token"`
	CacheCreatePerToken float64 `json:"cache_create_per_token" yaml:"cache_create_per_token"`
	CacheReadPerToken   float64 `json:"cache_read_per_token" yaml:"cache_read_per_token"`
	Ephemeral5mPerToken float64 `json:"ephemeral_5m_per_token,omitempty" yaml:"ephemeral_5m_per_token,omitempty"`
	Ephemeral1hPerToken float64 `json:"ephemeral_1h_per_token,omitempty" yaml:"ephemeral_1h_per_token,omitempty"`
	MaxTokens           int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// TokenCounts is the usage vector a cost is computed from.
type TokenCounts struct {
	Input       int64
	Output      int64
	CacheCreate int64
	CacheRead   int64
	Ephemeral5m int64
	Ephemeral1h int64
}

// Table is a read-mostly pricing table safe for concurrent use.
type Table struct {
	mu     sync.RWMutex
	models map[string]ModelPricing
}

// perMillion converts $/1M-token prices to $/token.
func perMillion(usd float64) float64 { return usd / 1_000_000 }

// defaultModels covers current Claude families; a pricing file overrides it.
func defaultModels() map[string]ModelPricing {
	opus := ModelPricing{
		InputPerToken:       perMillion(15),
		OutputPerToken:      perMillion(75),
		CacheCreatePerToken: perMillion(18.75),
		CacheReadPerToken:   perMillion(1.50),
		MaxTokens:           32000,
	}
	sonnet := ModelPricing{
		InputPerToken:       perMillion(3),
		OutputPerToken:      perMillion(15),
		CacheCreatePerToken: perMillion(3.75),
		CacheReadPerToken:   perMillion(0.30),
		MaxTokens:           64000,
	}
	haiku := ModelPricing{
		InputPerToken:       perMillion(0.80),
		OutputPerToken:      perMillion(4),
		CacheCreatePerToken: perMillion(1),
		CacheReadPerToken:   perMillion(0.08),
		MaxTokens:           8192,
	}
	return map[string]ModelPricing{
		"opus":   opus,
		"sonnet": sonnet,
		"haiku":  haiku,
	}
}

// NewTable creates a Table seeded with built-in defaults.
func NewTable() *Table {
	return &Table{models: defaultModels()}
}

// LoadFile replaces the table contents from a JSON or YAML file.
func (t *Table) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pricing file: %w", err)
	}
	models := make(map[string]ModelPricing)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &models); err != nil {
			return fmt.Errorf("parse pricing yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &models); err != nil {
			return fmt.Errorf("parse pricing json: %w", err)
		}
	}
	if len(models) == 0 {
		return fmt.Errorf("pricing file %s has no models", path)
	}
	t.mu.Lock()
	t.models = models
	t.mu.Unlock()
	log.WithFields(log.Fields{"file": path, "models": len(models)}).Info("pricing_table_loaded")
	return nil
}

// Lookup finds pricing for a model id. Exact match first, then family
// substring (opus/sonnet/haiku), defaulting to sonnet pricing for unknown
// models so cost is never silently zero.
func (t *Table) Lookup(model string) (ModelPricing, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	base := baseModelID(model)
	if p, ok := t.models[base]; ok {
		return p, true
	}
	lower := strings.ToLower(base)
	for _, family := range []string{"opus", "sonnet", "haiku"} {
		if strings.Contains(lower, family) {
			if p, ok := t.models[family]; ok {
				return p, true
			}
		}
	}
	if p, ok := t.models["sonnet"]; ok {
		return p, false
	}
	return ModelPricing{}, false
}

// Models returns the known model ids in sorted order.
func (t *Table) Models() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.models))
	for id := range t.models {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MaxTokensFor returns the model's output token ceiling, 0 when unknown.
func (t *Table) MaxTokensFor(model string) int {
	p, _ := t.Lookup(model)
	return p.MaxTokens
}

// Cost computes the USD cost for the given token counts.
func (t *Table) Cost(model string, counts TokenCounts) float64 {
	p, _ := t.Lookup(model)
	cost := float64(counts.Input)*p.InputPerToken +
		float64(counts.Output)*p.OutputPerToken +
		float64(counts.CacheCreate)*p.CacheCreatePerToken +
		float64(counts.CacheRead)*p.CacheReadPerToken
	if p.Ephemeral5mPerToken > 0 {
		cost += float64(counts.Ephemeral5m) * p.Ephemeral5mPerToken
	}
	if p.Ephemeral1hPerToken > 0 {
		cost += float64(counts.Ephemeral1h) * p.Ephemeral1hPerToken
	}
	return cost
}

// longContextThreshold is the input size above which a [1m] model counts as
// a long-context request.
const longContextThreshold = 200_000

// IsLongContext reports whether this request should be tracked on the
// long-context counter: the model carries a [1m] marker and total input
// exceeds 200k tokens.
func IsLongContext(model string, counts TokenCounts) bool {
	if !strings.Contains(model, "[1m]") {
		return false
	}
	total := counts.Input + counts.CacheCreate + counts.CacheRead
	return total > longContextThreshold
}

// IsOpusModel reports whether the model belongs to the Opus family.
func IsOpusModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "opus")
}

// baseModelID strips variant markers such as "[1m]" from a model id.
func baseModelID(model string) string {
	if i := strings.Index(model, "["); i > 0 {
		return strings.TrimSpace(model[:i])
	}
	return model
}
