package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"claude-relay-go/internal/cache"
	"claude-relay-go/internal/constants"
	"claude-relay-go/internal/monitoring"
	"claude-relay-go/internal/pricing"
	"claude-relay-go/internal/relayerr"
	"claude-relay-go/internal/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const minSecretLength = 16

// Service validates tenant keys and records their usage.
type Service struct {
	kv      *store.Store
	pricing *pricing.Table
	salt    string
	prefix  string

	// Validation cache holds only valid=true results, keyed by hashed
	// secret. Cleared wholesale on any key mutation: the plaintext is not
	// retained, so selective invalidation is impossible.
	validationCache *cache.LRU
}

// NewService creates the key service.
func NewService(kv *store.Store, table *pricing.Table, salt, prefix string) *Service {
	return &Service{
		kv:      kv,
		pricing: table,
		salt:    salt,
		prefix:  prefix,
		validationCache: cache.NewLRU(
			constants.ValidationCacheSize,
			constants.ValidationCacheTTL,
			constants.CacheSweepInterval,
		),
	}
}

// Close stops background work.
func (s *Service) Close() { s.validationCache.Close() }

// HashSecret computes SHA-256(secret ∥ salt), the sole lookup index for
// tenant keys.
func (s *Service) HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret + s.salt))
	return hex.EncodeToString(sum[:])
}

// ValidateKey resolves and checks a tenant key secret. The returned KeyData
// carries parsed numeric fields plus current daily and weekly-Opus cost.
func (s *Service) ValidateKey(ctx context.Context, secret string) (*KeyData, error) {
	if len(secret) < minSecretLength || s.prefix != "" && !hasPrefix(secret, s.prefix) {
		return nil, relayerr.New(relayerr.CodeInvalidFormat, http.StatusBadRequest, "malformed API key")
	}

	hashed := s.HashSecret(secret)
	if cached, ok := s.validationCache.Get(hashed); ok {
		monitoring.ValidationCacheHits.Inc()
		return cached.(*KeyData), nil
	}
	monitoring.ValidationCacheMisses.Inc()

	keyID, err := s.kv.FindKeyIDByHash(ctx, hashed)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			return nil, relayerr.New(relayerr.CodeNotFound, http.StatusUnauthorized, "unknown API key")
		}
		return nil, fmt.Errorf("lookup key by hash: %w", err)
	}

	data, err := s.kv.HGetAll(ctx, store.KeyAPIKeyPrefix+keyID)
	if err != nil {
		return nil, fmt.Errorf("load key %s: %w", keyID, err)
	}
	if len(data) == 0 {
		return nil, relayerr.New(relayerr.CodeNotFound, http.StatusUnauthorized, "unknown API key")
	}

	kd := parseKeyData(keyID, data)
	if !kd.Active {
		return nil, relayerr.New(relayerr.CodeDisabled, http.StatusUnauthorized, "API key is disabled")
	}
	if !kd.ExpiresAt.IsZero() && time.Now().After(kd.ExpiresAt) {
		return nil, relayerr.New(relayerr.CodeExpired, http.StatusUnauthorized, "API key has expired")
	}

	if err := s.loadUsage(ctx, kd); err != nil {
		// Usage load failures must not block validation.
		log.WithError(err).WithField("key_id", keyID).Warn("key_usage_load_failed")
	}

	s.validationCache.Set(hashed, kd, 0)
	return kd, nil
}

func (s *Service) loadUsage(ctx context.Context, kd *KeyData) error {
	now := time.Now()
	daily, err := s.kv.GetDailyCost(ctx, kd.ID, now)
	if err != nil {
		return err
	}
	kd.DailyCost = daily

	if kd.WeeklyOpusCostLimit > 0 {
		weekly, err := s.kv.GetWeeklyOpusCost(ctx, kd.ID, isoWeek(now))
		if err != nil {
			return err
		}
		kd.WeeklyOpusCost = weekly
	}

	usage, err := s.kv.HGetAll(ctx, store.KeyUsagePrefix+kd.ID+":total")
	if err != nil {
		return err
	}
	kd.TotalTokens = parseInt(usage["inputTokens"]) + parseInt(usage["outputTokens"])
	return nil
}

// Admit performs quota gating for one accepted request: concurrency slot,
// request-window increment, daily cost ceiling. The returned release
// function must run on every completion path.
func (s *Service) Admit(ctx context.Context, kd *KeyData) (func(), error) {
	release := func() {}

	if kd.ConcurrencyLimit > 0 {
		requestID := uuid.NewString()
		ok, err := s.kv.TryAcquireConcurrencySlot(ctx, kd.ID, requestID, kd.ConcurrencyLimit, 5*time.Minute)
		if err != nil {
			return release, fmt.Errorf("acquire concurrency slot: %w", err)
		}
		if !ok {
			return release, relayerr.New(relayerr.CodeConcurrencyLimit, http.StatusTooManyRequests,
				fmt.Sprintf("concurrency limit of %d reached", kd.ConcurrencyLimit))
		}
		release = func() {
			if err := s.kv.ReleaseConcurrencySlot(context.Background(), kd.ID, requestID); err != nil {
				log.WithError(err).WithField("key_id", kd.ID).Warn("concurrency_release_failed")
			}
		}
	}

	if kd.RateLimitWindow > 0 {
		win, err := s.kv.IncrementWindow(ctx, kd.ID, kd.RateLimitWindow, 1, 0, 0)
		if err != nil {
			release()
			return func() {}, fmt.Errorf("increment rate window: %w", err)
		}
		if kd.RateLimitRequests > 0 && win.Requests > kd.RateLimitRequests {
			release()
			return func() {}, relayerr.New(relayerr.CodeRateLimitExceeded, http.StatusTooManyRequests,
				fmt.Sprintf("request limit of %d per %s exceeded", kd.RateLimitRequests, kd.RateLimitWindow))
		}
		if kd.RateLimitCost > 0 && win.Cost >= kd.RateLimitCost {
			release()
			return func() {}, relayerr.New(relayerr.CodeRateLimitExceeded, http.StatusTooManyRequests,
				fmt.Sprintf("cost limit of $%.2f per %s exceeded", kd.RateLimitCost, kd.RateLimitWindow))
		}
	}

	if kd.DailyCostLimit > 0 && kd.DailyCost >= kd.DailyCostLimit {
		release()
		return func() {}, relayerr.New(relayerr.CodeRateLimitExceeded, http.StatusTooManyRequests,
			fmt.Sprintf("daily cost limit of $%.2f reached", kd.DailyCostLimit))
	}
	if kd.WeeklyOpusCostLimit > 0 && kd.WeeklyOpusCost >= kd.WeeklyOpusCostLimit {
		release()
		return func() {}, relayerr.New(relayerr.CodeRateLimitExceeded, http.StatusTooManyRequests,
			fmt.Sprintf("weekly Opus cost limit of $%.2f reached", kd.WeeklyOpusCostLimit))
	}

	return release, nil
}

// UsageEvent is the post-request accounting record.
type UsageEvent struct {
	KeyID       string
	AccountID   string
	AccountType string
	Model       string
	Counts      pricing.TokenCounts
}

// RecordUsage computes the event's cost and fans it out to the usage
// counters. Failures are logged, never surfaced to the client.
func (s *Service) RecordUsage(ctx context.Context, ev UsageEvent) float64 {
	cost := s.pricing.Cost(ev.Model, ev.Counts)

	if err := s.kv.IncrementTokenUsage(ctx, ev.KeyID, ev.Model,
		ev.Counts.Input, ev.Counts.Output, ev.Counts.CacheCreate, ev.Counts.CacheRead); err != nil {
		log.WithError(err).WithField("key_id", ev.KeyID).Warn("usage_increment_failed")
	}
	now := time.Now()
	if err := s.kv.IncrementDailyCost(ctx, ev.KeyID, cost, now); err != nil {
		log.WithError(err).WithField("key_id", ev.KeyID).Warn("daily_cost_increment_failed")
	}

	if kd := s.touchLastUsed(ctx, ev.KeyID); kd != nil && kd.RateLimitWindow > 0 {
		tokens := ev.Counts.Input + ev.Counts.Output + ev.Counts.CacheCreate + ev.Counts.CacheRead
		if _, err := s.kv.IncrementWindow(ctx, ev.KeyID, kd.RateLimitWindow, 0, tokens, cost); err != nil {
			log.WithError(err).WithField("key_id", ev.KeyID).Warn("window_usage_increment_failed")
		}
	}

	if pricing.IsOpusModel(ev.Model) && isClaudeAccountType(ev.AccountType) {
		if err := s.kv.IncrementWeeklyOpusCost(ctx, ev.KeyID, isoWeek(now), cost); err != nil {
			log.WithError(err).WithField("key_id", ev.KeyID).Warn("weekly_opus_increment_failed")
		}
	}

	if ev.AccountID != "" {
		if err := s.kv.IncrementTokenUsage(ctx, "account:"+ev.AccountID, ev.Model,
			ev.Counts.Input, ev.Counts.Output, ev.Counts.CacheCreate, ev.Counts.CacheRead); err != nil {
			log.WithError(err).WithField("account_id", ev.AccountID).Warn("account_usage_increment_failed")
		}
	}

	if pricing.IsLongContext(ev.Model, ev.Counts) {
		if _, err := s.kv.Incr(ctx, store.KeyUsagePrefix+ev.KeyID+":long_context"); err != nil {
			log.WithError(err).WithField("key_id", ev.KeyID).Warn("long_context_increment_failed")
		}
	}

	monitoring.UsageEventsTotal.WithLabelValues(ev.Model).Inc()
	return cost
}

func (s *Service) touchLastUsed(ctx context.Context, keyID string) *KeyData {
	data, err := s.kv.HGetAll(ctx, store.KeyAPIKeyPrefix+keyID)
	if err != nil || len(data) == 0 {
		return nil
	}
	if err := s.kv.HSet(ctx, store.KeyAPIKeyPrefix+keyID, map[string]string{
		"lastUsedAt": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		log.WithError(err).WithField("key_id", keyID).Warn("last_used_update_failed")
	}
	return parseKeyData(keyID, data)
}

// CacheStats exposes the validation cache counters.
func (s *Service) CacheStats() cache.Stats { return s.validationCache.Stats() }

// CreateKey generates a new tenant key. The plaintext secret is returned
// exactly once and never persisted.
func (s *Service) CreateKey(ctx context.Context, kd *KeyData) (string, error) {
	if kd.ID == "" {
		kd.ID = uuid.NewString()
	}
	if kd.CreatedAt.IsZero() {
		kd.CreatedAt = time.Now()
	}
	secret := s.prefix + randomHex(24)
	kd.HashedSecret = s.HashSecret(secret)

	if err := s.kv.HSet(ctx, store.KeyAPIKeyPrefix+kd.ID, kd.fields()); err != nil {
		return "", fmt.Errorf("store key: %w", err)
	}
	if err := s.kv.SetKeyHashIndex(ctx, kd.HashedSecret, kd.ID); err != nil {
		return "", fmt.Errorf("store key hash index: %w", err)
	}
	return secret, nil
}

// UpdateKey rewrites key attributes and clears the validation cache.
func (s *Service) UpdateKey(ctx context.Context, kd *KeyData) error {
	if kd.ID == "" {
		return fmt.Errorf("key id is required")
	}
	if err := s.kv.HSet(ctx, store.KeyAPIKeyPrefix+kd.ID, kd.fields()); err != nil {
		return fmt.Errorf("update key: %w", err)
	}
	s.validationCache.Clear()
	return nil
}

// DeleteKey removes a key, its hash index entry, and cached validations.
func (s *Service) DeleteKey(ctx context.Context, keyID string) error {
	data, err := s.kv.HGetAll(ctx, store.KeyAPIKeyPrefix+keyID)
	if err != nil {
		return err
	}
	if hashed := data["hashedSecret"]; hashed != "" {
		if err := s.kv.DeleteKeyHashIndex(ctx, hashed); err != nil {
			return fmt.Errorf("delete key hash index: %w", err)
		}
	}
	if err := s.kv.Del(ctx, store.KeyAPIKeyPrefix+keyID); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	s.validationCache.Clear()
	return nil
}

// GetKey loads a key by id without validation.
func (s *Service) GetKey(ctx context.Context, keyID string) (*KeyData, error) {
	data, err := s.kv.HGetAll(ctx, store.KeyAPIKeyPrefix+keyID)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &store.ErrNotFound{Key: store.KeyAPIKeyPrefix + keyID}
	}
	return parseKeyData(keyID, data), nil
}

// ListKeys returns every key record, skipping counter sub-keys.
func (s *Service) ListKeys(ctx context.Context) ([]*KeyData, error) {
	keys, err := s.kv.Keys(ctx, store.KeyAPIKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	out := make([]*KeyData, 0, len(keys))
	for _, key := range keys {
		id := key[len(store.KeyAPIKeyPrefix):]
		if id == "" || containsColon(id) {
			continue
		}
		data, err := s.kv.HGetAll(ctx, key)
		if err != nil || len(data) == 0 {
			continue
		}
		out = append(out, parseKeyData(id, data))
	}
	return out, nil
}

// UsageSummary aggregates a key's usage counters for reporting.
type UsageSummary struct {
	Requests         int64            `json:"requests"`
	InputTokens      int64            `json:"input_tokens"`
	OutputTokens     int64            `json:"output_tokens"`
	CacheCreate      int64            `json:"cache_creation_input_tokens"`
	CacheRead        int64            `json:"cache_read_input_tokens"`
	DailyCost        float64          `json:"daily_cost_usd"`
	WeeklyOpusCost   float64          `json:"weekly_opus_cost_usd"`
	LongContextCount int64            `json:"long_context_requests"`
	Models           map[string]int64 `json:"model_requests"`
}

// Usage reads the aggregated counters for one key.
func (s *Service) Usage(ctx context.Context, keyID string) (*UsageSummary, error) {
	total, err := s.kv.HGetAll(ctx, store.KeyUsagePrefix+keyID+":total")
	if err != nil {
		return nil, err
	}
	now := time.Now()
	daily, err := s.kv.GetDailyCost(ctx, keyID, now)
	if err != nil {
		return nil, err
	}
	weekly, err := s.kv.GetWeeklyOpusCost(ctx, keyID, isoWeek(now))
	if err != nil {
		return nil, err
	}
	longContext, _ := s.kv.Get(ctx, store.KeyUsagePrefix+keyID+":long_context")

	summary := &UsageSummary{
		Requests:         parseInt(total["requests"]),
		InputTokens:      parseInt(total["inputTokens"]),
		OutputTokens:     parseInt(total["outputTokens"]),
		CacheCreate:      parseInt(total["cacheCreateTokens"]),
		CacheRead:        parseInt(total["cacheReadTokens"]),
		DailyCost:        daily,
		WeeklyOpusCost:   weekly,
		LongContextCount: parseInt(longContext),
		Models:           make(map[string]int64),
	}

	modelKeys, err := s.kv.Keys(ctx, store.KeyUsagePrefix+keyID+":model:*")
	if err != nil {
		return summary, nil
	}
	prefixLen := len(store.KeyUsagePrefix + keyID + ":model:")
	for _, mk := range modelKeys {
		data, err := s.kv.HGetAll(ctx, mk)
		if err != nil {
			continue
		}
		summary.Models[mk[prefixLen:]] = parseInt(data["requests"])
	}
	return summary, nil
}

// SweepExpired deactivates keys whose expiry has passed. Run periodically.
func (s *Service) SweepExpired(ctx context.Context) int {
	keys, err := s.kv.Keys(ctx, store.KeyAPIKeyPrefix+"*")
	if err != nil {
		log.WithError(err).Warn("key_sweep_scan_failed")
		return 0
	}
	deactivated := 0
	now := time.Now()
	for _, key := range keys {
		id := key[len(store.KeyAPIKeyPrefix):]
		if id == "" || containsColon(id) {
			continue
		}
		data, err := s.kv.HGetAll(ctx, key)
		if err != nil || len(data) == 0 {
			continue
		}
		kd := parseKeyData(id, data)
		if kd.Active && !kd.ExpiresAt.IsZero() && now.After(kd.ExpiresAt) {
			if err := s.kv.HSet(ctx, key, map[string]string{"active": "false"}); err == nil {
				deactivated++
			}
		}
	}
	if deactivated > 0 {
		s.validationCache.Clear()
		log.WithField("count", deactivated).Info("expired_keys_deactivated")
	}
	return deactivated
}

// isoWeek renders e.g. "2025-W23" for the weekly Opus counter.
func isoWeek(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func isClaudeAccountType(accountType string) bool {
	return accountType == "claude-official" || accountType == "claude-console" || accountType == "claude"
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func containsColon(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return true
		}
	}
	return false
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
