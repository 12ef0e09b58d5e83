package store

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Domain helpers. These keep the callers (key service, usage recorder,
// scheduler) free of key-layout knowledge.

// FindKeyIDByHash resolves a tenant key id from its hashed secret. The hash
// is the sole lookup index; plaintext secrets never reach the store.
func (s *Store) FindKeyIDByHash(ctx context.Context, hashedSecret string) (string, error) {
	return s.Get(ctx, KeyAPIKeyHashPrefix+hashedSecret)
}

// SetKeyHashIndex writes the hash → id index entry.
func (s *Store) SetKeyHashIndex(ctx context.Context, hashedSecret, keyID string) error {
	return s.Set(ctx, KeyAPIKeyHashPrefix+hashedSecret, keyID, 0)
}

// DeleteKeyHashIndex removes the index entry.
func (s *Store) DeleteKeyHashIndex(ctx context.Context, hashedSecret string) error {
	return s.Del(ctx, KeyAPIKeyHashPrefix+hashedSecret)
}

// IncrementTokenUsage fans token counts out to the per-key totals hash and
// the per-model breakdown.
func (s *Store) IncrementTokenUsage(ctx context.Context, keyID, model string, input, output, cacheCreate, cacheRead int64) error {
	pipe := s.Pipeline()
	total := KeyUsagePrefix + keyID + ":total"
	pipe.HIncrBy(ctx, total, "inputTokens", input)
	pipe.HIncrBy(ctx, total, "outputTokens", output)
	pipe.HIncrBy(ctx, total, "cacheCreateTokens", cacheCreate)
	pipe.HIncrBy(ctx, total, "cacheReadTokens", cacheRead)
	pipe.HIncrBy(ctx, total, "requests", 1)
	if model != "" {
		byModel := KeyUsagePrefix + keyID + ":model:" + model
		pipe.HIncrBy(ctx, byModel, "inputTokens", input)
		pipe.HIncrBy(ctx, byModel, "outputTokens", output)
		pipe.HIncrBy(ctx, byModel, "cacheCreateTokens", cacheCreate)
		pipe.HIncrBy(ctx, byModel, "cacheReadTokens", cacheRead)
		pipe.HIncrBy(ctx, byModel, "requests", 1)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// IncrementDailyCost adds to the key's daily cost counter. Counters expire
// after 30 days so abandoned keys do not accumulate garbage.
func (s *Store) IncrementDailyCost(ctx context.Context, keyID string, cost float64, day time.Time) error {
	key := KeyDailyCostPrefix + keyID + ":" + day.UTC().Format("2006-01-02")
	pipe := s.Pipeline()
	pipe.IncrByFloat(ctx, key, cost)
	pipe.Expire(ctx, key, 30*24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// GetDailyCost reads the key's daily cost counter; absent means zero.
func (s *Store) GetDailyCost(ctx context.Context, keyID string, day time.Time) (float64, error) {
	key := KeyDailyCostPrefix + keyID + ":" + day.UTC().Format("2006-01-02")
	val, err := s.Get(ctx, key)
	if err != nil {
		if _, ok := err.(*ErrNotFound); ok {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseFloat(val, 64)
}

// IncrementWeeklyOpusCost adds to the key's weekly Opus cost counter.
func (s *Store) IncrementWeeklyOpusCost(ctx context.Context, keyID, week string, cost float64) error {
	key := KeyWeeklyOpusPrefix + keyID + ":" + week
	pipe := s.Pipeline()
	pipe.IncrByFloat(ctx, key, cost)
	pipe.Expire(ctx, key, 14*24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// GetWeeklyOpusCost reads the weekly Opus counter; absent means zero.
func (s *Store) GetWeeklyOpusCost(ctx context.Context, keyID, week string) (float64, error) {
	val, err := s.Get(ctx, KeyWeeklyOpusPrefix+keyID+":"+week)
	if err != nil {
		if _, ok := err.(*ErrNotFound); ok {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseFloat(val, 64)
}

// CompareAndDelete deletes key only if its current value equals expected.
// Returns true when the delete happened.
func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	res, err := s.Eval(ctx, compareAndDeleteScript, []string{key}, expected)
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// WindowIncrResult is the post-increment view of a rate-limit window.
type WindowIncrResult struct {
	Requests    int64
	Tokens      int64
	Cost        float64
	WindowStart int64
}

// IncrementWindow applies one request's deltas to the key's rate-limit
// window, resetting it atomically when the window has elapsed.
func (s *Store) IncrementWindow(ctx context.Context, keyID string, window time.Duration, requests, tokens int64, cost float64) (*WindowIncrResult, error) {
	keys := []string{
		KeyRateLimitWindowStart + keyID,
		KeyRateLimitRequests + keyID,
		KeyRateLimitTokens + keyID,
		KeyRateLimitCost + keyID,
	}
	res, err := s.Eval(ctx, windowIncrScript, keys,
		time.Now().Unix(),
		int64(window.Seconds()),
		requests,
		tokens,
		fmt.Sprintf("%f", cost),
	)
	if err != nil {
		return nil, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 4 {
		return nil, fmt.Errorf("unexpected window script result: %v", res)
	}
	out := &WindowIncrResult{}
	out.Requests, _ = vals[0].(int64)
	out.Tokens, _ = vals[1].(int64)
	if costStr, ok := vals[2].(string); ok {
		out.Cost, _ = strconv.ParseFloat(costStr, 64)
	}
	out.WindowStart, _ = vals[3].(int64)
	return out, nil
}

// ReadWindow returns the current window counters, treating an elapsed
// window as empty.
func (s *Store) ReadWindow(ctx context.Context, keyID string, window time.Duration) (*WindowIncrResult, error) {
	startStr, err := s.Get(ctx, KeyRateLimitWindowStart+keyID)
	if err != nil {
		if _, ok := err.(*ErrNotFound); ok {
			return &WindowIncrResult{}, nil
		}
		return nil, err
	}
	start, _ := strconv.ParseInt(startStr, 10, 64)
	if start == 0 || time.Now().Unix() >= start+int64(window.Seconds()) {
		return &WindowIncrResult{}, nil
	}
	out := &WindowIncrResult{WindowStart: start}
	if v, err := s.Get(ctx, KeyRateLimitRequests+keyID); err == nil {
		out.Requests, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, err := s.Get(ctx, KeyRateLimitTokens+keyID); err == nil {
		out.Tokens, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, err := s.Get(ctx, KeyRateLimitCost+keyID); err == nil {
		out.Cost, _ = strconv.ParseFloat(v, 64)
	}
	return out, nil
}

// TryAcquireConcurrencySlot claims one concurrency slot for keyID. Slots
// self-expire so a crashed handler cannot leak capacity.
func (s *Store) TryAcquireConcurrencySlot(ctx context.Context, keyID, requestID string, limit int, ttl time.Duration) (bool, error) {
	key := KeyConcurrency + keyID
	now := float64(time.Now().Unix())
	expiresAt := float64(time.Now().Add(ttl).Unix())
	res, err := s.Eval(ctx, concurrencyAcquireScript, []string{key},
		fmt.Sprintf("%f", now), limit, fmt.Sprintf("%f", expiresAt), requestID)
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// ReleaseConcurrencySlot frees a slot acquired by TryAcquireConcurrencySlot.
func (s *Store) ReleaseConcurrencySlot(ctx context.Context, keyID, requestID string) error {
	return s.client.ZRem(ctx, KeyConcurrency+keyID, requestID).Err()
}

// GetStickySession resolves an account id from a session hash; "" when the
// mapping is absent or expired.
func (s *Store) GetStickySession(ctx context.Context, sessionHash string) (string, error) {
	val, err := s.Get(ctx, KeySessionPrefix+sessionHash)
	if err != nil {
		if _, ok := err.(*ErrNotFound); ok {
			return "", nil
		}
		return "", err
	}
	return val, nil
}

// SetStickySession binds a session hash to an account for ttl.
func (s *Store) SetStickySession(ctx context.Context, sessionHash, accountID string, ttl time.Duration) error {
	return s.Set(ctx, KeySessionPrefix+sessionHash, accountID, ttl)
}

// DeleteStickySession drops a session binding.
func (s *Store) DeleteStickySession(ctx context.Context, sessionHash string) error {
	return s.Del(ctx, KeySessionPrefix+sessionHash)
}
