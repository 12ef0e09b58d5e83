package store

import "github.com/redis/go-redis/v9"

// compareAndDeleteScript deletes a key only when its value matches ARGV[1].
// Lock release depends on this: a stale holder whose token no longer matches
// must be a no-op.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end
`)

// windowIncrScript implements the rate-limit window counters.
// KEYS: [1]=window_start [2]=requests [3]=tokens [4]=cost
// ARGV: [1]=now(unix) [2]=windowSeconds [3]=requestDelta [4]=tokenDelta [5]=costDelta
// When now >= start+window the window is reset so the increment lands in a
// fresh window; exactly one of N concurrent callers observes the reset.
// Returns {requests, tokens, cost, windowStart}.
var windowIncrScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local start = tonumber(redis.call("get", KEYS[1]) or "0")
if start == 0 or now >= start + window then
  redis.call("set", KEYS[1], now)
  redis.call("set", KEYS[2], ARGV[3])
  redis.call("set", KEYS[3], ARGV[4])
  redis.call("set", KEYS[4], ARGV[5])
  start = now
else
  redis.call("incrby", KEYS[2], ARGV[3])
  redis.call("incrby", KEYS[3], ARGV[4])
  redis.call("incrbyfloat", KEYS[4], ARGV[5])
end
local expiry = window * 2
redis.call("expire", KEYS[1], expiry)
redis.call("expire", KEYS[2], expiry)
redis.call("expire", KEYS[3], expiry)
redis.call("expire", KEYS[4], expiry)
local reqs = tonumber(redis.call("get", KEYS[2]) or "0")
local toks = tonumber(redis.call("get", KEYS[3]) or "0")
local cost = redis.call("get", KEYS[4]) or "0"
return {reqs, toks, cost, start}
`)

// concurrencyAcquireScript sweeps expired slots, checks the limit, then
// claims a slot, all atomically. KEYS[1]=zset, ARGV: now, limit, expiresAt,
// requestID. Returns 1 on success.
var concurrencyAcquireScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('EXPIRE', KEYS[1], 330)
return 1
`)
