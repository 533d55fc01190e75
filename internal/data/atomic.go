package data

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"RelayGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// Sliding-window scripts. Every operation that reads shared state and then
// writes it runs server-side as one atomic unit: a plain read-compare-write
// sequence from Go would race against other gateway instances and let limits
// be exceeded. All timestamps and TTLs are in milliseconds.

// cleanupAndCountLua removes entries older than now-ttl and returns the
// surviving count.
//
// KEYS[1] = window key. ARGV[1] = now (ms), ARGV[2] = ttl (ms).
const cleanupAndCountLua = `
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - ttl)
return redis.call('ZCARD', KEYS[1])
`

// checkAndTrackLua is the single-window admit primitive: cleanup, then check
// membership. An existing member counts as already-admitted (idempotent
// upsert, never a second slot). A non-member is rejected without mutation
// when the window is full; otherwise it is upserted and the key expiry is
// refreshed to max(1h, ttl) so an idle window cannot outlive its members
// forever.
//
// KEYS[1] = window key.
// ARGV[1] = member id, ARGV[2] = limit, ARGV[3] = now (ms), ARGV[4] = ttl (ms).
// Returns {allowed (0|1), count, newly_tracked (0|1)}.
const checkAndTrackLua = `
local key = KEYS[1]
local member = ARGV[1]
local limit = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - ttl)
local count = redis.call('ZCARD', key)

local expiry = ttl
if expiry < 3600000 then
  expiry = 3600000
end

if redis.call('ZSCORE', key, member) then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, expiry)
  return {1, count, 0}
end

if limit > 0 and count >= limit then
  return {0, count, 0}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, expiry)
return {1, count + 1, 1}
`

// admitScopesLua is the multi-scope admit: clean every scope window, read the
// session's membership in each, evaluate limits in KEYS order (narrowest
// first), and only if every scope passes upsert the session into all windows.
// A rejection mutates nothing.
//
// Self-heal is one-directional: membership in a scope window, or in any
// narrower one (lower KEYS index), counts as already-admitted for that
// scope's limit check. This covers the partial-write case where a session is
// present in the key window but missing from the user window: it was already
// let through once and must not be blocked on re-admission. Presence in only
// a broader window excuses nothing; the narrower limits still apply.
//
// KEYS[1..n] = scope window keys, narrowest scope first.
// ARGV[1] = session id, ARGV[2] = now (ms), ARGV[3] = ttl (ms),
// ARGV[4..3+n] = per-scope limits (<= 0 means unlimited).
// Returns {allowed (0|1), rejected_index (1-based, 0 if allowed), counts...}
// where counts exclude the session's own prior admission.
const admitScopesLua = `
local member = ARGV[1]
local now = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local n = #KEYS

local counts = {}
local present = {}
for i = 1, n do
  redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', now - ttl)
  local c = redis.call('ZCARD', KEYS[i])
  if redis.call('ZSCORE', KEYS[i], member) then
    present[i] = true
    c = c - 1
  end
  counts[i] = c
end

local admitted = false
for i = 1, n do
  if present[i] then
    admitted = true
  end
  if not admitted then
    local limit = tonumber(ARGV[3 + i])
    if limit > 0 and counts[i] >= limit then
      local res = {0, i}
      for j = 1, n do
        res[2 + j] = counts[j]
      end
      return res
    end
  end
end

local expiry = ttl
if expiry < 3600000 then
  expiry = 3600000
end
for i = 1, n do
  redis.call('ZADD', KEYS[i], now, member)
  redis.call('PEXPIRE', KEYS[i], expiry)
end

local res = {1, 0}
for j = 1, n do
  res[2 + j] = counts[j]
end
return res
`

// appendAndSumLua evicts stale cost samples, appends the new one, and returns
// the surviving sum. The fallback expiry is twice the logical window so the
// key is still bounded if cleanup is ever skipped. The sum is returned as a
// string: Redis truncates Lua numbers to integers in numeric replies.
//
// KEYS[1] = cost window key.
// ARGV[1] = now (ms), ARGV[2] = window (ms), ARGV[3] = amount,
// ARGV[4] = dedupe token ("" to omit).
const appendAndSumLua = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local amount = ARGV[3]
local token = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local memberName
if token ~= '' then
  memberName = now .. ':' .. token .. ':' .. amount
else
  memberName = now .. ':' .. amount
end
redis.call('ZADD', key, now, memberName)
redis.call('PEXPIRE', key, window * 2)

local sum = 0
for _, m in ipairs(redis.call('ZRANGE', key, 0, -1)) do
  sum = sum + (tonumber(string.match(m, '([^:]+)$')) or 0)
end
return tostring(sum)
`

// cleanupAndSumLua is the read-only variant of appendAndSumLua: evict, then
// sum, appending nothing.
//
// KEYS[1] = cost window key. ARGV[1] = now (ms), ARGV[2] = window (ms).
const cleanupAndSumLua = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local sum = 0
for _, m in ipairs(redis.call('ZRANGE', key, 0, -1)) do
  sum = sum + (tonumber(string.match(m, '([^:]+)$')) or 0)
end
return tostring(sum)
`

var (
	cleanupAndCountScript = redis.NewScript(cleanupAndCountLua)
	checkAndTrackScript   = redis.NewScript(checkAndTrackLua)
	admitScopesScript     = redis.NewScript(admitScopesLua)
	appendAndSumScript    = redis.NewScript(appendAndSumLua)
	cleanupAndSumScript   = redis.NewScript(cleanupAndSumLua)
)

// TrackResult is the outcome of a single-window CheckAndTrack.
type TrackResult struct {
	Allowed      bool
	Count        int64
	NewlyTracked bool
}

// AtomicCounterStore executes the sliding-window primitives server-side
// against Redis. Script.Run uses EVALSHA with an EVAL fallback, so the Lua
// source is only shipped once per script per Redis instance.
type AtomicCounterStore struct {
	rdb    *redis.Client
	logger *log.Helper
}

// NewAtomicCounterStore creates a new atomic counter store.
func NewAtomicCounterStore(rdb *redis.Client, logger log.Logger) *AtomicCounterStore {
	return &AtomicCounterStore{
		rdb:    rdb,
		logger: log.NewHelper(logger),
	}
}

// CleanupAndCount removes entries older than now-ttl from the window and
// returns the surviving count.
func (s *AtomicCounterStore) CleanupAndCount(ctx context.Context, key string, now time.Time, ttl time.Duration) (int64, error) {
	if s.rdb == nil {
		return 0, fmt.Errorf("redis client is nil")
	}

	count, err := cleanupAndCountScript.Run(ctx, s.rdb,
		[]string{key}, now.UnixMilli(), ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("cleanup and count %s: %w", key, err)
	}
	return count, nil
}

// CheckAndTrack atomically admits memberID into a single window, or rejects
// it without mutation when the window is at its limit. A repeated call for
// the same member refreshes its timestamp and never consumes a second slot.
func (s *AtomicCounterStore) CheckAndTrack(ctx context.Context, key, memberID string, limit int32, now time.Time, ttl time.Duration) (*TrackResult, error) {
	if s.rdb == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	raw, err := checkAndTrackScript.Run(ctx, s.rdb,
		[]string{key}, memberID, limit, now.UnixMilli(), ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("check and track %s: %w", key, err)
	}
	if len(raw) != 3 {
		return nil, fmt.Errorf("check and track %s: unexpected reply length %d", key, len(raw))
	}

	return &TrackResult{
		Allowed:      raw[0] == 1,
		Count:        raw[1],
		NewlyTracked: raw[2] == 1,
	}, nil
}

// AdmitScopes runs the multi-scope check-and-track across all scope windows
// in one script invocation. Scopes must be ordered narrowest first; that is
// the order limits are evaluated in.
func (s *AtomicCounterStore) AdmitScopes(ctx context.Context, scopes []model.ScopeSpec, sessionID string, now time.Time, ttl time.Duration) (*model.AdmissionDecision, error) {
	if s.rdb == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if len(scopes) == 0 {
		return nil, fmt.Errorf("admit scopes: no scopes given")
	}

	keys := make([]string, 0, len(scopes))
	args := make([]interface{}, 0, 3+len(scopes))
	args = append(args, sessionID, now.UnixMilli(), ttl.Milliseconds())
	for _, sc := range scopes {
		keys = append(keys, SessionWindowKey(sc.Scope, sc.ID))
	}
	for _, sc := range scopes {
		args = append(args, sc.Limit)
	}

	raw, err := admitScopesScript.Run(ctx, s.rdb, keys, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("admit scopes for session %s: %w", sessionID, err)
	}
	if len(raw) != 2+len(scopes) {
		return nil, fmt.Errorf("admit scopes: unexpected reply length %d", len(raw))
	}

	out := &model.AdmissionDecision{
		Allowed: raw[0] == 1,
		Counts:  make(map[model.ScopeType]int64, len(scopes)),
	}
	if !out.Allowed {
		idx := int(raw[1]) - 1
		if idx >= 0 && idx < len(scopes) {
			out.RejectedBy = scopes[idx].Scope
		}
	}
	for i, sc := range scopes {
		out.Counts[sc.Scope] = raw[2+i]
	}
	return out, nil
}

// AppendAndSum evicts stale samples, appends (now, dedupeToken, amount) and
// returns the sum of all surviving samples in the window.
func (s *AtomicCounterStore) AppendAndSum(ctx context.Context, key string, now time.Time, window time.Duration, amount float64, dedupeToken string) (float64, error) {
	if s.rdb == nil {
		return 0, fmt.Errorf("redis client is nil")
	}

	raw, err := appendAndSumScript.Run(ctx, s.rdb, []string{key},
		now.UnixMilli(), window.Milliseconds(),
		strconv.FormatFloat(amount, 'f', -1, 64), dedupeToken).Text()
	if err != nil {
		return 0, fmt.Errorf("append and sum %s: %w", key, err)
	}

	total, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("append and sum %s: parse total %q: %w", key, raw, err)
	}
	return total, nil
}

// CleanupAndSum evicts stale samples and returns the surviving sum without
// appending anything, so a read is accurate even when nothing has written to
// the window recently.
func (s *AtomicCounterStore) CleanupAndSum(ctx context.Context, key string, now time.Time, window time.Duration) (float64, error) {
	if s.rdb == nil {
		return 0, fmt.Errorf("redis client is nil")
	}

	raw, err := cleanupAndSumScript.Run(ctx, s.rdb, []string{key},
		now.UnixMilli(), window.Milliseconds()).Text()
	if err != nil {
		return 0, fmt.Errorf("cleanup and sum %s: %w", key, err)
	}

	total, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("cleanup and sum %s: parse total %q: %w", key, raw, err)
	}
	return total, nil
}

// SessionWindowKey builds the active-session window key for a scope.
// Format: {scope}:{id}:active_sessions, or global:active_sessions.
// These names are shared state across gateway instances and must stay stable
// for rolling deploys to interoperate.
func SessionWindowKey(scope model.ScopeType, id string) string {
	if scope == model.ScopeGlobal {
		return "global:active_sessions"
	}
	return fmt.Sprintf("%s:%s:active_sessions", scope, id)
}

// CostWindowKey builds the rolling-cost window key for an entity.
// Format: {entityType}:{id}:cost_{window}_rolling, e.g.
// key:42:cost_5h_rolling or provider:7:cost_daily_rolling.
func CostWindowKey(entityType model.EntityType, id string, window model.LeaseWindow) string {
	return fmt.Sprintf("%s:%s:cost_%s_rolling", entityType, id, window)
}
