package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "indexer:dedup:"

// Redis is a Store backed by a shared Redis instance, for deployments where
// admission state must outlive the process. Transitions run as Lua scripts so
// the compare-and-set contract holds across processes. Terminal entries carry
// a key TTL instead of sweep-based eviction, and the store is excluded from
// checkpoints (it does not implement Snapshotter).
type Redis struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedis constructs a Redis store. An empty prefix uses the default; a zero
// retention keeps terminal entries until Redis itself evicts them.
func NewRedis(client *redis.Client, prefix string, retention time.Duration) *Redis {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix, retention: retention}
}

type redisEntry struct {
	State       string `json:"state"`
	Epoch       int64  `json:"epoch"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
}

var markPendingScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
local epoch = tonumber(ARGV[1])
if raw then
  local e = cjson.decode(raw)
  if e.state == 'pending' or e.state == 'in_flight' then
    return 0
  end
  if epoch <= tonumber(e.epoch) then
    return 0
  end
end
redis.call('SET', KEYS[1], cjson.encode({state='pending', epoch=epoch, updated_at_ms=tonumber(ARGV[2])}))
return 1
`)

var tryAdmitScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if raw then
  local e = cjson.decode(raw)
  if e.state ~= 'pending' then
    return 0
  end
  e.state = 'in_flight'
  e.updated_at_ms = tonumber(ARGV[1])
  redis.call('SET', KEYS[1], cjson.encode(e))
  return 1
end
redis.call('SET', KEYS[1], cjson.encode({state='in_flight', epoch=0, updated_at_ms=tonumber(ARGV[1])}))
return 1
`)

var releaseScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local e = cjson.decode(raw)
if e.state ~= 'in_flight' then
  return 0
end
e.state = 'pending'
e.updated_at_ms = tonumber(ARGV[1])
redis.call('SET', KEYS[1], cjson.encode(e))
return 1
`)

var markTerminalScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
local e
if raw then
  e = cjson.decode(raw)
else
  e = {epoch=0}
end
e.state = ARGV[1]
e.updated_at_ms = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('SET', KEYS[1], cjson.encode(e), 'PX', ttl)
else
  redis.call('SET', KEYS[1], cjson.encode(e))
end
return 1
`)

func (r *Redis) key(fingerprint string) string {
	return r.prefix + fingerprint
}

// MarkPending implements Store.
func (r *Redis) MarkPending(ctx context.Context, fingerprint string, epoch int64, now time.Time) (bool, error) {
	res, err := markPendingScript.Run(ctx, r.client, []string{r.key(fingerprint)}, epoch, now.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("dedup mark pending: %w", err)
	}
	return res == 1, nil
}

// TryAdmit implements Store.
func (r *Redis) TryAdmit(ctx context.Context, fingerprint string, now time.Time) (bool, error) {
	res, err := tryAdmitScript.Run(ctx, r.client, []string{r.key(fingerprint)}, now.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("dedup try admit: %w", err)
	}
	return res == 1, nil
}

// Release implements Store.
func (r *Redis) Release(ctx context.Context, fingerprint string, now time.Time) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(fingerprint)}, now.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("dedup release: %w", err)
	}
	return nil
}

// MarkDone implements Store.
func (r *Redis) MarkDone(ctx context.Context, fingerprint string, now time.Time) error {
	return r.markTerminal(ctx, fingerprint, StateDone, now)
}

// MarkFailedTerminal implements Store.
func (r *Redis) MarkFailedTerminal(ctx context.Context, fingerprint string, now time.Time) error {
	return r.markTerminal(ctx, fingerprint, StateFailedTerminal, now)
}

func (r *Redis) markTerminal(ctx context.Context, fingerprint string, state State, now time.Time) error {
	ttl := int64(0)
	if r.retention > 0 {
		ttl = r.retention.Milliseconds()
	}
	err := markTerminalScript.Run(ctx, r.client, []string{r.key(fingerprint)}, string(state), now.UnixMilli(), ttl).Err()
	if err != nil {
		return fmt.Errorf("dedup mark %s: %w", state, err)
	}
	return nil
}

// Contains implements Store.
func (r *Redis) Contains(ctx context.Context, fingerprint string) (State, bool, error) {
	raw, err := r.client.Get(ctx, r.key(fingerprint)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dedup contains: %w", err)
	}
	var entry redisEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return "", false, fmt.Errorf("dedup decode entry: %w", err)
	}
	return State(entry.State), true, nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, fingerprint string) error {
	if err := r.client.Del(ctx, r.key(fingerprint)).Err(); err != nil {
		return fmt.Errorf("dedup delete: %w", err)
	}
	return nil
}

// EvictExpired implements Store. Redis key TTLs already age terminal entries
// out, so an explicit sweep has nothing to do.
func (r *Redis) EvictExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Len implements Store by scanning the key prefix.
func (r *Redis) Len(ctx context.Context) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 512).Result()
		if err != nil {
			return 0, fmt.Errorf("dedup scan: %w", err)
		}
		total += len(keys)
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}
