package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// leaseCASScript performs the compare-and-swap server-side. A single EVAL
// is atomic in Redis, which is what makes this backend safe for genuine
// multi-node exclusivity.
//
// KEYS[1] = lease key
// ARGV[1] = expected epoch ("0" when no record must exist)
// ARGV[2] = new record JSON
// ARGV[3] = new record TTL in milliseconds (0 = no expiry)
var leaseCASScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
local expected = tonumber(ARGV[1])

local current = 0
if raw then
    local rec = cjson.decode(raw)
    current = tonumber(rec["epoch"])
end

if current ~= expected then
    return 0
end

if tonumber(ARGV[3]) > 0 then
    redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
else
    redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

// RedisBackend stores the lease record under one key in a Redis instance
// (or a consistently-configured cluster slot).
type RedisBackend struct {
	client *redis.Client
	key    string
}

// NewRedisBackend creates a backend for the given lease key.
func NewRedisBackend(addr, password string, db int, key string) *RedisBackend {
	return &RedisBackend{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		key:    key,
	}
}

// NewRedisBackendWithClient wraps an existing client, used in tests.
func NewRedisBackendWithClient(client *redis.Client, key string) *RedisBackend {
	return &RedisBackend{client: client, key: key}
}

func (b *RedisBackend) Strong() bool { return true }

func (b *RedisBackend) Load(ctx context.Context) (*Lease, error) {
	raw, err := b.client.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease: redis get: %w", err)
	}
	var l Lease
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("lease: corrupt redis record: %w", err)
	}
	return &l, nil
}

func (b *RedisBackend) CompareAndSwap(ctx context.Context, expectEpoch int64, next Lease) (bool, error) {
	raw, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("lease: encode record: %w", err)
	}

	// Keep vacated records around briefly so the epoch survives for the
	// next acquirer; held records outlive their expiry by the same margin
	// to let followers observe the lapse.
	ttlMillis := int64(0)
	if !next.ExpiresAt.IsZero() {
		ttlMillis = next.ExpiresAt.UnixMilli() + 60_000 - nowMillis()
		if ttlMillis < 0 {
			ttlMillis = 60_000
		}
	}

	res, err := leaseCASScript.Run(ctx, b.client, []string{b.key}, expectEpoch, string(raw), ttlMillis).Int64()
	if err != nil {
		return false, fmt.Errorf("lease: redis cas: %w", err)
	}
	return res == 1, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
