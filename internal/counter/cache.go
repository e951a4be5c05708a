// Package counter is the low-latency usage counter keyed by tenant, user
// and billing period. It backs the admission fast path; the relational
// ledger stays authoritative.
package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tokengate/internal/config"
	"go.uber.org/fx"
)

// Increment and stamp the expiry in one round trip. PTTL < 0 means the key
// is new (or lost its expiry), so the TTL lands exactly once per period key.
const incrementScript = `
local total = redis.call("INCRBY", KEYS[1], ARGV[1])
if redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return total
`

type Cache struct {
	client *redis.Client
	script *redis.Script
	ttl    time.Duration
}

type CacheParam struct {
	fx.In

	Client *redis.Client
	Config config.Config
}

func NewCache(p CacheParam) *Cache {
	return &Cache{
		client: p.Client,
		script: redis.NewScript(incrementScript),
		ttl:    p.Config.CounterTTL,
	}
}

// Increment atomically adds delta to the key and returns the new total.
func (c *Cache) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	if c == nil || c.client == nil {
		return 0, errors.New("counter cache not configured")
	}
	if key == "" {
		return 0, errors.New("counter key is empty")
	}

	total, err := c.script.Run(ctx, c.client, []string{key}, delta, c.ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, err
	}
	return total, nil
}

// Get returns the current total for the key. The second return is false on
// a cold key, which callers treat as a cache miss rather than zero usage.
func (c *Cache) Get(ctx context.Context, key string) (int64, bool, error) {
	if c == nil || c.client == nil {
		return 0, false, errors.New("counter cache not configured")
	}

	total, err := c.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return total, true, nil
}

const periodLayout = "2006-01"

// TenantKey builds the tenant counter key for the calendar month of at.
func TenantKey(tenantID string, at time.Time) string {
	return fmt.Sprintf("tenant:%s:tokens:%s", tenantID, at.UTC().Format(periodLayout))
}

// UserKey builds the per-user counter key for the calendar month of at.
func UserKey(tenantID, userID string, at time.Time) string {
	return fmt.Sprintf("tenant:%s:user:%s:tokens:%s", tenantID, userID, at.UTC().Format(periodLayout))
}

var Module = fx.Module("counter",
	fx.Provide(NewCache),
)
