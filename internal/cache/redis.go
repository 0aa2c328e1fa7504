// Package cache is the Redis working-set and search-result cache. All
// of it is advisory: the durable store stays authoritative, and every
// caller treats cache failures as degraded, not fatal.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/KafClaw/membank/internal/config"
	"github.com/KafClaw/membank/internal/store"
)

// ErrCache wraps any cache-layer failure. Callers log it at warning
// and carry on.
var ErrCache = errors.New("cache error")

const counterTTL = 24 * time.Hour

// Redis holds the shared cache client and TTL policy.
type Redis struct {
	rdb            *redis.Client
	workingSetTTL  time.Duration
	workingSetMax  int
	searchCacheTTL time.Duration
}

// New connects and verifies the Redis client.
func New(ctx context.Context, s *config.Settings) (*Redis, error) {
	opts, err := redis.ParseURL(s.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{
		rdb:            client,
		workingSetTTL:  s.WorkingSetExpiry(),
		workingSetMax:  s.WorkingSetMax,
		searchCacheTTL: s.SearchCacheExpiry(),
	}, nil
}

// Close releases the client.
func (c *Redis) Close() error {
	return c.rdb.Close()
}

// Ping verifies connectivity for health checks.
func (c *Redis) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// ── Working set ──────────────────────────────────────────────────────

func workingSetKey(tenantID, scopeID string) string {
	return "mem:ws:" + tenantID + ":" + scopeID
}

// PushWorkingSet moves the memory ID to the head of the scope's
// working set, deduplicating, trimming to the configured maximum, and
// refreshing the TTL. The four steps run in one pipeline so concurrent
// pushes to the same key cannot interleave.
func (c *Redis) PushWorkingSet(ctx context.Context, tenantID, scopeID, memoryID string) error {
	key := workingSetKey(tenantID, scopeID)
	pipe := c.rdb.TxPipeline()
	pipe.LRem(ctx, key, 0, memoryID)
	pipe.LPush(ctx, key, memoryID)
	pipe.LTrim(ctx, key, 0, int64(c.workingSetMax)-1)
	pipe.Expire(ctx, key, c.workingSetTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: push working set: %v", ErrCache, err)
	}
	return nil
}

// WorkingSet returns the scope's working set, newest first. Absence is
// an empty list, never an error.
func (c *Redis) WorkingSet(ctx context.Context, tenantID, scopeID string) ([]string, error) {
	ids, err := c.rdb.LRange(ctx, workingSetKey(tenantID, scopeID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read working set: %v", ErrCache, err)
	}
	return ids, nil
}

// ── Search cache ─────────────────────────────────────────────────────

func searchCacheKey(tenantID, scopeID, fingerprint string) string {
	return "mem:sc:" + tenantID + ":" + scopeID + ":" + fingerprint
}

// queryFingerprint derives a stable 16-hex-char digest of the query
// and its filters. Tag and kind order must not change the fingerprint.
func queryFingerprint(query string, tags, kinds []string, topK int) string {
	sortedTags := append([]string(nil), tags...)
	sort.Strings(sortedTags)
	sortedKinds := append([]string(nil), kinds...)
	sort.Strings(sortedKinds)

	raw := query + "|" + strings.Join(sortedTags, "|") + "|" +
		strings.Join(sortedKinds, "|") + "|" + strconv.Itoa(topK)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}

// CachedSearch probes the search cache. A hit increments the global
// hit counter; a clean miss increments the miss counter.
func (c *Redis) CachedSearch(ctx context.Context, tenantID, scopeID, query string, tags, kinds []string, topK int) ([]store.SearchResult, bool, error) {
	key := searchCacheKey(tenantID, scopeID, queryFingerprint(query, tags, kinds, topK))

	raw, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		c.incrCounter(ctx, "mem:stats:search_cache_misses")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: probe search cache: %v", ErrCache, err)
	}

	var results []store.SearchResult
	if err := json.Unmarshal([]byte(raw), &results); err != nil {
		return nil, false, fmt.Errorf("%w: decode cached search: %v", ErrCache, err)
	}
	c.incrCounter(ctx, "mem:stats:search_cache_hits")
	return results, true, nil
}

// StoreSearch memoizes results under the query fingerprint with the
// configured TTL.
func (c *Redis) StoreSearch(ctx context.Context, tenantID, scopeID, query string, tags, kinds []string, topK int, results []store.SearchResult) error {
	raw, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("%w: encode search results: %v", ErrCache, err)
	}
	key := searchCacheKey(tenantID, scopeID, queryFingerprint(query, tags, kinds, topK))
	if err := c.rdb.Set(ctx, key, raw, c.searchCacheTTL).Err(); err != nil {
		return fmt.Errorf("%w: fill search cache: %v", ErrCache, err)
	}
	return nil
}

// InvalidateScope deletes every cached search for the scope using an
// incremental scan so large keyspaces never block the server.
func (c *Redis) InvalidateScope(ctx context.Context, tenantID, scopeID string) error {
	pattern := searchCacheKey(tenantID, scopeID, "*")
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("%w: scan scope cache: %v", ErrCache, err)
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("%w: delete scope cache: %v", ErrCache, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// ── Counters ─────────────────────────────────────────────────────────

func (c *Redis) incrCounter(ctx context.Context, key string) {
	pipe := c.rdb.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, counterTTL)
	// Counter failures are invisible by design; stats are best-effort.
	pipe.Exec(ctx) //nolint:errcheck
}

// RecordWrite bumps the tenant's write counter.
func (c *Redis) RecordWrite(ctx context.Context, tenantID string) {
	c.incrCounter(ctx, "mem:stats:writes:"+tenantID)
}

// RecordSearch bumps the tenant's search counter.
func (c *Redis) RecordSearch(ctx context.Context, tenantID string) {
	c.incrCounter(ctx, "mem:stats:searches:"+tenantID)
}

// RecordDedupe bumps the tenant's dedupe-hit counter.
func (c *Redis) RecordDedupe(ctx context.Context, tenantID string) {
	c.incrCounter(ctx, "mem:stats:dedupes:"+tenantID)
}

// Stats returns the tenant counters plus the global cache hit/miss
// totals. Missing counters read as zero.
func (c *Redis) Stats(ctx context.Context, tenantID string) (map[string]int64, error) {
	keys := []string{
		"mem:stats:writes:" + tenantID,
		"mem:stats:searches:" + tenantID,
		"mem:stats:dedupes:" + tenantID,
		"mem:stats:search_cache_hits",
		"mem:stats:search_cache_misses",
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read stats: %v", ErrCache, err)
	}

	names := []string{"writes", "searches", "dedupes", "search_cache_hits", "search_cache_misses"}
	out := make(map[string]int64, len(names))
	for i, name := range names {
		var n int64
		if s, ok := vals[i].(string); ok {
			n, _ = strconv.ParseInt(s, 10, 64)
		}
		out[name] = n
	}
	return out, nil
}
