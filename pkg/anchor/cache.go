package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateCache stores confirmed ledger states.
type StateCache interface {
	Get(ctx context.Context, key string) (*LedgerState, bool, error)
	Set(ctx context.Context, key string, st *LedgerState, ttl time.Duration) error
}

// CachedLedger answers from cache when it can. Only confirmed states are
// cached; a pending or missing transaction is always asked again. The TTL
// bounds how long a reorganised transaction can still read as confirmed.
type CachedLedger struct {
	next   Ledger
	cache  StateCache
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedLedger(next Ledger, cache StateCache, ttl time.Duration) *CachedLedger {
	return &CachedLedger{
		next:   next,
		cache:  cache,
		ttl:    ttl,
		logger: slog.Default().With("component", "anchor.cache"),
	}
}

func cacheKey(chain, txRef string) string {
	return fmt.Sprintf("ecocert:ledger:%s:%s", chain, txRef)
}

func (c *CachedLedger) State(ctx context.Context, chain, txRef string) (*LedgerState, error) {
	key := cacheKey(chain, txRef)
	st, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		// A broken cache must not turn into a verdict; fall through.
		c.logger.Warn("ledger cache read failed", "key", key, "error", err)
	} else if ok {
		return st, nil
	}

	st, err = c.next.State(ctx, chain, txRef)
	if err != nil {
		return nil, err
	}
	if st.Confirmed {
		if err := c.cache.Set(ctx, key, st, c.ttl); err != nil {
			c.logger.Warn("ledger cache write failed", "key", key, "error", err)
		}
	}
	return st, nil
}

// RedisStateCache keeps states in Redis as JSON.
type RedisStateCache struct {
	client *redis.Client
}

func NewRedisStateCache(client *redis.Client) *RedisStateCache {
	return &RedisStateCache{client: client}
}

func (r *RedisStateCache) Get(ctx context.Context, key string) (*LedgerState, bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var st LedgerState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false, fmt.Errorf("decode cached state %s: %w", key, err)
	}
	return &st, true, nil
}

func (r *RedisStateCache) Set(ctx context.Context, key string, st *LedgerState, ttl time.Duration) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, ttl).Err()
}

// MemoryStateCache is an in-process StateCache.
type MemoryStateCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	state   LedgerState
	expires time.Time
}

func NewMemoryStateCache() *MemoryStateCache {
	return &MemoryStateCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryStateCache) Get(_ context.Context, key string) (*LedgerState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if m.now().After(e.expires) {
		delete(m.entries, key)
		return nil, false, nil
	}
	st := e.state
	return &st, true, nil
}

func (m *MemoryStateCache) Set(_ context.Context, key string, st *LedgerState, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{state: *st, expires: m.now().Add(ttl)}
	return nil
}
