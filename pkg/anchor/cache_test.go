package anchor

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedLedgerCachesOnlyConfirmed(t *testing.T) {
	ctx := context.Background()
	inner := &fakeLedger{states: map[string]*LedgerState{
		"bitcoin/done": {Chain: "bitcoin", TransactionReference: "done", Confirmed: true, RootHash: "aa"},
	}}
	l := NewCachedLedger(inner, NewMemoryStateCache(), time.Minute)

	for i := 0; i < 3; i++ {
		st, err := l.State(ctx, "bitcoin", "done")
		require.NoError(t, err)
		assert.True(t, st.Confirmed)
	}
	assert.Equal(t, 1, inner.calls)

	for i := 0; i < 2; i++ {
		_, err := l.State(ctx, "bitcoin", "waiting")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, inner.calls, "unconfirmed states are always re-read")
}

func TestMemoryStateCacheExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryStateCache()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "k", &LedgerState{Confirmed: true}, time.Minute))
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStateCache(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	defer client.Close()

	cache := NewRedisStateCache(client)
	key := "ecocert:test:" + time.Now().Format(time.RFC3339Nano)
	defer client.Del(ctx, key)

	_, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, key, &LedgerState{Chain: "bitcoin", Confirmed: true, RootHash: "ff"}, time.Minute))
	st, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ff", st.RootHash)
}
