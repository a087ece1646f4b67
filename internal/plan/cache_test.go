package plan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, CacheOptions{Prefix: "test:", TTL: time.Hour}, nil), mr
}

func TestCache_MissThenHit(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	first, hit, err := c.GetOrAnnotate(ctx, sample(), []string{"because"}, "brief")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.True(t, mr.Exists("test:plan:"+first.PlanHash))

	stored, err := mr.Get("test:plan:" + first.PlanHash)
	require.NoError(t, err)
	assert.NotContains(t, stored, first.PlanID)

	second, hit, err := c.GetOrAnnotate(ctx, sample(), []string{"because"}, "brief")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, first.PlanHash, second.PlanHash)
	assert.Equal(t, first.Confidence, second.Confidence)
	assert.Equal(t, first.Rationales, second.Rationales)
	assert.NotEqual(t, first.PlanID, second.PlanID)
	assert.NotEmpty(t, second.PlanID)

	ttl := mr.TTL("test:plan:" + first.PlanHash)
	assert.Equal(t, time.Hour, ttl)
}

func TestCache_RedisDownFallsBackToFreshAnnotation(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()

	a, hit, err := c.GetOrAnnotate(context.Background(), sample(), nil)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Len(t, a.PlanHash, 64)
}

func TestCache_ConcurrentMissesStoreOnce(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, _, err := c.GetOrAnnotate(ctx, sample(), nil)
			assert.NoError(t, err)
			ids[i] = a.PlanID
		}(i)
	}
	wg.Wait()

	assert.Len(t, mr.Keys(), 1)
	seen := map[string]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "plan id reused")
		seen[id] = true
	}
}

func TestCache_Invalidate(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	a, _, err := c.GetOrAnnotate(ctx, sample(), nil)
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, a.PlanHash))
	assert.False(t, mr.Exists("test:plan:"+a.PlanHash))

	var nilCache *Cache
	_, hit, err := nilCache.GetOrAnnotate(ctx, sample(), nil)
	assert.NoError(t, err)
	assert.False(t, hit)
}
