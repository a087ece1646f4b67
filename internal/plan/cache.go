package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/danshapiro/cee/internal/graph/model"
	"github.com/danshapiro/cee/internal/logger"
)

type CacheOptions struct {
	Prefix string        // default "cee:"
	TTL    time.Duration // 0 keeps entries forever
}

// Cache stores annotations in Redis keyed by plan_hash. It is best effort:
// Redis failures are logged and the annotation is computed directly.
type Cache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	log    *logger.Logger
	group  singleflight.Group
}

func NewCache(client redis.Cmdable, opts CacheOptions, log *logger.Logger) *Cache {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "cee:"
	}
	return &Cache{client: client, prefix: prefix, ttl: opts.TTL, log: logger.OrNop(log)}
}

func (c *Cache) key(planHash string) string {
	return fmt.Sprintf("%splan:%s", c.prefix, planHash)
}

// GetOrAnnotate returns the cached annotation for g when one exists, else
// computes and stores it. A hit always carries a fresh PlanID. Concurrent
// misses for the same hash share one computation.
func (c *Cache) GetOrAnnotate(ctx context.Context, g *model.Graph, rationales []string, requestContext ...string) (Annotation, bool, error) {
	fresh := Annotate(g, rationales, requestContext...)
	if c == nil || c.client == nil {
		return fresh, false, nil
	}
	key := c.key(fresh.PlanHash)

	v, err, _ := c.group.Do(key, func() (any, error) {
		cached, err := c.load(ctx, key)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, redis.Nil) {
			return nil, err
		}
		return nil, c.store(ctx, key, fresh)
	})
	if err != nil {
		c.log.Warn("plan cache unavailable", "plan_hash", fresh.PlanHash, "error", err)
		return fresh, false, nil
	}
	cached, ok := v.(*Annotation)
	if !ok || cached == nil {
		return fresh, false, nil
	}
	hit := *cached
	hit.PlanID = fresh.PlanID
	hit.ContextHash = fresh.ContextHash
	return hit, true, nil
}

func (c *Cache) load(ctx context.Context, key string) (*Annotation, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var a Annotation
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode cached plan: %w", err)
	}
	return &a, nil
}

func (c *Cache) store(ctx context.Context, key string, a Annotation) error {
	a.PlanID = ""
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

// Invalidate drops the entry for planHash.
func (c *Cache) Invalidate(ctx context.Context, planHash string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.key(planHash)).Err()
}
