package product

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache is a read-through Redis cache for product lookups. Stock changes and
// catalog mutations evict; the ledger operations themselves never read
// through it.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewCache(addr string, ttl time.Duration, logger *slog.Logger) *Cache {
	if addr == "" {
		return nil
	}
	return &Cache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
		logger: logger,
	}
}

func cacheKey(id int64) string {
	return fmt.Sprintf("product:%d", id)
}

func (c *Cache) Get(ctx context.Context, id int64) (*Product, bool) {
	if c == nil {
		return nil, false
	}
	body, err := c.client.Get(ctx, cacheKey(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache get failed", "product_id", id, "err", err)
		}
		return nil, false
	}
	var p Product
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, false
	}
	return &p, true
}

func (c *Cache) Set(ctx context.Context, p *Product) {
	if c == nil {
		return
	}
	body, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(p.ID), body, c.ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", "product_id", p.ID, "err", err)
	}
}

func (c *Cache) Evict(ctx context.Context, id int64) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, cacheKey(id)).Err(); err != nil {
		c.logger.Warn("cache evict failed", "product_id", id, "err", err)
	}
}

func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
