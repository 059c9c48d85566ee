// Package rediscache keeps tracking views and the shared carrier call budget
// in Redis.
package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every key this service writes.
const keyPrefix = "rmatrack:"

// Connect opens the client shared by ViewCache and CarrierLimiter. The
// caller owns it and closes it on shutdown.
func Connect(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

// ViewCache stores serialized tracking views. It implements cache.BytesCache.
type ViewCache struct {
	c *redis.Client
}

func NewViewCache(c *redis.Client) *ViewCache {
	return &ViewCache{c: c}
}

func (v *ViewCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := v.c.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "redis get view")
	}
	return val, true, nil
}

func (v *ViewCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := v.c.Set(ctx, keyPrefix+key, value, ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set view")
	}
	return nil
}

// Delete drops views after a write. Unlink frees memory off the request path.
func (v *ViewCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = keyPrefix + k
	}
	if err := v.c.Unlink(ctx, full...).Err(); err != nil {
		return errors.Wrap(err, "redis unlink views")
	}
	return nil
}

func (v *ViewCache) Ping(ctx context.Context) error {
	return errors.Wrap(v.c.Ping(ctx).Err(), "redis ping")
}
