// Package redis provides a result cache shared across API instances.
//
// Keys are hashed with murmur3 to bound their length; the full cache key is
// stored alongside the result and compared on read, so a hash collision
// reads as a miss rather than another target's result.
package redis

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spaolacci/murmur3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/riskscan/internal/domain/scanning"
	"github.com/ahrav/riskscan/internal/infra/storage"
)

var _ scanning.ResultCache = (*Cache)(nil)

const defaultPrefix = "riskscan:result:"

type envelope struct {
	Key    string              `json:"key"`
	Result scanning.ScanResult `json:"result"`
}

// Cache stores results in Redis with native key expiry.
type Cache struct {
	rdb    redis.UniversalClient
	prefix string
	tracer trace.Tracer
}

// NewCache creates a Cache. An empty prefix selects the default namespace.
func NewCache(rdb redis.UniversalClient, prefix string, tracer trace.Tracer) *Cache {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Cache{rdb: rdb, prefix: prefix, tracer: tracer}
}

// Connect creates a client for addr and verifies it answers.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// StorageKey returns the Redis key used for a cache key.
func (c *Cache) StorageKey(key string) string {
	h1, h2 := murmur3.Sum128([]byte(key))
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(h1 >> (56 - 8*i))
		buf[8+i] = byte(h2 >> (56 - 8*i))
	}
	return c.prefix + hex.EncodeToString(buf[:])
}

// Get returns the live entry for key.
func (c *Cache) Get(ctx context.Context, key string) (scanning.ScanResult, bool, error) {
	var (
		result scanning.ScanResult
		found  bool
	)
	err := storage.ExecuteAndTrace(ctx, c.tracer, "redis.cache.get",
		[]attribute.KeyValue{attribute.String("cache.key", key)},
		func(ctx context.Context) error {
			raw, err := c.rdb.Get(ctx, c.StorageKey(key)).Bytes()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("redis get: %w", err)
			}

			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return fmt.Errorf("decoding cached result: %w", err)
			}
			if env.Key != key {
				return nil
			}
			result, found = env.Result, true
			return nil
		})
	return result, found, err
}

// PutIfAbsent stores result with SET NX so concurrent writers keep the
// first result. A non-positive ttl is never stored.
func (c *Cache) PutIfAbsent(ctx context.Context, key string, result scanning.ScanResult, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}

	var stored bool
	err := storage.ExecuteAndTrace(ctx, c.tracer, "redis.cache.put_if_absent",
		[]attribute.KeyValue{
			attribute.String("cache.key", key),
			attribute.String("cache.ttl", ttl.String()),
		},
		func(ctx context.Context) error {
			raw, err := json.Marshal(envelope{Key: key, Result: result})
			if err != nil {
				return fmt.Errorf("encoding result: %w", err)
			}
			ok, err := c.rdb.SetNX(ctx, c.StorageKey(key), raw, ttl).Result()
			if err != nil {
				return fmt.Errorf("redis setnx: %w", err)
			}
			stored = ok
			return nil
		})
	return stored, err
}
