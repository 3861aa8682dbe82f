package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "orderflow:"

// ErrCacheMiss is returned by Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Cache is the key/value surface the services read through.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, key string) error
}

// releaseScript deletes the lease only while it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisCache backs the tax-rate cache and the worker lease. Keys are namespaced under keyPrefix.
type RedisCache struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisCache(redisURL string, log *zap.Logger) (*RedisCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	log.Info("redis connection established", zap.String("addr", opt.Addr), zap.Int("db", opt.DB))
	return &RedisCache{client: client, log: log}, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+key, data, expiration).Err()
}

// Get decodes the JSON stored under key into dest.
func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, keyPrefix+key).Err()
}

// Acquire takes the lease for owner unless someone else holds it.
func (c *RedisCache) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, keyPrefix+key, owner, ttl).Result()
}

// Release drops the lease if owner still holds it. A lease that expired and was taken over
// by another worker is left alone.
func (c *RedisCache) Release(ctx context.Context, key, owner string) error {
	released, err := releaseScript.Run(ctx, c.client, []string{keyPrefix + key}, owner).Int()
	if err != nil {
		return err
	}
	if released == 0 {
		c.log.Warn("lease was no longer held at release", zap.String("key", key), zap.String("owner", owner))
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// GetOrSet reads key through the cache, calling fn and storing its result on a miss. A cache
// that errors is bypassed rather than failing the read.
func GetOrSet[T any](c Cache, ctx context.Context, key string, expiration time.Duration, fn func() (T, error)) (T, error) {
	var result T
	if err := c.Get(ctx, key, &result); err == nil {
		return result, nil
	}

	result, err := fn()
	if err != nil {
		return result, err
	}
	_ = c.Set(ctx, key, result, expiration)
	return result, nil
}
