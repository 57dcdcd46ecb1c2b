package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/config"
	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by read operations when the key does not exist.
var ErrCacheMiss = errors.New("cache key not found")

// RedisClient wraps the shared Redis connection used by the rate limiter,
// the brute-force lockout counters, the violation log, and the restriction
// list cache. All atomic check-and-increment operations go through Eval so
// that a single round trip decides admission.
type RedisClient struct {
	Client *redis.Client
}

func NewRedisClient(cfg config.RedisConfig) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("unable to connect to Redis: %w", err)
	}

	return &RedisClient{Client: client}, nil
}

func (r *RedisClient) Close() error {
	return r.Client.Close()
}

func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return r.Client.Set(ctx, key, value, expiration).Err()
}

// Get returns the string value of key, or ErrCacheMiss if it does not exist.
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return val, err
}

// GetInt returns the integer value of key, or 0 with no error if the key
// does not exist.
func (r *RedisClient) GetInt(ctx context.Context, key string) (int64, error) {
	val, err := r.Client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

func (r *RedisClient) Delete(ctx context.Context, keys ...string) error {
	return r.Client.Del(ctx, keys...).Err()
}

func (r *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	result, err := r.Client.Exists(ctx, key).Result()
	return result > 0, err
}

// IncrementBy atomically adds value to the counter at key, setting ttl when
// the increment created the key.
func (r *RedisClient) IncrementBy(ctx context.Context, key string, value int64, ttl time.Duration) (int64, error) {
	count, err := r.Client.IncrBy(ctx, key, value).Result()
	if err != nil {
		return 0, err
	}
	if count == value && ttl > 0 {
		if err := r.Client.Expire(ctx, key, ttl).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// Eval runs a Lua script server-side so that read-check-write sequences are
// atomic with respect to concurrent callers.
func (r *RedisClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return r.Client.Eval(ctx, script, keys, args...).Result()
}

// DeleteByPattern removes every key matching pattern using SCAN so large
// keyspaces are not blocked by a KEYS call.
func (r *RedisClient) DeleteByPattern(ctx context.Context, pattern string) error {
	iter := r.Client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.Client.Del(ctx, keys...).Err()
}
