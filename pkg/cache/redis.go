package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanBatchSize bounds one SCAN page during pattern deletion.
const scanBatchSize = 256

// Redis is the go-redis backed cache.
type Redis struct {
	client     *redis.Client
	defaultTTL time.Duration
	logger     *slog.Logger
}

var _ Cache = (*Redis)(nil)

// NewRedis connects to the URL (redis://...) and probes the server. A
// failed probe is logged, not fatal: the server may come up later and every
// operation is best-effort anyway.
func NewRedis(url string, defaultTTL time.Duration, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}

	client := redis.NewClient(opts)
	r := &Redis{
		client:     client,
		defaultTTL: defaultTTL,
		logger:     logger.With("component", "redis_cache"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		r.logger.Warn("redis not reachable, operating degraded", "error", err)
	}
	return r, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("cache get failed", "key", key, "error", err)
		}
		return nil, false
	}
	return data, true
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

func (r *Redis) Del(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		r.logger.Warn("cache del failed", "keys", keys, "error", err)
	}
}

// DelPattern walks the keyspace with SCAN and deletes matches in batches.
// KEYS would block the server on large keyspaces.
func (r *Redis) DelPattern(ctx context.Context, pattern string) {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			r.logger.Warn("cache scan failed", "pattern", pattern, "error", err)
			return
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				r.logger.Warn("cache del failed", "pattern", pattern, "error", err)
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

func (r *Redis) Exists(ctx context.Context, key string) bool {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		r.logger.Warn("cache exists failed", "key", key, "error", err)
		return false
	}
	return n > 0
}

func (r *Redis) GetTTL(ctx context.Context, key string) (time.Duration, bool) {
	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		r.logger.Warn("cache ttl failed", "key", key, "error", err)
		return 0, false
	}
	// Negative answers mean absent (-2) or no expiry (-1).
	if ttl <= 0 {
		return 0, false
	}
	return ttl, true
}

func (r *Redis) UpdateTTL(ctx context.Context, key string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	ok, err := r.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		r.logger.Warn("cache expire failed", "key", key, "error", err)
		return false
	}
	return ok
}

// Close releases the client connections.
func (r *Redis) Close() error {
	return r.client.Close()
}
