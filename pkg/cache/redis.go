package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/illmade-knight/go-imagefetch/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	CacheTTL  time.Duration
	KeyPrefix string
	// WriteTimeout bounds the background write-back of fetched bytes.
	WriteTimeout time.Duration
}

// NewRedisConfigDefaults returns a RedisConfig for addr with sensible defaults.
func NewRedisConfigDefaults(addr string) *RedisConfig {
	return &RedisConfig{
		Addr:         addr,
		CacheTTL:     time.Hour,
		KeyPrefix:    "imagefetch:",
		WriteTimeout: 10 * time.Second,
	}
}

// RedisOption configures a RedisBlobCache.
type RedisOption func(*RedisBlobCache)

// WithBlobValidator only mirrors bodies for which validate returns nil.
// Rejected bodies are still returned to the caller.
func WithBlobValidator(validate func(body []byte) error) RedisOption {
	return func(c *RedisBlobCache) { c.validate = validate }
}

// RedisBlobCache mirrors raw image bytes in Redis in front of a fallback
// Fetcher, so several processes share one origin download. It implements
// types.Fetcher and holds undecoded bytes only; decoded images always live in
// the process-local store.
type RedisBlobCache struct {
	redisClient  *redis.Client
	logger       zerolog.Logger
	ttl          time.Duration
	prefix       string
	writeTimeout time.Duration
	fallback     types.Fetcher
	validate     func(body []byte) error
	wg           sync.WaitGroup

	// pending holds the completion channel of the latest background write
	// per key. Invalidate waits on it so a delete is never overtaken.
	mu      sync.Mutex
	pending map[types.Key]chan struct{}
}

// NewRedisBlobCache creates and connects a new RedisBlobCache.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisBlobCache(
	ctx context.Context,
	cfg *RedisConfig,
	fallback types.Fetcher,
	logger zerolog.Logger,
	opts ...RedisOption,
) (*RedisBlobCache, error) {
	if fallback == nil {
		return nil, errors.New("redis blob cache requires a fallback fetcher")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	c := &RedisBlobCache{
		redisClient:  rdb,
		logger:       logger.With().Str("component", "RedisBlobCache").Logger(),
		ttl:          cfg.CacheTTL,
		prefix:       cfg.KeyPrefix,
		writeTimeout: writeTimeout,
		fallback:     fallback,
		pending:      make(map[types.Key]chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Fetch returns the bytes for key. It first checks Redis. On a miss it asks
// the fallback, writes successful bodies back to Redis in the background and
// returns the fallback's response unchanged. A Redis failure other than a
// miss is logged and treated as a miss so the origin stays reachable.
func (c *RedisBlobCache) Fetch(ctx context.Context, key types.Key) (*types.Response, error) {
	// 1. Try to fetch from Redis
	body, err := c.redisClient.Get(ctx, c.redisKey(key)).Bytes()
	if err == nil {
		c.logger.Debug().Str("key", key.String()).Msg("Redis cache hit.")
		return &types.Response{Body: body, StatusCode: http.StatusOK}, nil
	}
	if !errors.Is(err, redis.Nil) {
		c.logger.Error().Err(err).Str("key", key.String()).Msg("Unexpected Redis error during fetch, falling back to origin.")
	}

	// 2. Fallback to the source Fetcher
	resp, err := c.fallback.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || len(resp.Body) == 0 {
		return resp, nil
	}
	if c.validate != nil {
		if err := c.validate(resp.Body); err != nil {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("Origin body rejected, not mirroring to Redis.")
			return resp, nil
		}
	}

	// 3. Write the body back to Redis in the background.
	// This avoids blocking the fetch path on the cache write.
	done := make(chan struct{})
	c.mu.Lock()
	c.pending[key] = done
	c.mu.Unlock()

	c.wg.Add(1)
	go func(body []byte) {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			if c.pending[key] == done {
				delete(c.pending, key)
			}
			c.mu.Unlock()
			close(done)
		}()
		writeCtx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		defer cancel()
		if writeErr := c.write(writeCtx, key, body); writeErr != nil {
			c.logger.Error().Err(writeErr).Str("key", key.String()).Msg("Failed to write to cache in background.")
		}
	}(resp.Body)

	return resp, nil
}

// Invalidate removes the mirrored bytes for key. A background write for key
// still in progress is waited for first.
func (c *RedisBlobCache) Invalidate(ctx context.Context, key types.Key) error {
	c.mu.Lock()
	done := c.pending[key]
	c.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for pending redis write: %w", ctx.Err())
		}
	}
	if err := c.redisClient.Del(ctx, c.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// Flush waits for pending background writes to finish.
func (c *RedisBlobCache) Flush() {
	c.wg.Wait()
}

// write is an unexported method to set the bytes in Redis with the configured TTL.
func (c *RedisBlobCache) write(ctx context.Context, key types.Key, body []byte) error {
	if err := c.redisClient.Set(ctx, c.redisKey(key), body, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	c.logger.Debug().Str("key", key.String()).Int("bytes", len(body)).Msg("Successfully stored data in Redis cache.")
	return nil
}

func (c *RedisBlobCache) redisKey(key types.Key) string {
	return c.prefix + key.String()
}

// Close waits for background writes and closes the Redis client connection.
func (c *RedisBlobCache) Close() error {
	c.wg.Wait()
	if c.redisClient != nil {
		c.logger.Info().Msg("Closing Redis client connection...")
		return c.redisClient.Close()
	}
	return nil
}
