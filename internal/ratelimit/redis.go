package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"relay-proxy-go/internal/config"
)

// fixedWindowScript counts a hit and starts the window on the first one.
// KEYS[1] = counter key
// ARGV[1] = window length in milliseconds
var fixedWindowScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// opTimeout bounds a single store round trip so a slow redis cannot stall requests.
const opTimeout = 250 * time.Millisecond

// RedisStore is a fixed-window counter shared by every proxy instance that
// points at the same redis. It implements echo's RateLimiterStore.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	limit  int64
	window time.Duration
	logger *slog.Logger
}

// NewRedisClient creates a client for the configured redis.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	})
}

// NewRedisStore creates a RedisStore over client.
func NewRedisStore(client redis.UniversalClient, cfg config.RateLimitConfig, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: cfg.Redis.Prefix,
		limit:  int64(cfg.Requests),
		window: time.Duration(cfg.WindowSeconds) * time.Second,
		logger: logger.With("component", "ratelimit_redis"),
	}
}

// Allow counts a request for identifier and reports whether it is within budget.
// Store errors are logged and the request is allowed.
func (s *RedisStore) Allow(identifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	n, err := s.hit(ctx, identifier)
	if err != nil {
		s.logger.Warn("rate limit store unavailable, allowing request",
			"err", err,
			"identifier", identifier,
		)
		return true, nil
	}
	return n <= s.limit, nil
}

func (s *RedisStore) hit(ctx context.Context, identifier string) (int64, error) {
	n, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + identifier}, s.window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis fixed window: %w", err)
	}
	return n, nil
}

// Ping checks that redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
