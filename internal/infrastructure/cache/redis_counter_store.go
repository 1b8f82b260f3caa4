package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/apihub/backend/internal/domain/shared"
	"github.com/redis/go-redis/v9"
)

// defaultOpTimeout bounds every counter store round-trip so a slow cache can
// never stall the request path past the fail-open threshold.
const defaultOpTimeout = 250 * time.Millisecond

// RedisCounterStore implements CounterStore on Redis. All instances of the
// platform share one store, so counters are consistent across replicas.
type RedisCounterStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	OpTimeout time.Duration
}

// NewRedisCounterStore creates a counter store with its own Redis client and
// verifies connectivity before returning.
func NewRedisCounterStore(cfg RedisConfig) (*RedisCounterStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisCounterStoreWithClient(client, cfg.OpTimeout), nil
}

// NewRedisCounterStoreWithClient creates a store around an existing client.
// Useful for testing or when sharing a client across components.
func NewRedisCounterStoreWithClient(client *redis.Client, opTimeout time.Duration) *RedisCounterStore {
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	return &RedisCounterStore{client: client, opTimeout: opTimeout}
}

// IncrementWithTTL atomically increments key and sets its expiration when the
// increment created the key. The expire is a separate command; if it is lost
// to a crash the key merely lives longer, it never undercounts.
func (s *RedisCounterStore) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.IncrementByWithTTL(ctx, key, 1, ttl)
}

// IncrementByWithTTL is IncrementWithTTL with an arbitrary positive delta.
func (s *RedisCounterStore) IncrementByWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	count, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}

	if count == delta && ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			// Count is already durable in the store; a missed expire is a
			// stale key, not a lost update.
			return count, fmt.Errorf("failed to set expiry on counter %s: %w", key, err)
		}
	}

	return count, nil
}

// Get returns the integer value at key, or 0 when the key does not exist.
func (s *RedisCounterStore) Get(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %s: %w", key, err)
	}
	return val, nil
}

// ScanKeys iterates matching keys with SCAN so the server is never blocked
// the way KEYS would. Each cursor page carries its own timeout.
func (s *RedisCounterStore) ScanKeys(ctx context.Context, pattern string, batchSize int64, fn func(key string) error) error {
	if batchSize <= 0 {
		batchSize = 100
	}

	var cursor uint64
	for {
		pageCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		keys, next, err := s.client.Scan(pageCtx, cursor, pattern, batchSize).Result()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to scan keys matching %s: %w", pattern, err)
		}

		for _, key := range keys {
			if err := fn(key); err != nil {
				return err
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Delete removes a key.
func (s *RedisCounterStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Ping verifies the store is reachable.
func (s *RedisCounterStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisCounterStore) Close() error {
	return s.client.Close()
}

// Ensure RedisCounterStore implements CounterStore
var _ shared.CounterStore = (*RedisCounterStore)(nil)
