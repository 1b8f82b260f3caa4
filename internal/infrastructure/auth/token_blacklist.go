package auth

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBlacklist revokes JWTs before their natural expiry. Single tokens are
// revoked by JTI; a whole credential's outstanding sessions are revoked by
// recording an invalidation timestamp that gates every earlier-issued token.
type TokenBlacklist interface {
	// AddToBlacklist revokes one token by JTI. The ttl should match the
	// token's remaining lifetime so the entry expires with it.
	AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error

	// IsBlacklisted reports whether a JTI has been revoked.
	IsBlacklisted(ctx context.Context, jti string) (bool, error)

	// AddCredentialTokensToBlacklist revokes every token the credential
	// currently holds, typically on key rotation.
	AddCredentialTokensToBlacklist(ctx context.Context, credentialID string, ttl time.Duration) error

	// IsCredentialTokenInvalidated reports whether a token issued at the
	// given time predates a credential-wide revocation.
	IsCredentialTokenInvalidated(ctx context.Context, credentialID string, tokenIssuedAt time.Time) (bool, error)
}

// RedisTokenBlacklistConfig holds connection settings for the blacklist store.
type RedisTokenBlacklistConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// RedisTokenBlacklist is the production TokenBlacklist. Entries carry a TTL
// so revocations clean themselves up once the tokens they cover expire.
type RedisTokenBlacklist struct {
	client    *redis.Client
	keyPrefix string
}

var _ TokenBlacklist = (*RedisTokenBlacklist)(nil)

// NewRedisTokenBlacklist connects to Redis and verifies reachability.
func NewRedisTokenBlacklist(cfg RedisTokenBlacklistConfig) (*RedisTokenBlacklist, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 3,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis for token blacklist: %w", err)
	}

	return &RedisTokenBlacklist{
		client:    client,
		keyPrefix: "token:blacklist:",
	}, nil
}

func (b *RedisTokenBlacklist) jtiKey(jti string) string {
	return b.keyPrefix + "jti:" + jti
}

func (b *RedisTokenBlacklist) credentialKey(credentialID string) string {
	return b.keyPrefix + "credential:" + credentialID
}

func (b *RedisTokenBlacklist) AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error {
	if err := b.client.Set(ctx, b.jtiKey(jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to add token to blacklist: %w", err)
	}
	return nil
}

func (b *RedisTokenBlacklist) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	exists, err := b.client.Exists(ctx, b.jtiKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token blacklist: %w", err)
	}
	return exists > 0, nil
}

func (b *RedisTokenBlacklist) AddCredentialTokensToBlacklist(ctx context.Context, credentialID string, ttl time.Duration) error {
	// The stored Unix timestamp is the revocation point. Tokens issued at or
	// before it are rejected.
	err := b.client.Set(ctx, b.credentialKey(credentialID), time.Now().Unix(), ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to invalidate credential tokens: %w", err)
	}
	return nil
}

func (b *RedisTokenBlacklist) IsCredentialTokenInvalidated(ctx context.Context, credentialID string, tokenIssuedAt time.Time) (bool, error) {
	val, err := b.client.Get(ctx, b.credentialKey(credentialID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check credential token invalidation: %w", err)
	}

	invalidationTime, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, fmt.Errorf("failed to parse invalidation timestamp: %w", err)
	}

	return tokenIssuedAt.Unix() <= invalidationTime, nil
}

// Close releases the Redis connection pool.
func (b *RedisTokenBlacklist) Close() error {
	return b.client.Close()
}

// InMemoryTokenBlacklist backs tests and single-instance development setups.
// It does not share revocations across instances.
type InMemoryTokenBlacklist struct {
	mu                          sync.RWMutex
	jtiBlacklist                map[string]time.Time
	credentialInvalidationTimes map[string]time.Time
}

var _ TokenBlacklist = (*InMemoryTokenBlacklist)(nil)

// NewInMemoryTokenBlacklist creates an empty in-memory blacklist.
func NewInMemoryTokenBlacklist() *InMemoryTokenBlacklist {
	return &InMemoryTokenBlacklist{
		jtiBlacklist:                make(map[string]time.Time),
		credentialInvalidationTimes: make(map[string]time.Time),
	}
}

func (b *InMemoryTokenBlacklist) AddToBlacklist(_ context.Context, jti string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jtiBlacklist[jti] = time.Now().Add(ttl)
	return nil
}

func (b *InMemoryTokenBlacklist) IsBlacklisted(_ context.Context, jti string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	expiration, exists := b.jtiBlacklist[jti]
	if !exists {
		return false, nil
	}
	if time.Now().After(expiration) {
		delete(b.jtiBlacklist, jti)
		return false, nil
	}
	return true, nil
}

func (b *InMemoryTokenBlacklist) AddCredentialTokensToBlacklist(_ context.Context, credentialID string, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credentialInvalidationTimes[credentialID] = time.Now()
	return nil
}

func (b *InMemoryTokenBlacklist) IsCredentialTokenInvalidated(_ context.Context, credentialID string, tokenIssuedAt time.Time) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	invalidationTime, exists := b.credentialInvalidationTimes[credentialID]
	if !exists {
		return false, nil
	}
	// UnixNano keeps sub-second precision for back-to-back issue and revoke.
	return tokenIssuedAt.UnixNano() <= invalidationTime.UnixNano(), nil
}
