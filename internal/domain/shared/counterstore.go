package shared

import (
	"context"
	"time"
)

// CounterStore is the contract for the shared atomic counting cache backing
// rate limiting and interim usage totals. Implementations must guarantee that
// Increment operations are atomic: two concurrent increments of the same key
// never lose an update.
type CounterStore interface {
	// IncrementWithTTL atomically increments the integer value at key and
	// returns the value after the increment. When the increment creates the
	// key (returned count == 1), the key's expiration is set to ttl.
	// A crash between increment and expire leaves a longer-lived key, never
	// an undercounted one.
	IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// IncrementByWithTTL is IncrementWithTTL with an arbitrary positive
	// delta, still a single atomic operation.
	IncrementByWithTTL(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Get returns the current integer value at key. Missing keys return 0.
	Get(ctx context.Context, key string) (int64, error)

	// ScanKeys iterates over keys matching pattern using a non-blocking
	// cursor, fetching at most batchSize keys per page, and invokes fn for
	// each key. Returning an error from fn stops the scan.
	ScanKeys(ctx context.Context, pattern string, batchSize int64, fn func(key string) error) error

	// Delete removes a key. Used by operational tooling only; the core never
	// deletes usage counters before aggregation.
	Delete(ctx context.Context, key string) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}
