// Package ratelimit implements the synchronous usage-control decision layer.
// All counting is delegated to the shared CounterStore; the package holds no
// in-process mutable counters.
package ratelimit

import (
	"fmt"
	"time"
)

// Strategy identifies an independent limiting dimension.
type Strategy string

const (
	// StrategySourceAddress limits by client IP, independent of identity.
	StrategySourceAddress Strategy = "source-address"
	// StrategyTenant limits by tenant according to the tenant's plan.
	StrategyTenant Strategy = "tenant"
	// StrategyCredential limits by issued API credential.
	StrategyCredential Strategy = "credential"
	// StrategyEndpoint limits sensitive endpoints per (endpoint, address) pair.
	StrategyEndpoint Strategy = "endpoint"
)

// AllStrategies returns every limiting strategy in evaluation order.
func AllStrategies() []Strategy {
	return []Strategy{
		StrategySourceAddress,
		StrategyTenant,
		StrategyCredential,
		StrategyEndpoint,
	}
}

// IsValid reports whether s is a known strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategySourceAddress, StrategyTenant, StrategyCredential, StrategyEndpoint:
		return true
	}
	return false
}

// Rule is the immutable configuration of a single strategy: at most Limit
// requests per fixed Window.
type Rule struct {
	Limit  int64
	Window time.Duration
}

// Validate reports whether the rule is usable. Invalid rules are a startup
// error, never a runtime fallback.
func (r Rule) Validate() error {
	if r.Limit <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", r.Limit)
	}
	if r.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %s", r.Window)
	}
	return nil
}

// Decision is the outcome of evaluating one or more strategies for a request.
type Decision struct {
	Allowed   bool
	Strategy  Strategy
	Limit     int64
	Remaining int64
	ResetAt   time.Time
	// FailedOpen is set when the counter store was unreachable and the
	// request was allowed without counting. Observability only; callers
	// must not treat it as an error.
	FailedOpen bool
}

// RetryAfter returns the seconds until the rejecting window resets, floored
// at 1 so clients never receive Retry-After: 0.
func (d Decision) RetryAfter(now time.Time) int64 {
	secs := int64(d.ResetAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// WindowKey builds the counter store key for a strategy scope within the
// fixed window containing now. Windows are aligned to multiples of the
// window length since the Unix epoch.
func WindowKey(strategy Strategy, scopeID string, window time.Duration, now time.Time) (key string, windowStart time.Time) {
	windowStart = now.Truncate(window)
	key = fmt.Sprintf("ratelimit:%s:%s:%d", strategy, scopeID, windowStart.Unix())
	return key, windowStart
}
