package ratelimit

import (
	"context"
	"time"

	"github.com/apihub/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// FailOpenFunc is invoked whenever a counter store failure causes a request
// to be allowed without counting. Used to feed observability counters.
type FailOpenFunc func(strategy Strategy)

// Limiter makes fixed-window rate limit decisions backed by the shared
// counter store. It is safe for concurrent use; all contention is resolved
// by the store's atomic increment.
type Limiter struct {
	store      shared.CounterStore
	logger     *zap.Logger
	onFailOpen FailOpenFunc
	now        func() time.Time
}

// NewLimiter creates a limiter over the given counter store.
func NewLimiter(store shared.CounterStore, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// WithFailOpenHook registers a callback for fail-open events.
func (l *Limiter) WithFailOpenHook(fn FailOpenFunc) *Limiter {
	l.onFailOpen = fn
	return l
}

// WithClock overrides the limiter's clock. Test use only.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check performs a single fixed-window check: one atomic increment against
// the counter store, expiry set on first write of the window. A store
// failure fails open: the request is allowed, the failure is logged and
// reported through the fail-open hook, and no error reaches the caller.
func (l *Limiter) Check(ctx context.Context, strategy Strategy, scopeID string, rule Rule) Decision {
	now := l.now()
	key, windowStart := WindowKey(strategy, scopeID, rule.Window, now)
	resetAt := windowStart.Add(rule.Window)

	count, err := l.store.IncrementWithTTL(ctx, key, rule.Window)
	if err != nil {
		l.logger.Warn("counter store unavailable, failing open",
			zap.String("strategy", string(strategy)),
			zap.String("scope_id", scopeID),
			zap.Error(err),
		)
		if l.onFailOpen != nil {
			l.onFailOpen(strategy)
		}
		return Decision{
			Allowed:    true,
			Strategy:   strategy,
			Limit:      rule.Limit,
			Remaining:  rule.Limit,
			ResetAt:    resetAt,
			FailedOpen: true,
		}
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= rule.Limit,
		Strategy:  strategy,
		Limit:     rule.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Check describes one strategy evaluation within a composed sequence.
type Check struct {
	Strategy Strategy
	ScopeID  string
	Rule     Rule
}

// CheckAll evaluates checks in order. The first rejection wins and its
// decision is returned unchanged. When every strategy allows the request,
// the decision with the fewest remaining requests is returned so response
// headers reflect the tightest active ceiling.
func (l *Limiter) CheckAll(ctx context.Context, checks []Check) Decision {
	if len(checks) == 0 {
		return Decision{Allowed: true}
	}

	var tightest Decision
	first := true
	for _, c := range checks {
		d := l.Check(ctx, c.Strategy, c.ScopeID, c.Rule)
		if !d.Allowed {
			return d
		}
		if first || d.Remaining < tightest.Remaining {
			tightest = d
			first = false
		}
	}
	return tightest
}
