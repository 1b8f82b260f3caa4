package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/apihub/backend/internal/domain/ratelimit"
	"github.com/apihub/backend/internal/domain/shared"
	"github.com/apihub/backend/internal/infrastructure/cache"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRateLimitRouter(cfg RateLimitConfig, pre ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	for _, mw := range pre {
		r.Use(mw)
	}
	r.Use(RateLimit(cfg))
	r.GET("/api/v1/data", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	r.POST("/api/v1/auth/login", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	return r
}

func doGet(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimit_SourceAddress(t *testing.T) {
	store := cache.NewInMemoryCounterStore()
	defer store.Close()

	cfg := RateLimitConfig{
		Limiter: ratelimit.NewLimiter(store, zap.NewNop()),
		SourceAddress: StrategyRule{
			Enabled: true,
			Rule:    ratelimit.Rule{Limit: 3, Window: time.Minute},
		},
	}
	r := newRateLimitRouter(cfg)

	// First three requests pass with a shrinking budget
	for i, wantRemaining := range []string{"2", "1", "0"} {
		w := doGet(r, "/api/v1/data")
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, wantRemaining, w.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	}

	// Fourth is rejected
	w := doGet(r, "/api/v1/data")
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)
	assert.LessOrEqual(t, retryAfter, 60)

	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Timestamp string `json:"timestamp"`
		RequestID string `json:"request_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "ERR_RATE_LIMITED", body.Error.Code)
	assert.NotEmpty(t, body.Error.Message)
	assert.NotEmpty(t, body.Timestamp)
	assert.NotEmpty(t, body.RequestID)
}

func TestRateLimit_TenantPlan(t *testing.T) {
	store := cache.NewInMemoryCounterStore()
	defer store.Close()

	plans, err := ratelimit.NewStaticPlanLimits(
		ratelimit.Rule{Limit: 100, Window: time.Minute},
		map[string]ratelimit.Rule{
			"tenant-pro": {Limit: 2, Window: time.Minute},
		},
	)
	require.NoError(t, err)

	cfg := RateLimitConfig{
		Limiter: ratelimit.NewLimiter(store, zap.NewNop()),
		Plans:   plans,
		Tenant: StrategyRule{
			Enabled: true,
			Rule:    ratelimit.Rule{Limit: 100, Window: time.Minute},
		},
	}

	asTenant := func(id string) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Set(JWTTenantIDKey, id)
			c.Next()
		}
	}

	t.Run("plan override applies", func(t *testing.T) {
		r := newRateLimitRouter(cfg, asTenant("tenant-pro"))

		require.Equal(t, http.StatusOK, doGet(r, "/api/v1/data").Code)
		require.Equal(t, http.StatusOK, doGet(r, "/api/v1/data").Code)
		assert.Equal(t, http.StatusTooManyRequests, doGet(r, "/api/v1/data").Code)
	})

	t.Run("anonymous requests skip the tenant strategy", func(t *testing.T) {
		r := newRateLimitRouter(cfg)

		for i := 0; i < 5; i++ {
			require.Equal(t, http.StatusOK, doGet(r, "/api/v1/data").Code)
		}
	})
}

func TestRateLimit_CredentialScopes(t *testing.T) {
	store := cache.NewInMemoryCounterStore()
	defer store.Close()

	cfg := RateLimitConfig{
		Limiter: ratelimit.NewLimiter(store, zap.NewNop()),
		Credential: StrategyRule{
			Enabled: true,
			Rule:    ratelimit.Rule{Limit: 1, Window: time.Minute},
		},
	}

	asCredential := func(id string) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Set(JWTCredentialIDKey, id)
			c.Next()
		}
	}

	rA := newRateLimitRouter(cfg, asCredential("cred-a"))
	rB := newRateLimitRouter(cfg, asCredential("cred-b"))

	require.Equal(t, http.StatusOK, doGet(rA, "/api/v1/data").Code)
	assert.Equal(t, http.StatusTooManyRequests, doGet(rA, "/api/v1/data").Code)

	// A different credential has its own window
	assert.Equal(t, http.StatusOK, doGet(rB, "/api/v1/data").Code)
}

func TestRateLimit_EndpointStrategy(t *testing.T) {
	store := cache.NewInMemoryCounterStore()
	defer store.Close()

	cfg := RateLimitConfig{
		Limiter: ratelimit.NewLimiter(store, zap.NewNop()),
		Endpoint: StrategyRule{
			Enabled: true,
			Rule:    ratelimit.Rule{Limit: 1, Window: time.Minute},
		},
		EndpointPaths: []string{"/api/v1/auth/login"},
	}
	r := newRateLimitRouter(cfg)

	post := func() int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
		r.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusOK, post())
	assert.Equal(t, http.StatusTooManyRequests, post())

	// Unguarded paths are unaffected
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, doGet(r, "/api/v1/data").Code)
	}
}

func TestRateLimit_TightestBudgetWins(t *testing.T) {
	store := cache.NewInMemoryCounterStore()
	defer store.Close()

	cfg := RateLimitConfig{
		Limiter: ratelimit.NewLimiter(store, zap.NewNop()),
		SourceAddress: StrategyRule{
			Enabled: true,
			Rule:    ratelimit.Rule{Limit: 100, Window: time.Minute},
		},
		Credential: StrategyRule{
			Enabled: true,
			Rule:    ratelimit.Rule{Limit: 5, Window: time.Minute},
		},
	}

	r := newRateLimitRouter(cfg, func(c *gin.Context) {
		c.Set(JWTCredentialIDKey, "cred-tight")
		c.Next()
	})

	w := doGet(r, "/api/v1/data")
	require.Equal(t, http.StatusOK, w.Code)
	// Headers reflect the credential ceiling, not the looser address one
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", w.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimit_FailOpen(t *testing.T) {
	store := failingCounterStore{}

	var failedOpen bool
	limiter := ratelimit.NewLimiter(store, zap.NewNop()).
		WithFailOpenHook(func(ratelimit.Strategy) { failedOpen = true })

	cfg := RateLimitConfig{
		Limiter: limiter,
		SourceAddress: StrategyRule{
			Enabled: true,
			Rule:    ratelimit.Rule{Limit: 1, Window: time.Minute},
		},
	}
	r := newRateLimitRouter(cfg)

	// Every request passes while the store is down
	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, doGet(r, "/api/v1/data").Code)
	}
	assert.True(t, failedOpen)
}

func TestRateLimit_NoStrategiesEnabled(t *testing.T) {
	store := cache.NewInMemoryCounterStore()
	defer store.Close()

	cfg := RateLimitConfig{Limiter: ratelimit.NewLimiter(store, zap.NewNop())}
	r := newRateLimitRouter(cfg)

	w := doGet(r, "/api/v1/data")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

// failingCounterStore implements shared.CounterStore and fails everything.
type failingCounterStore struct{}

func (failingCounterStore) IncrementWithTTL(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 0, errors.New("store unreachable")
}

func (failingCounterStore) IncrementByWithTTL(_ context.Context, _ string, _ int64, _ time.Duration) (int64, error) {
	return 0, errors.New("store unreachable")
}

func (failingCounterStore) Get(_ context.Context, _ string) (int64, error) {
	return 0, errors.New("store unreachable")
}

func (failingCounterStore) ScanKeys(_ context.Context, _ string, _ int64, _ func(string) error) error {
	return errors.New("store unreachable")
}

func (failingCounterStore) Delete(_ context.Context, _ string) error {
	return errors.New("store unreachable")
}

func (failingCounterStore) Ping(_ context.Context) error {
	return errors.New("store unreachable")
}

var _ shared.CounterStore = failingCounterStore{}
