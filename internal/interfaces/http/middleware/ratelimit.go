package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/apihub/backend/internal/domain/ratelimit"
	"github.com/apihub/backend/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StrategyRule is one enabled limiting strategy with its ceiling.
type StrategyRule struct {
	Enabled bool
	Rule    ratelimit.Rule
}

// RateLimitConfig wires the domain limiter into the HTTP layer. Strategies
// are evaluated in fixed order: source address, tenant, credential, endpoint.
// The first rejection short-circuits; when everything passes, the response
// headers reflect the tightest remaining budget.
type RateLimitConfig struct {
	// Limiter is required
	Limiter *ratelimit.Limiter

	// Plans resolves the tenant strategy's rule per tenant. Required when
	// the tenant strategy is enabled.
	Plans ratelimit.PlanLimits

	SourceAddress StrategyRule
	Tenant        StrategyRule
	Credential    StrategyRule
	Endpoint      StrategyRule

	// EndpointPaths lists the exact paths the endpoint strategy guards
	EndpointPaths []string

	// OnDecision is invoked with every decision. Used for metrics.
	OnDecision func(d ratelimit.Decision)

	Logger *zap.Logger
}

// RateLimit returns middleware that enforces the configured strategies
// against the shared counter store.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	endpointPaths := make(map[string]struct{}, len(cfg.EndpointPaths))
	for _, p := range cfg.EndpointPaths {
		endpointPaths[p] = struct{}{}
	}

	return func(c *gin.Context) {
		checks := buildChecks(c, cfg, endpointPaths, logger)
		if len(checks) == 0 {
			c.Next()
			return
		}

		decision := cfg.Limiter.CheckAll(c.Request.Context(), checks)
		if cfg.OnDecision != nil {
			cfg.OnDecision(decision)
		}

		setRateLimitHeaders(c, decision)

		if !decision.Allowed {
			retryAfter := decision.RetryAfter(time.Now())
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))

			logger.Info("Request rejected by rate limiter",
				zap.String("strategy", string(decision.Strategy)),
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()),
				zap.Int64("retry_after", retryAfter),
			)

			c.AbortWithStatusJSON(http.StatusTooManyRequests, dto.NewErrorResponseWithRequestID(
				dto.ErrCodeRateLimited,
				"Rate limit exceeded. Please retry later.",
				c.GetString("request_id"),
			))
			return
		}

		c.Next()
	}
}

// buildChecks assembles the strategy chain for this request. Identity-scoped
// strategies only apply when the request carries the matching identity.
func buildChecks(c *gin.Context, cfg RateLimitConfig, endpointPaths map[string]struct{}, logger *zap.Logger) []ratelimit.Check {
	checks := make([]ratelimit.Check, 0, 4)

	if cfg.SourceAddress.Enabled {
		checks = append(checks, ratelimit.Check{
			Strategy: ratelimit.StrategySourceAddress,
			ScopeID:  c.ClientIP(),
			Rule:     cfg.SourceAddress.Rule,
		})
	}

	if cfg.Tenant.Enabled && cfg.Plans != nil {
		if tenantID := GetJWTTenantID(c); tenantID != "" {
			rule, err := cfg.Plans.TenantRule(c.Request.Context(), tenantID)
			if err != nil {
				// Unknown plan falls back to the configured tenant rule
				logger.Warn("Failed to resolve tenant plan, using default rule",
					zap.String("tenant_id", tenantID),
					zap.Error(err))
				rule = cfg.Tenant.Rule
			}
			checks = append(checks, ratelimit.Check{
				Strategy: ratelimit.StrategyTenant,
				ScopeID:  tenantID,
				Rule:     rule,
			})
		}
	}

	if cfg.Credential.Enabled {
		if credentialID := GetJWTCredentialID(c); credentialID != "" {
			checks = append(checks, ratelimit.Check{
				Strategy: ratelimit.StrategyCredential,
				ScopeID:  credentialID,
				Rule:     cfg.Credential.Rule,
			})
		}
	}

	if cfg.Endpoint.Enabled {
		path := c.Request.URL.Path
		if _, guarded := endpointPaths[path]; guarded {
			checks = append(checks, ratelimit.Check{
				Strategy: ratelimit.StrategyEndpoint,
				ScopeID:  c.ClientIP() + ":" + path,
				Rule:     cfg.Endpoint.Rule,
			})
		}
	}

	return checks
}

// setRateLimitHeaders exposes the decision on standard headers
func setRateLimitHeaders(c *gin.Context, d ratelimit.Decision) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	if !d.ResetAt.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}
