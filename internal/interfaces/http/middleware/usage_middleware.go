package middleware

import (
	"context"
	"time"

	"github.com/apihub/backend/internal/domain/usage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UsageRecordingConfig configures per-request usage metering.
type UsageRecordingConfig struct {
	// Recorder is required
	Recorder *usage.Recorder

	// SkipPaths are paths that never count towards usage
	SkipPaths []string

	// CountRejected records usage for requests the rate limiter rejected.
	// Off by default: a rejected request consumed no downstream resources.
	CountRejected bool

	Logger *zap.Logger
}

// DefaultUsageRecordingConfig returns default configuration
func DefaultUsageRecordingConfig(recorder *usage.Recorder) UsageRecordingConfig {
	return UsageRecordingConfig{
		Recorder: recorder,
		SkipPaths: []string{
			"/health",
			"/healthz",
			"/ready",
			"/metrics",
			"/api/v1/health",
		},
	}
}

// UsageRecording returns middleware that increments the tenant's api_calls
// counter after each authenticated request. Recording is fire and forget:
// a counter store outage never affects the response.
func UsageRecording(cfg UsageRecordingConfig) gin.HandlerFunc {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		c.Next()

		if _, skipped := skip[c.Request.URL.Path]; skipped {
			return
		}

		// Anonymous traffic has no tenant to bill
		tenantIDStr := GetJWTTenantID(c)
		if tenantIDStr == "" {
			return
		}

		if !cfg.CountRejected && c.Writer.Status() == 429 {
			return
		}

		tenantID, err := uuid.Parse(tenantIDStr)
		if err != nil {
			logger.Warn("Skipping usage recording for malformed tenant id",
				zap.String("tenant_id", tenantIDStr))
			return
		}

		// The request context dies when the client disconnects, which must
		// not lose a count for work the server already did.
		ctx := context.WithoutCancel(c.Request.Context())
		cfg.Recorder.Record(ctx, tenantID, usage.MetricAPICalls, time.Now())
	}
}
