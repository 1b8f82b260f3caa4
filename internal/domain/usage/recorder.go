package usage

import (
	"context"
	"time"

	"github.com/apihub/backend/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultCounterTTL keeps a day's counter alive well past the aggregation
// interval so a stalled job can still catch up on the next run.
const DefaultCounterTTL = 7 * 24 * time.Hour

// RecordFailureFunc is invoked when a counter increment fails. Used to feed
// observability counters; the failure never reaches the request path.
type RecordFailureFunc func(tenantID uuid.UUID, metric MetricType, n int64)

// Recorder increments per-tenant-per-metric usage counters on the request
// path. Recording is fire-and-forget: a store failure is logged and counted,
// never returned to the caller.
type Recorder struct {
	store     shared.CounterStore
	logger    *zap.Logger
	ttl       time.Duration
	onFailure RecordFailureFunc
}

// NewRecorder creates a usage recorder. A non-positive ttl falls back to
// DefaultCounterTTL.
func NewRecorder(store shared.CounterStore, ttl time.Duration, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultCounterTTL
	}
	return &Recorder{store: store, logger: logger, ttl: ttl}
}

// WithFailureHook registers a callback for failed increments.
func (r *Recorder) WithFailureHook(fn RecordFailureFunc) *Recorder {
	r.onFailure = fn
	return r
}

// Record counts one billable event for the tenant's metric on the given day.
// The single atomic increment is the only wait; TTL is applied only when the
// increment creates the key.
func (r *Recorder) Record(ctx context.Context, tenantID uuid.UUID, metric MetricType, day time.Time) {
	r.RecordN(ctx, tenantID, metric, day, 1)
}

// RecordN counts n billable events in one atomic step. Used for metrics that
// grow by more than one per request, such as token consumption.
func (r *Recorder) RecordN(ctx context.Context, tenantID uuid.UUID, metric MetricType, day time.Time, n int64) {
	if n <= 0 {
		return
	}
	key := CounterKey(tenantID, day, metric)
	if _, err := r.store.IncrementByWithTTL(ctx, key, n, r.ttl); err != nil {
		r.logger.Warn("usage counter increment failed",
			zap.String("tenant_id", tenantID.String()),
			zap.String("metric", string(metric)),
			zap.Error(err),
		)
		if r.onFailure != nil {
			r.onFailure(tenantID, metric, n)
		}
	}
}
