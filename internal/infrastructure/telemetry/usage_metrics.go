// Package telemetry provides OpenTelemetry integration for metrics collection.
package telemetry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// UsageMetrics provides metrics for the usage control pipeline. It tracks
// rate limit decisions, counter store degradation, and aggregation outcomes.
type UsageMetrics struct {
	meter  metric.Meter
	logger *zap.Logger

	// Counter metrics (monotonically increasing)
	rateLimitAllowedTotal  *Counter
	rateLimitRejectedTotal *Counter
	failOpenTotal          *Counter
	usageRecordedTotal     *Counter
	usageRecordLostTotal   *Counter
	aggregationRunsTotal   *Counter
	aggregationKeysTotal   *Counter
	aggregationErrorsTotal *Counter

	// Histogram metrics
	aggregationDuration *Histogram
}

// UsageMetricsConfig holds configuration for usage metrics.
type UsageMetricsConfig struct {
	Meter  metric.Meter
	Logger *zap.Logger
}

// NewUsageMetrics creates a new UsageMetrics instance.
func NewUsageMetrics(cfg UsageMetricsConfig) (*UsageMetrics, error) {
	if cfg.Meter == nil {
		return nil, ErrMeterNil
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	um := &UsageMetrics{
		meter:  cfg.Meter,
		logger: logger,
	}

	var err error

	// Rate limiting metrics
	um.rateLimitAllowedTotal, err = NewCounter(
		cfg.Meter,
		"apihub_ratelimit_allowed_total",
		"Total number of requests allowed by the rate limiter",
		"{requests}",
	)
	if err != nil {
		return nil, err
	}

	um.rateLimitRejectedTotal, err = NewCounter(
		cfg.Meter,
		"apihub_ratelimit_rejected_total",
		"Total number of requests rejected by the rate limiter",
		"{requests}",
	)
	if err != nil {
		return nil, err
	}

	um.failOpenTotal, err = NewCounter(
		cfg.Meter,
		"apihub_ratelimit_fail_open_total",
		"Total number of requests allowed because the counter store was unreachable",
		"{requests}",
	)
	if err != nil {
		return nil, err
	}

	// Usage recording metrics
	um.usageRecordedTotal, err = NewCounter(
		cfg.Meter,
		"apihub_usage_recorded_total",
		"Total usage units recorded to the counter store",
		"{units}",
	)
	if err != nil {
		return nil, err
	}

	um.usageRecordLostTotal, err = NewCounter(
		cfg.Meter,
		"apihub_usage_record_lost_total",
		"Total usage record writes dropped because the counter store was unreachable",
		"{units}",
	)
	if err != nil {
		return nil, err
	}

	// Aggregation metrics
	um.aggregationRunsTotal, err = NewCounter(
		cfg.Meter,
		"apihub_aggregation_runs_total",
		"Total number of aggregation passes",
		"{runs}",
	)
	if err != nil {
		return nil, err
	}

	um.aggregationKeysTotal, err = NewCounter(
		cfg.Meter,
		"apihub_aggregation_keys_total",
		"Total number of counter keys scanned by aggregation",
		"{keys}",
	)
	if err != nil {
		return nil, err
	}

	um.aggregationErrorsTotal, err = NewCounter(
		cfg.Meter,
		"apihub_aggregation_errors_total",
		"Total number of counter keys skipped by aggregation due to errors",
		"{keys}",
	)
	if err != nil {
		return nil, err
	}

	um.aggregationDuration, err = NewHistogram(cfg.Meter, HistogramOpts{
		Name:        "apihub_aggregation_duration_seconds",
		Description: "Duration of aggregation passes",
		Unit:        "s",
		Boundaries:  []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})
	if err != nil {
		return nil, err
	}

	return um, nil
}

// RecordRateLimitDecision records the outcome of a rate limit check.
func (um *UsageMetrics) RecordRateLimitDecision(ctx context.Context, strategy string, allowed bool) {
	if allowed {
		um.rateLimitAllowedTotal.Inc(ctx, AttrStrategy.String(strategy))
		return
	}
	um.rateLimitRejectedTotal.Inc(ctx, AttrStrategy.String(strategy))
}

// RecordFailOpen records a request that passed because the store was down.
func (um *UsageMetrics) RecordFailOpen(ctx context.Context, strategy string) {
	um.failOpenTotal.Inc(ctx, AttrStrategy.String(strategy))
}

// RecordUsage records usage units successfully written to the counter store.
func (um *UsageMetrics) RecordUsage(ctx context.Context, tenantID uuid.UUID, metricType string, units int64) {
	um.usageRecordedTotal.Add(ctx, units,
		AttrTenantID.String(tenantID.String()),
		AttrMetricType.String(metricType),
	)
}

// RecordUsageLost records usage units dropped because the store write failed.
func (um *UsageMetrics) RecordUsageLost(ctx context.Context, tenantID uuid.UUID, metricType string, units int64) {
	um.usageRecordLostTotal.Add(ctx, units,
		AttrTenantID.String(tenantID.String()),
		AttrMetricType.String(metricType),
	)
}

// RecordAggregationRun records the outcome of one aggregation pass.
func (um *UsageMetrics) RecordAggregationRun(ctx context.Context, trigger string, keysScanned, errors int, duration time.Duration) {
	um.aggregationRunsTotal.Inc(ctx, AttrTrigger.String(trigger))
	um.aggregationKeysTotal.Add(ctx, int64(keysScanned), AttrTrigger.String(trigger))
	if errors > 0 {
		um.aggregationErrorsTotal.Add(ctx, int64(errors), AttrTrigger.String(trigger))
	}
	um.aggregationDuration.RecordDuration(ctx, duration, AttrTrigger.String(trigger))
}

// ErrMeterNil is returned when meter is nil.
var ErrMeterNil = &MetricsError{Op: "NewUsageMetrics", Err: "meter cannot be nil"}

// MetricsError represents a metrics-related error.
type MetricsError struct {
	Op  string
	Err string
}

func (e *MetricsError) Error() string {
	return e.Op + ": " + e.Err
}
