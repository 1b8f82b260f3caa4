package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apihub/backend/internal/domain/shared"
	domainUsage "github.com/apihub/backend/internal/domain/usage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AggregationService reconciles live usage counters from the counter store
// into durable usage records. Runs are idempotent: every pass reads the
// current counter value and overwrites the ledger row, so re-running a day
// converges on the latest totals instead of double counting.
type AggregationService struct {
	store  shared.CounterStore
	repo   domainUsage.UsageRecordRepository
	logger *zap.Logger
	config AggregationConfig

	mu       sync.Mutex
	lastRuns map[string]domainUsage.AggregationRun // keyed by day string
}

// AggregationConfig contains configuration for the aggregation job
type AggregationConfig struct {
	// BatchSize is the number of keys fetched per scan page
	BatchSize int64

	// OpTimeout bounds each individual store read and ledger write
	OpTimeout time.Duration

	// MaxRetries is the number of retry attempts for a failed key before
	// it is skipped and counted as an error
	MaxRetries int

	// RetryBaseDelay is the base delay between retries (exponential backoff)
	RetryBaseDelay time.Duration
}

// DefaultAggregationConfig returns default configuration
func DefaultAggregationConfig() AggregationConfig {
	return AggregationConfig{
		BatchSize:      100,
		OpTimeout:      5 * time.Second,
		MaxRetries:     2,
		RetryBaseDelay: 100 * time.Millisecond,
	}
}

// AggregationStatus describes whether a day has been aggregated and how the
// most recent in-process run for it went.
type AggregationStatus struct {
	Day        time.Time
	Aggregated bool
	LastRun    *domainUsage.AggregationRun
}

// NewAggregationService creates a new aggregation service
func NewAggregationService(
	store shared.CounterStore,
	repo domainUsage.UsageRecordRepository,
	logger *zap.Logger,
	config AggregationConfig,
) *AggregationService {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultAggregationConfig().BatchSize
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = DefaultAggregationConfig().OpTimeout
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = DefaultAggregationConfig().RetryBaseDelay
	}
	return &AggregationService{
		store:    store,
		repo:     repo,
		logger:   logger,
		config:   config,
		lastRuns: make(map[string]domainUsage.AggregationRun),
	}
}

// Run aggregates all tenants' usage counters for a single UTC day.
// Individual key failures are logged and counted on the returned run; only a
// failure of the scan itself returns an error.
func (s *AggregationService) Run(ctx context.Context, day time.Time) (*domainUsage.AggregationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.runLocked(ctx, day, uuid.Nil)
}

// RunForTenant aggregates a single tenant's counters for a day.
func (s *AggregationService) RunForTenant(ctx context.Context, tenantID uuid.UUID, day time.Time) (*domainUsage.AggregationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.runLocked(ctx, day, tenantID)
}

// RunRange aggregates each day in the inclusive [start, end] range. Days that
// complete with per-key errors do not stop the range; a hard scan failure
// returns the runs completed so far along with the error.
func (s *AggregationService) RunRange(ctx context.Context, start, end time.Time) ([]*domainUsage.AggregationRun, error) {
	startDay := start.UTC().Truncate(24 * time.Hour)
	endDay := end.UTC().Truncate(24 * time.Hour)
	if endDay.Before(startDay) {
		return nil, fmt.Errorf("invalid range: end %s before start %s",
			domainUsage.FormatDay(endDay), domainUsage.FormatDay(startDay))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var runs []*domainUsage.AggregationRun
	for day := startDay; !day.After(endDay); day = day.Add(24 * time.Hour) {
		run, err := s.runLocked(ctx, day, uuid.Nil)
		if err != nil {
			return runs, fmt.Errorf("aggregation failed for %s: %w", domainUsage.FormatDay(day), err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Status reports whether a day has durable records and the outcome of the
// most recent run this process performed for it.
func (s *AggregationService) Status(ctx context.Context, day time.Time) (*AggregationStatus, error) {
	aggregated, err := s.repo.ExistsForDay(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("failed to check aggregation status: %w", err)
	}

	status := &AggregationStatus{
		Day:        day.UTC().Truncate(24 * time.Hour),
		Aggregated: aggregated,
	}

	s.mu.Lock()
	if run, ok := s.lastRuns[domainUsage.FormatDay(day)]; ok {
		runCopy := run
		status.LastRun = &runCopy
	}
	s.mu.Unlock()

	return status, nil
}

// runLocked performs one aggregation pass. Caller holds s.mu.
func (s *AggregationService) runLocked(ctx context.Context, day time.Time, tenantID uuid.UUID) (*domainUsage.AggregationRun, error) {
	day = day.UTC().Truncate(24 * time.Hour)

	run := &domainUsage.AggregationRun{
		Day:       day,
		StartedAt: time.Now().UTC(),
	}

	pattern := domainUsage.DayScanPattern(day)
	if tenantID != uuid.Nil {
		run.TenantID = tenantID.String()
		pattern = domainUsage.TenantDayScanPattern(tenantID, day)
	}

	s.logger.Info("Starting usage aggregation",
		zap.String("day", domainUsage.FormatDay(day)),
		zap.String("pattern", pattern))

	err := s.store.ScanKeys(ctx, pattern, s.config.BatchSize, func(key string) error {
		run.KeysScanned++
		if aggErr := s.aggregateKey(ctx, key); aggErr != nil {
			run.Errors++
			s.logger.Warn("Skipping usage counter after repeated failures",
				zap.String("key", key),
				zap.Error(aggErr))
			return nil // isolate per-key failures, keep scanning
		}
		run.RecordsWritten++
		return nil
	})

	run.Duration = time.Since(run.StartedAt)

	if err != nil {
		s.logger.Error("Usage aggregation scan failed",
			zap.String("day", domainUsage.FormatDay(day)),
			zap.Int("keys_scanned", run.KeysScanned),
			zap.Error(err))
		return nil, fmt.Errorf("counter scan failed: %w", err)
	}

	s.lastRuns[domainUsage.FormatDay(day)] = *run

	s.logger.Info("Completed usage aggregation",
		zap.String("day", domainUsage.FormatDay(day)),
		zap.Int("keys_scanned", run.KeysScanned),
		zap.Int("records_written", run.RecordsWritten),
		zap.Int("errors", run.Errors),
		zap.Duration("duration", run.Duration))

	return run, nil
}

// aggregateKey reads one counter and upserts its ledger row, retrying
// transient failures with exponential backoff.
func (s *AggregationService) aggregateKey(ctx context.Context, key string) error {
	parts, err := domainUsage.ParseCounterKey(key)
	if err != nil {
		// Malformed keys never become ledger rows and retrying cannot fix
		// them, so fail immediately.
		return err
	}

	var value int64
	err = s.withRetry(ctx, func(opCtx context.Context) error {
		var getErr error
		value, getErr = s.store.Get(opCtx, key)
		return getErr
	})
	if err != nil {
		return fmt.Errorf("failed to read counter: %w", err)
	}

	if value == 0 {
		// The key expired between scan and read. The counter's value is
		// gone, so leave any previously written record untouched.
		s.logger.Debug("Usage counter vanished before read",
			zap.String("key", key))
		return nil
	}

	record, err := domainUsage.NewUsageRecord(parts.TenantID, parts.Day, parts.Metric, value)
	if err != nil {
		return fmt.Errorf("failed to build usage record: %w", err)
	}

	err = s.withRetry(ctx, func(opCtx context.Context) error {
		return s.repo.Upsert(opCtx, record)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert usage record: %w", err)
	}

	return nil
}

// withRetry runs op up to MaxRetries+1 times with exponential backoff, each
// attempt bounded by OpTimeout.
func (s *AggregationService) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.config.RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		opCtx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
		lastErr = op(opCtx)
		cancel()

		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}
