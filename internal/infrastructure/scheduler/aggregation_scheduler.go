package scheduler

import (
	"context"
	"sync"
	"time"

	appUsage "github.com/apihub/backend/internal/application/usage"
	"go.uber.org/zap"
)

// AggregationScheduler runs the usage aggregation job on a fixed interval.
// Each tick reconciles the current UTC day and the previous one, so counters
// written just before midnight still reach the ledger after the day rolls
// over. Re-aggregating an already settled day is harmless because runs
// overwrite rather than add.
type AggregationScheduler struct {
	service   *appUsage.AggregationService
	logger    *zap.Logger
	config    AggregationSchedulerConfig
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// AggregationSchedulerConfig holds configuration for the aggregation scheduler
type AggregationSchedulerConfig struct {
	// Enabled determines if the scheduler is active
	Enabled bool

	// Interval is how often aggregation runs
	Interval time.Duration

	// RunTimeout is the maximum time for a single aggregation pass
	RunTimeout time.Duration
}

// DefaultAggregationSchedulerConfig returns default configuration
func DefaultAggregationSchedulerConfig() AggregationSchedulerConfig {
	return AggregationSchedulerConfig{
		Enabled:    true,
		Interval:   time.Hour,
		RunTimeout: 30 * time.Minute,
	}
}

// NewAggregationScheduler creates a new aggregation scheduler
func NewAggregationScheduler(
	service *appUsage.AggregationService,
	logger *zap.Logger,
	config AggregationSchedulerConfig,
) *AggregationScheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultAggregationSchedulerConfig().Interval
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = DefaultAggregationSchedulerConfig().RunTimeout
	}
	return &AggregationScheduler{
		service: service,
		logger:  logger,
		config:  config,
	}
}

// Start starts the aggregation scheduler
func (s *AggregationScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if !s.config.Enabled {
		s.mu.Unlock()
		s.logger.Info("Usage aggregation scheduler is disabled")
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.runLoop(ctx)

	s.logger.Info("Usage aggregation scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("run_timeout", s.config.RunTimeout),
	)

	return nil
}

// Stop gracefully stops the scheduler
func (s *AggregationScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	// Wait for goroutines to finish with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Usage aggregation scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Usage aggregation scheduler stop timed out")
		return ctx.Err()
	}
}

// runLoop runs aggregation on every tick until the context is cancelled
func (s *AggregationScheduler) runLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// First pass right away so a restart does not wait a full interval
	s.executeAggregation(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Aggregation loop stopping")
			return
		case <-ticker.C:
			s.executeAggregation(ctx, "interval")
		}
	}
}

// executeAggregation aggregates the previous and current UTC days
func (s *AggregationScheduler) executeAggregation(ctx context.Context, trigger string) {
	runCtx, cancel := context.WithTimeout(ctx, s.config.RunTimeout)
	defer cancel()

	today := time.Now().UTC().Truncate(24 * time.Hour)
	yesterday := today.Add(-24 * time.Hour)

	startTime := time.Now()
	runs, err := s.service.RunRange(runCtx, yesterday, today)
	duration := time.Since(startTime)

	if err != nil {
		s.logger.Error("Usage aggregation failed",
			zap.String("trigger", trigger),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return
	}

	var keysScanned, recordsWritten, errorCount int
	for _, run := range runs {
		keysScanned += run.KeysScanned
		recordsWritten += run.RecordsWritten
		errorCount += run.Errors
	}

	s.logger.Info("Usage aggregation completed",
		zap.String("trigger", trigger),
		zap.Int("keys_scanned", keysScanned),
		zap.Int("records_written", recordsWritten),
		zap.Int("errors", errorCount),
		zap.Duration("duration", duration),
	)
}

// TriggerImmediate triggers an immediate aggregation run
func (s *AggregationScheduler) TriggerImmediate(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.wg.Add(1) // Track the goroutine
	s.mu.Unlock()

	s.logger.Info("Triggering immediate usage aggregation")

	// Run in a goroutine to not block
	go func() {
		defer s.wg.Done()
		s.executeAggregation(ctx, "manual")
	}()

	return nil
}

// IsRunning returns whether the scheduler is running
func (s *AggregationScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
