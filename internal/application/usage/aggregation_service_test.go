package usage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	domainUsage "github.com/apihub/backend/internal/domain/usage"
	"github.com/apihub/backend/internal/infrastructure/cache"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeUsageRecordRepository is a map-backed repository with injectable
// failures for exercising per-key error isolation.
type fakeUsageRecordRepository struct {
	mu          sync.Mutex
	records     map[string]*domainUsage.UsageRecord
	failTenants map[uuid.UUID]bool
	upsertCalls int
}

func newFakeUsageRecordRepository() *fakeUsageRecordRepository {
	return &fakeUsageRecordRepository{
		records:     make(map[string]*domainUsage.UsageRecord),
		failTenants: make(map[uuid.UUID]bool),
	}
}

func (f *fakeUsageRecordRepository) recordKey(tenantID uuid.UUID, day time.Time, metric domainUsage.MetricType) string {
	return fmt.Sprintf("%s|%s|%s", tenantID, domainUsage.FormatDay(day), metric)
}

func (f *fakeUsageRecordRepository) Upsert(_ context.Context, record *domainUsage.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.upsertCalls++
	if f.failTenants[record.TenantID] {
		return fmt.Errorf("simulated upsert failure for tenant %s", record.TenantID)
	}
	f.records[f.recordKey(record.TenantID, record.Day, record.MetricType)] = record
	return nil
}

func (f *fakeUsageRecordRepository) FindByKey(_ context.Context, tenantID uuid.UUID, day time.Time, metric domainUsage.MetricType) (*domainUsage.UsageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[f.recordKey(tenantID, day, metric)], nil
}

func (f *fakeUsageRecordRepository) ExistsForDay(_ context.Context, day time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if domainUsage.FormatDay(r.Day) == domainUsage.FormatDay(day) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeUsageRecordRepository) ListByTenantDay(_ context.Context, tenantID uuid.UUID, day time.Time) ([]*domainUsage.UsageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domainUsage.UsageRecord
	for _, r := range f.records {
		if r.TenantID == tenantID && domainUsage.FormatDay(r.Day) == domainUsage.FormatDay(day) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeUsageRecordRepository) SumByTenantRange(_ context.Context, tenantID uuid.UUID, start, end time.Time) (map[domainUsage.MetricType]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sums := make(map[domainUsage.MetricType]int64)
	for _, r := range f.records {
		if r.TenantID == tenantID && !r.Day.Before(start) && !r.Day.After(end) {
			sums[r.MetricType] += r.Value
		}
	}
	return sums, nil
}

// failingScanStore wraps a working store but fails every scan.
type failingScanStore struct {
	*cache.InMemoryCounterStore
}

func (f *failingScanStore) ScanKeys(_ context.Context, _ string, _ int64, _ func(key string) error) error {
	return fmt.Errorf("store unreachable")
}

func testAggregationConfig() AggregationConfig {
	return AggregationConfig{
		BatchSize:      10,
		OpTimeout:      time.Second,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
	}
}

func seedCounter(t *testing.T, store *cache.InMemoryCounterStore, tenantID uuid.UUID, day time.Time, metric domainUsage.MetricType, value int64) {
	t.Helper()
	key := domainUsage.CounterKey(tenantID, day, metric)
	_, err := store.IncrementByWithTTL(context.Background(), key, value, time.Hour)
	require.NoError(t, err)
}

func TestAggregationService_Run(t *testing.T) {
	day := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	tenantA := uuid.New()
	tenantB := uuid.New()

	t.Run("writes one record per counter", func(t *testing.T) {
		store := cache.NewInMemoryCounterStore()
		defer store.Close()
		repo := newFakeUsageRecordRepository()
		svc := NewAggregationService(store, repo, zap.NewNop(), testAggregationConfig())

		seedCounter(t, store, tenantA, day, domainUsage.MetricAPICalls, 42)
		seedCounter(t, store, tenantA, day, domainUsage.MetricQueries, 7)
		seedCounter(t, store, tenantB, day, domainUsage.MetricAPICalls, 3)

		run, err := svc.Run(context.Background(), day)
		require.NoError(t, err)

		assert.Equal(t, 3, run.KeysScanned)
		assert.Equal(t, 3, run.RecordsWritten)
		assert.Equal(t, 0, run.Errors)
		assert.False(t, run.Partial())

		rec, err := repo.FindByKey(context.Background(), tenantA, day, domainUsage.MetricAPICalls)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, int64(42), rec.Value)

		rec, err = repo.FindByKey(context.Background(), tenantB, day, domainUsage.MetricAPICalls)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, int64(3), rec.Value)
	})

	t.Run("rerun overwrites with latest counter value", func(t *testing.T) {
		store := cache.NewInMemoryCounterStore()
		defer store.Close()
		repo := newFakeUsageRecordRepository()
		svc := NewAggregationService(store, repo, zap.NewNop(), testAggregationConfig())

		seedCounter(t, store, tenantA, day, domainUsage.MetricAPICalls, 10)

		_, err := svc.Run(context.Background(), day)
		require.NoError(t, err)

		// Counter keeps growing between runs
		seedCounter(t, store, tenantA, day, domainUsage.MetricAPICalls, 3)

		run, err := svc.Run(context.Background(), day)
		require.NoError(t, err)
		assert.Equal(t, 1, run.RecordsWritten)

		rec, err := repo.FindByKey(context.Background(), tenantA, day, domainUsage.MetricAPICalls)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, int64(13), rec.Value, "rerun must converge on the counter value, not add to it")
	})

	t.Run("isolates per-key failures", func(t *testing.T) {
		store := cache.NewInMemoryCounterStore()
		defer store.Close()
		repo := newFakeUsageRecordRepository()
		repo.failTenants[tenantB] = true
		svc := NewAggregationService(store, repo, zap.NewNop(), testAggregationConfig())

		seedCounter(t, store, tenantA, day, domainUsage.MetricAPICalls, 5)
		seedCounter(t, store, tenantA, day, domainUsage.MetricTokens, 9000)
		seedCounter(t, store, tenantB, day, domainUsage.MetricAPICalls, 1)

		run, err := svc.Run(context.Background(), day)
		require.NoError(t, err, "per-key failures must not fail the run")

		assert.Equal(t, 3, run.KeysScanned)
		assert.Equal(t, 2, run.RecordsWritten)
		assert.Equal(t, 1, run.Errors)
		assert.True(t, run.Partial())

		rec, err := repo.FindByKey(context.Background(), tenantA, day, domainUsage.MetricTokens)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, int64(9000), rec.Value)
	})

	t.Run("counts malformed keys as errors without writing", func(t *testing.T) {
		store := cache.NewInMemoryCounterStore()
		defer store.Close()
		repo := newFakeUsageRecordRepository()
		svc := NewAggregationService(store, repo, zap.NewNop(), testAggregationConfig())

		badKey := fmt.Sprintf("usage:not-a-uuid:%s:api_calls", domainUsage.FormatDay(day))
		_, err := store.IncrementByWithTTL(context.Background(), badKey, 4, time.Hour)
		require.NoError(t, err)
		seedCounter(t, store, tenantA, day, domainUsage.MetricAPICalls, 2)

		run, err := svc.Run(context.Background(), day)
		require.NoError(t, err)

		assert.Equal(t, 2, run.KeysScanned)
		assert.Equal(t, 1, run.RecordsWritten)
		assert.Equal(t, 1, run.Errors)
	})

	t.Run("retries transient upsert failures", func(t *testing.T) {
		store := cache.NewInMemoryCounterStore()
		defer store.Close()
		repo := newFakeUsageRecordRepository()
		repo.failTenants[tenantA] = true
		svc := NewAggregationService(store, repo, zap.NewNop(), testAggregationConfig())

		seedCounter(t, store, tenantA, day, domainUsage.MetricAPICalls, 5)

		run, err := svc.Run(context.Background(), day)
		require.NoError(t, err)
		assert.Equal(t, 1, run.Errors)
		// MaxRetries of 1 means two attempts per key
		assert.Equal(t, 2, repo.upsertCalls)
	})

	t.Run("fails hard when the scan itself fails", func(t *testing.T) {
		inner := cache.NewInMemoryCounterStore()
		defer inner.Close()
		repo := newFakeUsageRecordRepository()
		svc := NewAggregationService(&failingScanStore{inner}, repo, zap.NewNop(), testAggregationConfig())

		run, err := svc.Run(context.Background(), day)
		require.Error(t, err)
		assert.Nil(t, run)
		assert.Contains(t, err.Error(), "counter scan failed")
	})
}

func TestAggregationService_RunForTenant(t *testing.T) {
	day := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	tenantA := uuid.New()
	tenantB := uuid.New()

	store := cache.NewInMemoryCounterStore()
	defer store.Close()
	repo := newFakeUsageRecordRepository()
	svc := NewAggregationService(store, repo, zap.NewNop(), testAggregationConfig())

	seedCounter(t, store, tenantA, day, domainUsage.MetricAPICalls, 5)
	seedCounter(t, store, tenantB, day, domainUsage.MetricAPICalls, 8)

	run, err := svc.RunForTenant(context.Background(), tenantA, day)
	require.NoError(t, err)

	assert.Equal(t, tenantA.String(), run.TenantID)
	assert.Equal(t, 1, run.KeysScanned)
	assert.Equal(t, 1, run.RecordsWritten)

	rec, err := repo.FindByKey(context.Background(), tenantB, day, domainUsage.MetricAPICalls)
	require.NoError(t, err)
	assert.Nil(t, rec, "other tenants' counters must be untouched")
}

func TestAggregationService_RunRange(t *testing.T) {
	tenant := uuid.New()
	day1 := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	day3 := day2.Add(24 * time.Hour)

	t.Run("aggregates each day in the range", func(t *testing.T) {
		store := cache.NewInMemoryCounterStore()
		defer store.Close()
		repo := newFakeUsageRecordRepository()
		svc := NewAggregationService(store, repo, zap.NewNop(), testAggregationConfig())

		seedCounter(t, store, tenant, day1, domainUsage.MetricAPICalls, 1)
		seedCounter(t, store, tenant, day2, domainUsage.MetricAPICalls, 2)
		seedCounter(t, store, tenant, day3, domainUsage.MetricAPICalls, 3)

		runs, err := svc.RunRange(context.Background(), day1, day3)
		require.NoError(t, err)
		require.Len(t, runs, 3)

		sums, err := repo.SumByTenantRange(context.Background(), tenant, day1, day3)
		require.NoError(t, err)
		assert.Equal(t, int64(6), sums[domainUsage.MetricAPICalls])
	})

	t.Run("rejects inverted range", func(t *testing.T) {
		store := cache.NewInMemoryCounterStore()
		defer store.Close()
		svc := NewAggregationService(store, newFakeUsageRecordRepository(), zap.NewNop(), testAggregationConfig())

		_, err := svc.RunRange(context.Background(), day3, day1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid range")
	})
}

func TestAggregationService_Status(t *testing.T) {
	day := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	tenant := uuid.New()

	store := cache.NewInMemoryCounterStore()
	defer store.Close()
	repo := newFakeUsageRecordRepository()
	svc := NewAggregationService(store, repo, zap.NewNop(), testAggregationConfig())

	status, err := svc.Status(context.Background(), day)
	require.NoError(t, err)
	assert.False(t, status.Aggregated)
	assert.Nil(t, status.LastRun)

	seedCounter(t, store, tenant, day, domainUsage.MetricDocuments, 12)
	_, err = svc.Run(context.Background(), day)
	require.NoError(t, err)

	status, err = svc.Status(context.Background(), day)
	require.NoError(t, err)
	assert.True(t, status.Aggregated)
	require.NotNil(t, status.LastRun)
	assert.Equal(t, 1, status.LastRun.RecordsWritten)
}
