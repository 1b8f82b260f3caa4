package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UsageRecordRepository persists durable usage totals. The aggregation job is
// the only writer; analytics and billing read through it.
type UsageRecordRepository interface {
	// Upsert writes the record's value for its (tenant, day, metric) key as
	// a single atomic insert-or-update. Overwrites any existing value.
	Upsert(ctx context.Context, record *UsageRecord) error

	// FindByKey returns the record for the key, or nil when none exists.
	FindByKey(ctx context.Context, tenantID uuid.UUID, day time.Time, metric MetricType) (*UsageRecord, error)

	// ExistsForDay reports whether at least one record exists for the day.
	// Coarse "has this day been aggregated at least once" signal.
	ExistsForDay(ctx context.Context, day time.Time) (bool, error)

	// ListByTenantDay returns all of a tenant's records for a day.
	ListByTenantDay(ctx context.Context, tenantID uuid.UUID, day time.Time) ([]*UsageRecord, error)

	// SumByTenantRange totals a tenant's usage per metric over an inclusive
	// day range.
	SumByTenantRange(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (map[MetricType]int64, error)
}
