package usage

import (
	"time"

	"github.com/apihub/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// UsageRecord is the durable ledger row holding a tenant's total for one
// metric on one calendar day. The value is the last-observed counter value:
// aggregation overwrites it rather than adding a delta, which makes re-runs
// and overlapping runs converge to the same state.
type UsageRecord struct {
	shared.BaseEntity
	TenantID   uuid.UUID  // The tenant this usage belongs to
	Day        time.Time  // UTC calendar day the usage occurred on
	MetricType MetricType // Metric being totaled
	Value      int64      // Last-observed counter value (never negative)
}

// NewUsageRecord creates a new usage record with validation
func NewUsageRecord(tenantID uuid.UUID, day time.Time, metric MetricType, value int64) (*UsageRecord, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if !metric.IsValid() {
		return nil, shared.NewDomainError("INVALID_METRIC_TYPE", "Invalid metric type")
	}
	if value < 0 {
		return nil, shared.NewDomainError("INVALID_VALUE", "Usage value cannot be negative")
	}

	return &UsageRecord{
		BaseEntity: shared.NewBaseEntity(),
		TenantID:   tenantID,
		Day:        normalizeDay(day),
		MetricType: metric,
		Value:      value,
	}, nil
}

// normalizeDay truncates t to UTC midnight so the unique key compares by
// calendar day regardless of the caller's clock.
func normalizeDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
