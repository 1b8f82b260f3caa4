package usage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DayFormat is the calendar-day layout used in counter keys and CLI input.
// Days are always UTC.
const DayFormat = "2006-01-02"

// counterKeyPrefix namespaces usage counters in the shared counter store.
const counterKeyPrefix = "usage"

// FormatDay normalizes t to its UTC calendar day string.
func FormatDay(t time.Time) string {
	return t.UTC().Format(DayFormat)
}

// ParseDay parses a YYYY-MM-DD day string into a UTC midnight time.
func ParseDay(day string) (time.Time, error) {
	t, err := time.ParseInLocation(DayFormat, day, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q: %w", day, err)
	}
	return t, nil
}

// CounterKey builds the counter store key for a tenant's metric on a day:
// usage:{tenantID}:{day}:{metric}
func CounterKey(tenantID uuid.UUID, day time.Time, metric MetricType) string {
	return fmt.Sprintf("%s:%s:%s:%s", counterKeyPrefix, tenantID, FormatDay(day), metric)
}

// DayScanPattern matches every tenant's usage counters for a day.
func DayScanPattern(day time.Time) string {
	return fmt.Sprintf("%s:*:%s:*", counterKeyPrefix, FormatDay(day))
}

// TenantDayScanPattern matches a single tenant's usage counters for a day.
func TenantDayScanPattern(tenantID uuid.UUID, day time.Time) string {
	return fmt.Sprintf("%s:%s:%s:*", counterKeyPrefix, tenantID, FormatDay(day))
}

// CounterKeyParts identifies the usage counter a store key belongs to.
type CounterKeyParts struct {
	TenantID uuid.UUID
	Day      time.Time
	Metric   MetricType
}

// ParseCounterKey decomposes a usage counter key. Keys that do not follow the
// usage:{tenantID}:{day}:{metric} shape are rejected so a malformed key is
// skipped instead of producing a corrupt ledger row.
func ParseCounterKey(key string) (CounterKeyParts, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != counterKeyPrefix {
		return CounterKeyParts{}, fmt.Errorf("malformed usage counter key %q", key)
	}

	tenantID, err := uuid.Parse(parts[1])
	if err != nil {
		return CounterKeyParts{}, fmt.Errorf("malformed tenant id in key %q: %w", key, err)
	}

	day, err := ParseDay(parts[2])
	if err != nil {
		return CounterKeyParts{}, fmt.Errorf("malformed day in key %q: %w", key, err)
	}

	metric := MetricType(parts[3])
	if !metric.IsValid() {
		return CounterKeyParts{}, fmt.Errorf("unknown metric type in key %q", key)
	}

	return CounterKeyParts{TenantID: tenantID, Day: day, Metric: metric}, nil
}
