package usage

import "time"

// AggregationRun reports the outcome of one reconciliation pass over a day's
// usage counters. A non-zero Errors count means some keys were skipped, not
// that the run failed; callers alert on it rather than abort.
type AggregationRun struct {
	Day            time.Time
	TenantID       string // empty for full-day runs
	KeysScanned    int
	RecordsWritten int
	Errors         int
	StartedAt      time.Time
	Duration       time.Duration
}

// Partial reports whether the run completed with per-key failures.
func (r AggregationRun) Partial() bool {
	return r.Errors > 0
}
