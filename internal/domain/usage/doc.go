// Package usage provides domain models for the usage-control pipeline in a
// multi-tenant API platform.
//
// This package implements the usage metering bounded context, which is
// responsible for:
//   - Counting billable events per tenant, calendar day, and metric in the
//     ephemeral counter store
//   - Reconciling those counters into durable, queryable usage records
//   - Reporting aggregation run outcomes for operator alerting
//
// Key types:
//   - MetricType: enumeration of billable metrics
//   - UsageRecord: durable per-(tenant, day, metric) total in the ledger
//   - AggregationRun: result of one reconciliation pass
//   - Recorder: synchronous, fail-open counter increments on the request path
//
// The usage domain integrates with:
//   - ratelimit domain: the tenant strategy reads the same counter store
//   - billing/analytics (external): consumers of the durable ledger
package usage
