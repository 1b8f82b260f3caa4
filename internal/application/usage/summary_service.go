package usage

import (
	"context"
	"fmt"
	"time"

	domainUsage "github.com/apihub/backend/internal/domain/usage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SummaryService reads durable usage totals and prices them. It only sees
// what aggregation has already written; live counters are invisible here.
type SummaryService struct {
	repo       domainUsage.UsageRecordRepository
	unitPrices map[domainUsage.MetricType]decimal.Decimal
	logger     *zap.Logger
}

// UsageSummaryLine is one metric's totals over the requested period.
type UsageSummaryLine struct {
	Metric    domainUsage.MetricType
	Quantity  int64
	UnitPrice decimal.Decimal
	Cost      decimal.Decimal
}

// UsageSummary is a tenant's priced usage over an inclusive day range.
type UsageSummary struct {
	TenantID    uuid.UUID
	PeriodStart time.Time
	PeriodEnd   time.Time
	Lines       []UsageSummaryLine
	TotalCost   decimal.Decimal
}

// NewSummaryService creates a summary service. unitPrices maps metric names
// to decimal price strings; metrics without a price are reported at cost zero.
func NewSummaryService(
	repo domainUsage.UsageRecordRepository,
	unitPrices map[string]string,
	logger *zap.Logger,
) (*SummaryService, error) {
	prices := make(map[domainUsage.MetricType]decimal.Decimal, len(unitPrices))
	for name, raw := range unitPrices {
		metric := domainUsage.MetricType(name)
		if !metric.IsValid() {
			return nil, fmt.Errorf("unit price configured for unknown metric %q", name)
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid unit price %q for metric %q: %w", raw, name, err)
		}
		if price.IsNegative() {
			return nil, fmt.Errorf("unit price for metric %q cannot be negative", name)
		}
		prices[metric] = price
	}

	return &SummaryService{
		repo:       repo,
		unitPrices: prices,
		logger:     logger,
	}, nil
}

// Summarize totals and prices a tenant's usage over [start, end], inclusive.
func (s *SummaryService) Summarize(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (*UsageSummary, error) {
	startDay := start.UTC().Truncate(24 * time.Hour)
	endDay := end.UTC().Truncate(24 * time.Hour)
	if endDay.Before(startDay) {
		return nil, fmt.Errorf("invalid period: end %s before start %s",
			domainUsage.FormatDay(endDay), domainUsage.FormatDay(startDay))
	}

	sums, err := s.repo.SumByTenantRange(ctx, tenantID, startDay, endDay)
	if err != nil {
		return nil, fmt.Errorf("failed to sum usage records: %w", err)
	}

	summary := &UsageSummary{
		TenantID:    tenantID,
		PeriodStart: startDay,
		PeriodEnd:   endDay,
		TotalCost:   decimal.Zero,
	}

	// Stable line order regardless of map iteration
	for _, metric := range domainUsage.AllMetricTypes() {
		quantity, ok := sums[metric]
		if !ok {
			continue
		}

		price := s.unitPrices[metric]
		cost := price.Mul(decimal.NewFromInt(quantity))

		summary.Lines = append(summary.Lines, UsageSummaryLine{
			Metric:    metric,
			Quantity:  quantity,
			UnitPrice: price,
			Cost:      cost,
		})
		summary.TotalCost = summary.TotalCost.Add(cost)
	}

	return summary, nil
}
