package persistence

import (
	"context"
	"time"

	"github.com/apihub/backend/internal/domain/usage"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UsageRecordModel is the GORM model for durable usage totals
type UsageRecordModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_usage_records_key,priority:1"`
	Day        time.Time `gorm:"type:date;not null;uniqueIndex:idx_usage_records_key,priority:2"`
	MetricType string    `gorm:"type:text;not null;uniqueIndex:idx_usage_records_key,priority:3"`
	Value      int64     `gorm:"not null;default:0"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for the model
func (UsageRecordModel) TableName() string {
	return "usage_records"
}

// ToEntity converts the model to a domain entity
func (m *UsageRecordModel) ToEntity() *usage.UsageRecord {
	record := &usage.UsageRecord{
		TenantID:   m.TenantID,
		Day:        m.Day,
		MetricType: usage.MetricType(m.MetricType),
		Value:      m.Value,
	}
	record.ID = m.ID
	record.CreatedAt = m.CreatedAt
	record.UpdatedAt = m.UpdatedAt
	return record
}

// UsageRecordModelFromEntity creates a model from a domain entity
func UsageRecordModelFromEntity(e *usage.UsageRecord) *UsageRecordModel {
	return &UsageRecordModel{
		ID:         e.ID,
		TenantID:   e.TenantID,
		Day:        e.Day,
		MetricType: e.MetricType.String(),
		Value:      e.Value,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
}

// UsageRecordRepository implements the usage.UsageRecordRepository interface
type UsageRecordRepository struct {
	db *gorm.DB
}

// NewUsageRecordRepository creates a new usage record repository
func NewUsageRecordRepository(db *gorm.DB) *UsageRecordRepository {
	return &UsageRecordRepository{db: db}
}

// Upsert writes the record's value for its (tenant, day, metric) key.
// The ON CONFLICT clause makes insert-or-update a single atomic statement,
// so overlapping aggregation runs cannot race a read-modify-write.
func (r *UsageRecordRepository) Upsert(ctx context.Context, record *usage.UsageRecord) error {
	model := UsageRecordModelFromEntity(record)

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "day"}, {Name: "metric_type"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"value",
			"updated_at",
		}),
	}).Create(model).Error
}

// FindByKey retrieves the record for a (tenant, day, metric) key, or nil
func (r *UsageRecordRepository) FindByKey(ctx context.Context, tenantID uuid.UUID, day time.Time, metric usage.MetricType) (*usage.UsageRecord, error) {
	var model UsageRecordModel
	err := r.db.WithContext(ctx).
		First(&model, "tenant_id = ? AND day = ? AND metric_type = ?", tenantID, normalizeDay(day), metric.String()).
		Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return model.ToEntity(), nil
}

// ExistsForDay reports whether any record exists for the day
func (r *UsageRecordRepository) ExistsForDay(ctx context.Context, day time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&UsageRecordModel{}).
		Where("day = ?", normalizeDay(day)).
		Limit(1).
		Count(&count).
		Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListByTenantDay returns all of a tenant's records for a day
func (r *UsageRecordRepository) ListByTenantDay(ctx context.Context, tenantID uuid.UUID, day time.Time) ([]*usage.UsageRecord, error) {
	var models []UsageRecordModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND day = ?", tenantID, normalizeDay(day)).
		Order("metric_type ASC").
		Find(&models).
		Error
	if err != nil {
		return nil, err
	}

	records := make([]*usage.UsageRecord, len(models))
	for i := range models {
		records[i] = models[i].ToEntity()
	}
	return records, nil
}

// SumByTenantRange totals a tenant's usage per metric over an inclusive day range
func (r *UsageRecordRepository) SumByTenantRange(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (map[usage.MetricType]int64, error) {
	type row struct {
		MetricType string
		Total      int64
	}

	var rows []row
	err := r.db.WithContext(ctx).
		Model(&UsageRecordModel{}).
		Select("metric_type, SUM(value) as total").
		Where("tenant_id = ? AND day >= ? AND day <= ?", tenantID, normalizeDay(start), normalizeDay(end)).
		Group("metric_type").
		Scan(&rows).
		Error
	if err != nil {
		return nil, err
	}

	totals := make(map[usage.MetricType]int64, len(rows))
	for _, r := range rows {
		totals[usage.MetricType(r.MetricType)] = r.Total
	}
	return totals, nil
}

// normalizeDay truncates a timestamp to its UTC calendar day
func normalizeDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

var _ usage.UsageRecordRepository = (*UsageRecordRepository)(nil)
