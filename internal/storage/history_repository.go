package storage

import (
	"context"

	"gorm.io/gorm"

	"tg-imagebot/internal/models"
)

// HistoryRepository archives finished generations in SQL
type HistoryRepository struct {
	db *gorm.DB
}

func NewHistoryRepository(db *gorm.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// SaveGeneration inserts the record, or updates it when the request id was archived before
func (r *HistoryRepository) SaveGeneration(ctx context.Context, rec *models.GenerationRecord) error {
	var existing models.GenerationRecord
	result := r.db.WithContext(ctx).Where("request_id = ?", rec.RequestID).Limit(1).Find(&existing)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		return r.db.WithContext(ctx).Save(rec).Error
	}
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *HistoryRepository) RecentGenerations(ctx context.Context, userID string, limit int) ([]models.GenerationRecord, error) {
	var records []models.GenerationRecord
	result := r.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").Limit(limit).Find(&records)
	return records, result.Error
}
