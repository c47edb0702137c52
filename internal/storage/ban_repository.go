package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tg-imagebot/internal/models"
)

// BanRepository is the SQL Store implementation
type BanRepository struct {
	db *gorm.DB
}

// NewBanRepository creates a new BanRepository
func NewBanRepository(db *gorm.DB) *BanRepository {
	return &BanRepository{db: db}
}

// GetBan returns the user's active ban, or nil
func (r *BanRepository) GetBan(ctx context.Context, userID string) (*models.BanRecord, error) {
	var record models.BanRecord
	result := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&record)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &record, nil
}

// SetBan creates the ban or overwrites the reason of an existing one
func (r *BanRepository) SetBan(ctx context.Context, userID, reason string) error {
	record := &models.BanRecord{UserID: userID, Reason: reason, BannedAt: time.Now()}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"reason", "banned_at"}),
	}).Create(record).Error
}

// ClearBan deletes the user's ban and reports whether there was one
func (r *BanRepository) ClearBan(ctx context.Context, userID string) (bool, error) {
	result := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.BanRecord{})
	return result.RowsAffected > 0, result.Error
}

// GetWarnings returns the user's warnings oldest first
func (r *BanRepository) GetWarnings(ctx context.Context, userID string) ([]models.WarningRecord, error) {
	var records []models.WarningRecord
	result := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("warned_at ASC, id ASC").Find(&records)
	return records, result.Error
}

// AppendWarning inserts a warning without the compare-and-set guard
func (r *BanRepository) AppendWarning(ctx context.Context, userID string, rec models.WarningRecord) error {
	rec.ID = 0
	rec.UserID = userID
	if rec.WarnedAt.IsZero() {
		rec.WarnedAt = time.Now()
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureCounter(tx, userID); err != nil {
			return err
		}
		if err := tx.Model(&models.ModerationCounter{}).Where("user_id = ?", userID).
			Updates(map[string]interface{}{
				"warning_count": gorm.Expr("warning_count + 1"),
				"version":       gorm.Expr("version + 1"),
				"updated_at":    time.Now(),
			}).Error; err != nil {
			return err
		}
		return tx.Create(&rec).Error
	})
}

// ClearWarnings deletes all of the user's warnings and resets the counter
func (r *BanRepository) ClearWarnings(ctx context.Context, userID string) (int, error) {
	var removed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("user_id = ?", userID).Delete(&models.WarningRecord{})
		if result.Error != nil {
			return result.Error
		}
		removed = result.RowsAffected
		return tx.Model(&models.ModerationCounter{}).Where("user_id = ?", userID).
			Updates(map[string]interface{}{
				"warning_count": 0,
				"version":       gorm.Expr("version + 1"),
				"updated_at":    time.Now(),
			}).Error
	})
	return int(removed), err
}

// ListBans returns every active ban, oldest first
func (r *BanRepository) ListBans(ctx context.Context) ([]models.BanRecord, error) {
	var records []models.BanRecord
	result := r.db.WithContext(ctx).Order("banned_at ASC, id ASC").Find(&records)
	return records, result.Error
}

// ListAllWarnings groups every stored warning by user
func (r *BanRepository) ListAllWarnings(ctx context.Context) (map[string][]models.WarningRecord, error) {
	var records []models.WarningRecord
	if err := r.db.WithContext(ctx).Order("user_id ASC, warned_at ASC, id ASC").Find(&records).Error; err != nil {
		return nil, err
	}

	grouped := make(map[string][]models.WarningRecord)
	for _, rec := range records {
		grouped[rec.UserID] = append(grouped[rec.UserID], rec)
	}
	return grouped, nil
}

// CommitViolation bumps the user's counter only if it still holds
// v.ExpectedWarnings, then records the warning or the ban in the same transaction
func (r *BanRepository) CommitViolation(ctx context.Context, v Violation) error {
	if err := v.validate(); err != nil {
		return err
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var banned int64
		if err := tx.Model(&models.BanRecord{}).Where("user_id = ?", v.UserID).Count(&banned).Error; err != nil {
			return err
		}
		if banned > 0 {
			return ErrConflict
		}

		if err := ensureCounter(tx, v.UserID); err != nil {
			return err
		}

		next := v.ExpectedWarnings
		if v.Warning != nil {
			next++
		}
		result := tx.Model(&models.ModerationCounter{}).
			Where("user_id = ? AND warning_count = ?", v.UserID, v.ExpectedWarnings).
			Updates(map[string]interface{}{
				"warning_count": next,
				"version":       gorm.Expr("version + 1"),
				"updated_at":    time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConflict
		}

		if v.Warning != nil {
			rec := *v.Warning
			rec.ID = 0
			rec.UserID = v.UserID
			return tx.Create(&rec).Error
		}

		ban := *v.Ban
		ban.ID = 0
		ban.UserID = v.UserID
		return tx.Create(&ban).Error
	})

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	return err
}

// BannedWords returns the words added at runtime
func (r *BanRepository) BannedWords(ctx context.Context) ([]string, error) {
	var words []string
	result := r.db.WithContext(ctx).Model(&models.BannedWord{}).Order("word ASC").Pluck("word", &words)
	return words, result.Error
}

func (r *BanRepository) AddBannedWord(ctx context.Context, word string) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.BannedWord{Word: word}).Error
}

func (r *BanRepository) RemoveBannedWord(ctx context.Context, word string) (bool, error) {
	result := r.db.WithContext(ctx).Where("word = ?", word).Delete(&models.BannedWord{})
	return result.RowsAffected > 0, result.Error
}

// ensureCounter inserts a zero counter row for the user if none exists
func ensureCounter(tx *gorm.DB, userID string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.ModerationCounter{UserID: userID, UpdatedAt: time.Now()}).Error
}
