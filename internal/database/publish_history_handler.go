package database

import (
	"context"
	"errors"
	"fmt"

	"edgeguard/internal/domain"

	"gorm.io/gorm"
)

const defaultHistoryLimit = 20

// Recorder stores publish history.
type Recorder struct {
	db *gorm.DB
}

func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

func (r *Recorder) Record(ctx context.Context, rec *domain.PublishRecord) error {
	if r == nil || r.db == nil {
		return errors.New("database: connection was not configured")
	}
	if rec == nil {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("publish history: insert %s record: %w", rec.Map, err)
	}
	return nil
}

// Recent returns the newest records first. An empty mapName matches every map.
func (r *Recorder) Recent(ctx context.Context, mapName string, limit int) ([]domain.PublishRecord, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("database: connection was not configured")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	tx := r.db.WithContext(ctx).Model(&domain.PublishRecord{})
	if mapName != "" {
		tx = tx.Where("map = ?", mapName)
	}

	var records []domain.PublishRecord
	if err := tx.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("publish history: list: %w", err)
	}
	return records, nil
}
