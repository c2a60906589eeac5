package models

import (
	"context"
	"time"

	"bitbucket.org/fieldworks/workorders_backend/config"
)

// QboSyncError records a single entity-level failure observed during a sync
// run. Rows are append-only; the status endpoint reads the most recent ones.
type QboSyncError struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"index;not null" json:"business_id"`
	EntityType string    `gorm:"size:30;not null" json:"entity_type"`
	EntityId   int       `json:"entity_id"`
	Message    string    `gorm:"type:text" json:"message"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func CreateQboSyncError(ctx context.Context, syncError *QboSyncError) error {
	db := config.GetDB()
	return db.WithContext(ctx).Create(syncError).Error
}

func GetRecentQboSyncErrors(ctx context.Context, businessId string, limit int) ([]*QboSyncError, error) {
	db := config.GetDB()

	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var rows []*QboSyncError
	if err := db.WithContext(ctx).
		Where("business_id = ?", businessId).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
