package models

import (
	"context"
	"time"

	"bitbucket.org/fieldworks/workorders_backend/config"
)

// Business is a tenant. Plan drives feature gating for accounting sync.
type Business struct {
	ID        string    `gorm:"primary_key;size:36" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Plan      string    `gorm:"size:30;not null;default:'free'" json:"plan"`
	IsActive  *bool     `gorm:"not null" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetBusinessById(ctx context.Context, id string) (*Business, error) {
	db := config.GetDB()

	var business Business
	if err := db.WithContext(ctx).
		Where("id = ?", id).
		Take(&business).Error; err != nil {
		return nil, err
	}
	return &business, nil
}
