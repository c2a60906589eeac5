package models

import (
	"context"
	"time"

	"bitbucket.org/fieldworks/workorders_backend/config"
	"gorm.io/gorm"
)

// QboCredential holds the per-business OAuth connection to QuickBooks
// Online. One row per business; a missing row means not connected.
type QboCredential struct {
	ID            int       `gorm:"primary_key" json:"id"`
	BusinessId    string    `gorm:"uniqueIndex;not null" json:"business_id"`
	RealmId       string    `gorm:"size:64;not null" json:"realm_id"`
	AccessToken   string    `gorm:"type:text;not null" json:"-"`
	RefreshToken  string    `gorm:"type:text;not null" json:"-"`
	ExpiresAt     time.Time `json:"expires_at"`
	QboCustomerId *string   `gorm:"size:64" json:"qbo_customer_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetQboCredential(ctx context.Context, businessId string) (*QboCredential, error) {
	db := config.GetDB()

	var cred QboCredential
	if err := db.WithContext(ctx).
		Where("business_id = ?", businessId).
		Take(&cred).Error; err != nil {
		return nil, err
	}
	return &cred, nil
}

// UpsertQboCredential stores a fresh connection after the OAuth callback,
// replacing any previous tokens for the business.
func UpsertQboCredential(ctx context.Context, cred *QboCredential) error {
	db := config.GetDB()

	var existing QboCredential
	err := db.WithContext(ctx).
		Where("business_id = ?", cred.BusinessId).
		Take(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return db.WithContext(ctx).Create(cred).Error
	}
	if err != nil {
		return err
	}

	return db.WithContext(ctx).Model(&QboCredential{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"realm_id":      cred.RealmId,
			"access_token":  cred.AccessToken,
			"refresh_token": cred.RefreshToken,
			"expires_at":    cred.ExpiresAt,
		}).Error
}

// UpdateQboTokens rotates both tokens in a single UPDATE so readers never
// observe a new access token paired with a stale refresh token.
func UpdateQboTokens(ctx context.Context, businessId, accessToken, refreshToken string, expiresAt time.Time) error {
	db := config.GetDB()

	return db.WithContext(ctx).Model(&QboCredential{}).
		Where("business_id = ?", businessId).
		Updates(map[string]interface{}{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_at":    expiresAt,
		}).Error
}

func DeleteQboCredential(ctx context.Context, businessId string) error {
	db := config.GetDB()

	return db.WithContext(ctx).
		Where("business_id = ?", businessId).
		Delete(&QboCredential{}).Error
}
