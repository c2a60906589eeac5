package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/fieldworks/workorders_backend/config"
	"bitbucket.org/fieldworks/workorders_backend/utils"
)

type Client struct {
	ID            int       `gorm:"primary_key" json:"id"`
	BusinessId    string    `gorm:"index;not null" json:"business_id"`
	Name          string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Email         string    `gorm:"size:100" json:"email"`
	Phone         string    `gorm:"size:20" json:"phone"`
	AddressLine   string    `gorm:"size:255" json:"address_line"`
	City          string    `gorm:"size:100" json:"city"`
	Region        string    `gorm:"size:100" json:"region"`
	PostalCode    string    `gorm:"size:20" json:"postal_code"`
	Notes         string    `gorm:"type:text" json:"notes"`
	IsActive      *bool     `gorm:"not null;default:true" json:"is_active"`
	QboCustomerId *string   `gorm:"size:64;index" json:"qbo_customer_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewClient struct {
	Name        string `json:"name" binding:"required"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	AddressLine string `json:"address_line"`
	City        string `json:"city"`
	Region      string `json:"region"`
	PostalCode  string `json:"postal_code"`
	Notes       string `json:"notes"`
}

func (input *NewClient) validate(ctx context.Context, businessId string, id int) error {
	if id > 0 {
		if err := utils.ValidateResourceId[Client](ctx, businessId, id); err != nil {
			return err
		}
	}
	// validate unique name
	if err := utils.ValidateUnique[Client](ctx, businessId, "name", input.Name, id); err != nil {
		return err
	}
	// validate email
	if input.Email != "" {
		if err := utils.ValidateUnique[Client](ctx, businessId, "email", input.Email, id); err != nil {
			return err
		}
	}
	return nil
}

func CreateClient(ctx context.Context, input *NewClient) (*Client, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	client := Client{
		BusinessId:  businessId,
		Name:        input.Name,
		Email:       input.Email,
		Phone:       input.Phone,
		AddressLine: input.AddressLine,
		City:        input.City,
		Region:      input.Region,
		PostalCode:  input.PostalCode,
		Notes:       input.Notes,
		IsActive:    utils.NewTrue(),
	}

	if err := db.WithContext(ctx).Create(&client).Error; err != nil {
		return nil, err
	}
	return &client, nil
}

func UpdateClient(ctx context.Context, id int, input *NewClient) (*Client, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"name":         input.Name,
		"email":        input.Email,
		"phone":        input.Phone,
		"address_line": input.AddressLine,
		"city":         input.City,
		"region":       input.Region,
		"postal_code":  input.PostalCode,
		"notes":        input.Notes,
	}
	if err := db.WithContext(ctx).Model(&Client{}).
		Where("id = ? AND business_id = ?", id, businessId).
		Updates(updates).Error; err != nil {
		return nil, err
	}
	return GetClientById(ctx, id)
}

func GetClientById(ctx context.Context, id int) (*Client, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var client Client
	if err := db.WithContext(ctx).
		Where("id = ? AND business_id = ?", id, businessId).
		Take(&client).Error; err != nil {
		return nil, err
	}
	return &client, nil
}
