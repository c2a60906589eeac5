package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/fieldworks/workorders_backend/config"
	"bitbucket.org/fieldworks/workorders_backend/utils"
	"github.com/shopspring/decimal"
)

type ServiceItem struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"index;not null" json:"business_id"`
	Name       string          `gorm:"size:100;not null" json:"name" binding:"required"`
	Type       ServiceItemType `gorm:"type:enum('Service','Part');not null;default:'Service'" json:"type"`
	Rate       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"rate"`
	IsActive   *bool           `gorm:"not null;default:true" json:"is_active"`
	QboItemId  *string         `gorm:"size:64;index" json:"qbo_item_id"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewServiceItem struct {
	Name string          `json:"name" binding:"required"`
	Type ServiceItemType `json:"type"`
	Rate decimal.Decimal `json:"rate"`
}

func (input *NewServiceItem) validate(ctx context.Context, businessId string, id int) error {
	if id > 0 {
		if err := utils.ValidateResourceId[ServiceItem](ctx, businessId, id); err != nil {
			return err
		}
	}
	if err := utils.ValidateUnique[ServiceItem](ctx, businessId, "name", input.Name, id); err != nil {
		return err
	}
	if input.Rate.IsNegative() {
		return errors.New("rate must not be negative")
	}
	return nil
}

func CreateServiceItem(ctx context.Context, input *NewServiceItem) (*ServiceItem, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	itemType := input.Type
	if itemType == "" {
		itemType = ServiceItemTypeService
	}

	item := ServiceItem{
		BusinessId: businessId,
		Name:       input.Name,
		Type:       itemType,
		Rate:       input.Rate,
		IsActive:   utils.NewTrue(),
	}

	if err := db.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func UpdateServiceItem(ctx context.Context, id int, input *NewServiceItem) (*ServiceItem, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"name": input.Name,
		"rate": input.Rate,
	}
	if input.Type != "" {
		updates["type"] = input.Type
	}
	if err := db.WithContext(ctx).Model(&ServiceItem{}).
		Where("id = ? AND business_id = ?", id, businessId).
		Updates(updates).Error; err != nil {
		return nil, err
	}
	return GetServiceItemById(ctx, id)
}

func GetServiceItemById(ctx context.Context, id int) (*ServiceItem, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var item ServiceItem
	if err := db.WithContext(ctx).
		Where("id = ? AND business_id = ?", id, businessId).
		Take(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}
