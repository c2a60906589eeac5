package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/fieldworks/workorders_backend/config"
	"bitbucket.org/fieldworks/workorders_backend/utils"
	"github.com/shopspring/decimal"
)

type WorkOrder struct {
	ID            int                 `gorm:"primary_key" json:"id"`
	BusinessId    string              `gorm:"index;not null" json:"business_id"`
	OrderNumber   string              `gorm:"size:50;not null" json:"order_number"`
	ClientId      int                 `gorm:"index;not null" json:"client_id" binding:"required"`
	Description   string              `gorm:"type:text" json:"description"`
	Amount        decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Status        OrderStatus         `gorm:"type:enum('Pending','In Progress','Completed','Cancelled','Archived');not null;default:'Pending'" json:"status"`
	PaymentStatus PaymentStatus       `gorm:"type:enum('Unpaid','Pending Invoice','Paid');not null;default:'Unpaid'" json:"payment_status"`
	QboInvoiceId  *string             `gorm:"size:64;index" json:"qbo_invoice_id"`
	Notes         string              `gorm:"type:text" json:"notes"`
	Services      []*WorkOrderService `json:"services"`
	CreatedAt     time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

type WorkOrderService struct {
	ID            int             `gorm:"primary_key" json:"id"`
	WorkOrderId   int             `gorm:"index;not null" json:"work_order_id"`
	ServiceItemId int             `gorm:"not null" json:"service_item_id" binding:"required"`
	Qty           decimal.Decimal `gorm:"type:decimal(20,4);default:1" json:"qty"`
	UnitRate      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_rate"`
}

type NewWorkOrder struct {
	OrderNumber string                 `json:"order_number" binding:"required"`
	ClientId    int                    `json:"client_id" binding:"required"`
	Description string                 `json:"description"`
	Notes       string                 `json:"notes"`
	Services    []*NewWorkOrderService `json:"services" binding:"required"`
}

type NewWorkOrderService struct {
	ServiceItemId int             `json:"service_item_id" binding:"required"`
	Qty           decimal.Decimal `json:"qty"`
	UnitRate      decimal.Decimal `json:"unit_rate"`
}

func (input *NewWorkOrder) validate(ctx context.Context, businessId string) error {
	if len(input.Services) == 0 {
		return errors.New("at least one service line is required")
	}
	if err := utils.ValidateResourceId[Client](ctx, businessId, input.ClientId); err != nil {
		return errors.New("client not found")
	}
	if err := utils.ValidateUnique[WorkOrder](ctx, businessId, "order_number", input.OrderNumber, 0); err != nil {
		return err
	}
	serviceIds := make([]int, 0, len(input.Services))
	for _, line := range input.Services {
		serviceIds = append(serviceIds, line.ServiceItemId)
	}
	if err := utils.ValidateResourcesId[ServiceItem](ctx, businessId, serviceIds); err != nil {
		return errors.New("service item not found")
	}
	return nil
}

// CreateWorkOrder creates the order and its service lines. If attaching a
// line fails the whole create is rolled back so no orphaned order row is
// left behind.
func CreateWorkOrder(ctx context.Context, input *NewWorkOrder) (*WorkOrder, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	order := WorkOrder{
		BusinessId:    businessId,
		OrderNumber:   input.OrderNumber,
		ClientId:      input.ClientId,
		Description:   input.Description,
		Status:        OrderStatusPending,
		PaymentStatus: PaymentStatusUnpaid,
		Notes:         input.Notes,
	}

	tx := db.Begin()
	if err := tx.WithContext(ctx).Create(&order).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	amount := decimal.Zero
	for _, line := range input.Services {
		qty := line.Qty
		if qty.LessThanOrEqual(decimal.Zero) {
			qty = decimal.NewFromInt(1)
		}
		unitRate := line.UnitRate
		if unitRate.IsZero() {
			item, err := GetServiceItemById(ctx, line.ServiceItemId)
			if err != nil {
				tx.Rollback()
				return nil, err
			}
			unitRate = item.Rate
		}

		detail := WorkOrderService{
			WorkOrderId:   order.ID,
			ServiceItemId: line.ServiceItemId,
			Qty:           qty,
			UnitRate:      unitRate,
		}
		if err := tx.WithContext(ctx).Create(&detail).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
		order.Services = append(order.Services, &detail)
		amount = amount.Add(qty.Mul(unitRate))
	}

	order.Amount = amount
	if err := tx.WithContext(ctx).Model(&WorkOrder{}).
		Where("id = ?", order.ID).
		Update("amount", amount).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func GetWorkOrderById(ctx context.Context, id int) (*WorkOrder, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var order WorkOrder
	if err := db.WithContext(ctx).
		Preload("Services").
		Where("id = ? AND business_id = ?", id, businessId).
		Take(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateWorkOrderStatus changes the lifecycle status. The accounting-side
// consequences (invoice balance, payment posting, void) are applied by the
// sync engine after this write succeeds.
func UpdateWorkOrderStatus(ctx context.Context, id int, status OrderStatus) (*WorkOrder, error) {
	db := config.GetDB()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if !status.Valid() {
		return nil, errors.New("invalid order status")
	}

	if err := db.WithContext(ctx).Model(&WorkOrder{}).
		Where("id = ? AND business_id = ?", id, businessId).
		Update("status", status).Error; err != nil {
		return nil, err
	}
	return GetWorkOrderById(ctx, id)
}

// SetWorkOrderPaymentStatus writes the payment status only when it differs
// from the stored value.
func SetWorkOrderPaymentStatus(ctx context.Context, id int, businessId string, status PaymentStatus) (bool, error) {
	db := config.GetDB()

	if !status.Valid() {
		return false, errors.New("invalid payment status")
	}

	result := db.WithContext(ctx).Model(&WorkOrder{}).
		Where("id = ? AND business_id = ? AND payment_status <> ?", id, businessId, status).
		Update("payment_status", status)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
