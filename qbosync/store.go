package qbosync

import (
	"context"
	"strings"

	"bitbucket.org/fieldworks/workorders_backend/config"
	"bitbucket.org/fieldworks/workorders_backend/models"
	"bitbucket.org/fieldworks/workorders_backend/utils"
)

// store is the slice of local storage the sync engine touches. Webhook
// handling runs without a user session, so businessId is always explicit.
type store interface {
	LinkedClientRemoteIds(ctx context.Context, businessId string) (map[string]bool, error)
	CreateClientFromRemote(ctx context.Context, businessId string, cust qboCustomer) error
	UnlinkedServiceItems(ctx context.Context, businessId string) ([]*models.ServiceItem, error)
	LinkServiceItem(ctx context.Context, businessId string, id int, qboItemId string) error
	PendingUnlinkedWorkOrders(ctx context.Context, businessId string) ([]*models.WorkOrder, error)
	ClientById(ctx context.Context, businessId string, id int) (*models.Client, error)
	ServiceItemById(ctx context.Context, businessId string, id int) (*models.ServiceItem, error)
	LinkWorkOrder(ctx context.Context, businessId string, id int, qboInvoiceId string) error
	WorkOrderByRemoteId(ctx context.Context, businessId string, qboInvoiceId string) (*models.WorkOrder, error)
	CredentialByRealm(ctx context.Context, realmId string) (*models.QboCredential, error)
	SetPaymentStatus(ctx context.Context, businessId string, orderId int, status models.PaymentStatus) (bool, error)
	RecordSyncError(ctx context.Context, businessId string, entityType string, entityId int, message string)
}

// gormStore routes every database call through the retry executor, same as
// the remote-API calls: a hung or flaky connection gets a bounded timeout
// and linear-backoff retries instead of stalling the sync pass.
type gormStore struct{}

func newGormStore() store {
	return gormStore{}
}

func (gormStore) LinkedClientRemoteIds(ctx context.Context, businessId string) (map[string]bool, error) {
	return utils.Execute(ctx, func(ctx context.Context) (map[string]bool, error) {
		db := config.GetDB()

		var ids []string
		if err := db.WithContext(ctx).Model(&models.Client{}).
			Where("business_id = ? AND qbo_customer_id IS NOT NULL", businessId).
			Pluck("qbo_customer_id", &ids).Error; err != nil {
			return nil, err
		}

		linked := make(map[string]bool, len(ids))
		for _, id := range ids {
			linked[id] = true
		}
		return linked, nil
	}, utils.RetryOptions{})
}

func (gormStore) CreateClientFromRemote(ctx context.Context, businessId string, cust qboCustomer) error {
	client := models.Client{
		BusinessId:    businessId,
		Name:          strings.TrimSpace(cust.DisplayName),
		IsActive:      &cust.Active,
		QboCustomerId: &cust.Id,
	}
	if cust.PrimaryEmail != nil {
		client.Email = strings.TrimSpace(cust.PrimaryEmail.Address)
	}
	if cust.PrimaryPhone != nil {
		client.Phone = strings.TrimSpace(cust.PrimaryPhone.FreeFormNumber)
	}
	if cust.BillAddr != nil {
		client.AddressLine = strings.TrimSpace(cust.BillAddr.Line1)
		client.City = strings.TrimSpace(cust.BillAddr.City)
		client.Region = strings.TrimSpace(cust.BillAddr.CountrySubDivisionCode)
		client.PostalCode = strings.TrimSpace(cust.BillAddr.PostalCode)
	}

	return utils.ExecuteVoid(ctx, func(ctx context.Context) error {
		return config.GetDB().WithContext(ctx).Create(&client).Error
	}, utils.RetryOptions{})
}

func (gormStore) UnlinkedServiceItems(ctx context.Context, businessId string) ([]*models.ServiceItem, error) {
	return utils.Execute(ctx, func(ctx context.Context) ([]*models.ServiceItem, error) {
		var items []*models.ServiceItem
		if err := config.GetDB().WithContext(ctx).
			Where("business_id = ? AND qbo_item_id IS NULL", businessId).
			Find(&items).Error; err != nil {
			return nil, err
		}
		return items, nil
	}, utils.RetryOptions{})
}

func (gormStore) LinkServiceItem(ctx context.Context, businessId string, id int, qboItemId string) error {
	return utils.ExecuteVoid(ctx, func(ctx context.Context) error {
		return config.GetDB().WithContext(ctx).Model(&models.ServiceItem{}).
			Where("id = ? AND business_id = ?", id, businessId).
			Update("qbo_item_id", qboItemId).Error
	}, utils.RetryOptions{})
}

func (gormStore) PendingUnlinkedWorkOrders(ctx context.Context, businessId string) ([]*models.WorkOrder, error) {
	return utils.Execute(ctx, func(ctx context.Context) ([]*models.WorkOrder, error) {
		var orders []*models.WorkOrder
		if err := config.GetDB().WithContext(ctx).
			Preload("Services").
			Where("business_id = ? AND qbo_invoice_id IS NULL AND payment_status = ?",
				businessId, models.PaymentStatusPendingInvoice).
			Find(&orders).Error; err != nil {
			return nil, err
		}
		return orders, nil
	}, utils.RetryOptions{})
}

func (gormStore) ClientById(ctx context.Context, businessId string, id int) (*models.Client, error) {
	return utils.Execute(ctx, func(ctx context.Context) (*models.Client, error) {
		var client models.Client
		if err := config.GetDB().WithContext(ctx).
			Where("id = ? AND business_id = ?", id, businessId).
			Take(&client).Error; err != nil {
			return nil, err
		}
		return &client, nil
	}, utils.RetryOptions{})
}

func (gormStore) ServiceItemById(ctx context.Context, businessId string, id int) (*models.ServiceItem, error) {
	return utils.Execute(ctx, func(ctx context.Context) (*models.ServiceItem, error) {
		var item models.ServiceItem
		if err := config.GetDB().WithContext(ctx).
			Where("id = ? AND business_id = ?", id, businessId).
			Take(&item).Error; err != nil {
			return nil, err
		}
		return &item, nil
	}, utils.RetryOptions{})
}

func (gormStore) LinkWorkOrder(ctx context.Context, businessId string, id int, qboInvoiceId string) error {
	return utils.ExecuteVoid(ctx, func(ctx context.Context) error {
		return config.GetDB().WithContext(ctx).Model(&models.WorkOrder{}).
			Where("id = ? AND business_id = ?", id, businessId).
			Update("qbo_invoice_id", qboInvoiceId).Error
	}, utils.RetryOptions{})
}

func (gormStore) WorkOrderByRemoteId(ctx context.Context, businessId string, qboInvoiceId string) (*models.WorkOrder, error) {
	return utils.Execute(ctx, func(ctx context.Context) (*models.WorkOrder, error) {
		var order models.WorkOrder
		if err := config.GetDB().WithContext(ctx).
			Where("business_id = ? AND qbo_invoice_id = ?", businessId, qboInvoiceId).
			Take(&order).Error; err != nil {
			return nil, err
		}
		return &order, nil
	}, utils.RetryOptions{})
}

func (gormStore) CredentialByRealm(ctx context.Context, realmId string) (*models.QboCredential, error) {
	return utils.Execute(ctx, func(ctx context.Context) (*models.QboCredential, error) {
		var cred models.QboCredential
		if err := config.GetDB().WithContext(ctx).
			Where("realm_id = ?", realmId).
			Take(&cred).Error; err != nil {
			return nil, err
		}
		return &cred, nil
	}, utils.RetryOptions{})
}

func (gormStore) SetPaymentStatus(ctx context.Context, businessId string, orderId int, status models.PaymentStatus) (bool, error) {
	return utils.Execute(ctx, func(ctx context.Context) (bool, error) {
		return models.SetWorkOrderPaymentStatus(ctx, orderId, businessId, status)
	}, utils.RetryOptions{})
}

func (gormStore) RecordSyncError(ctx context.Context, businessId string, entityType string, entityId int, message string) {
	err := utils.ExecuteVoid(ctx, func(ctx context.Context) error {
		return models.CreateQboSyncError(ctx, &models.QboSyncError{
			BusinessId: businessId,
			EntityType: entityType,
			EntityId:   entityId,
			Message:    message,
		})
	}, utils.RetryOptions{})
	if err != nil {
		config.LogError(config.GetLogger(), "qbosync", "RecordSyncError", entityType, businessId, err)
	}
}
