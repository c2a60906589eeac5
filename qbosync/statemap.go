package qbosync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/fieldworks/workorders_backend/config"
	"bitbucket.org/fieldworks/workorders_backend/models"
	"bitbucket.org/fieldworks/workorders_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// buildInvoiceLines turns an order's service lines into remote invoice
// lines. A service without a remote link falls back to the configured
// default item so the invoice amount is still correct.
func buildInvoiceLines(ctx context.Context, businessId string, st store, order *models.WorkOrder) ([]qboInvoiceLine, error) {
	if len(order.Services) == 0 {
		return nil, errors.New("order has no service lines")
	}
	defaultItemId := strings.TrimSpace(os.Getenv("QBO_DEFAULT_ITEM_ID"))

	lines := make([]qboInvoiceLine, 0, len(order.Services))
	for _, line := range order.Services {
		item, err := st.ServiceItemById(ctx, businessId, line.ServiceItemId)
		if err != nil {
			return nil, err
		}

		itemId := defaultItemId
		if item.QboItemId != nil && *item.QboItemId != "" {
			itemId = *item.QboItemId
		}
		if itemId == "" {
			return nil, fmt.Errorf("service %q has no remote link and QBO_DEFAULT_ITEM_ID is not set", item.Name)
		}

		amount := line.Qty.Mul(line.UnitRate)
		lines = append(lines, qboInvoiceLine{
			Description: item.Name,
			Amount:      json.Number(amount.StringFixed(2)),
			DetailType:  "SalesItemLineDetail",
			SalesItemLineDetail: &qboSalesItemLineDetail{
				ItemRef:   qboRef{Value: itemId, Name: item.Name},
				Qty:       json.Number(line.Qty.String()),
				UnitPrice: json.Number(line.UnitRate.String()),
			},
		})
	}
	return lines, nil
}

// PropagateOrderStatus pushes the accounting consequence of an order
// status change to the linked remote invoice. Orders without a linked
// invoice are a no-op; the next sync pass will pick them up if eligible.
func PropagateOrderStatus(ctx context.Context, businessId string, orderId int) error {
	st := newGormStore()

	order, err := loadOrder(ctx, businessId, orderId)
	if err != nil {
		return err
	}
	if order.QboInvoiceId == nil || *order.QboInvoiceId == "" {
		return nil
	}

	cred, err := GetValidCredential(ctx, businessId)
	if err != nil {
		return err
	}
	api, err := newRemoteAPI(cred.AccessToken, cred.RealmId)
	if err != nil {
		return err
	}

	return applyOrderStatus(ctx, businessId, st, api, order)
}

func loadOrder(ctx context.Context, businessId string, orderId int) (*models.WorkOrder, error) {
	return utils.Execute(ctx, func(ctx context.Context) (*models.WorkOrder, error) {
		var order models.WorkOrder
		if err := config.GetDB().WithContext(ctx).
			Where("id = ? AND business_id = ?", orderId, businessId).
			Take(&order).Error; err != nil {
			return nil, err
		}
		return &order, nil
	}, utils.RetryOptions{})
}

// applyOrderStatus is the exhaustive local-to-remote status mapping. Every
// OrderStatus must appear here; an unknown value is an error so a new
// status cannot silently fall through.
func applyOrderStatus(ctx context.Context, businessId string, st store, api remoteAPI, order *models.WorkOrder) error {
	invoice, err := utils.Execute(ctx, func(ctx context.Context) (*qboInvoice, error) {
		return api.GetInvoice(ctx, *order.QboInvoiceId)
	}, utils.RetryOptions{})
	if err != nil {
		return err
	}

	switch order.Status {
	case models.OrderStatusPending, models.OrderStatusInProgress:
		// Open invoice, balance stays at the order amount. Creation
		// already produced exactly that, so nothing to push.
		return nil

	case models.OrderStatusCompleted, models.OrderStatusArchived:
		return settleInvoice(ctx, businessId, st, api, order, invoice)

	case models.OrderStatusCancelled:
		if err := utils.ExecuteVoid(ctx, func(ctx context.Context) error {
			return api.VoidInvoice(ctx, invoice.Id, invoice.SyncToken)
		}, utils.RetryOptions{}); err != nil {
			return err
		}
		_, err := st.SetPaymentStatus(ctx, businessId, order.ID, models.PaymentStatusUnpaid)
		return err

	default:
		return fmt.Errorf("unmapped order status %q", order.Status)
	}
}

// settleInvoice posts one payment for the outstanding balance and marks
// the order paid. A zero balance means the invoice is already settled and
// only the local projection may need updating.
func settleInvoice(ctx context.Context, businessId string, st store, api remoteAPI, order *models.WorkOrder, invoice *qboInvoice) error {
	balance, err := decimalFromNumber(invoice.Balance)
	if err != nil {
		return err
	}

	if balance.GreaterThan(decimal.Zero) {
		payment := &qboPayment{
			TotalAmt:    json.Number(balance.StringFixed(2)),
			CustomerRef: invoice.CustomerRef,
			Line: []qboPaymentLine{{
				Amount:    json.Number(balance.StringFixed(2)),
				LinkedTxn: []qboLinkedTxn{{TxnId: invoice.Id, TxnType: "Invoice"}},
			}},
		}
		if _, err := utils.Execute(ctx, func(ctx context.Context) (*qboPayment, error) {
			return api.CreatePayment(ctx, payment)
		}, utils.RetryOptions{}); err != nil {
			return err
		}
	}

	_, err = st.SetPaymentStatus(ctx, businessId, order.ID, models.PaymentStatusPaid)
	return err
}

// paymentStatusForInvoice is the inbound projection of a remote invoice
// onto the local payment status.
func paymentStatusForInvoice(invoice *qboInvoice) (models.PaymentStatus, error) {
	balance, err := decimalFromNumber(invoice.Balance)
	if err != nil {
		return "", err
	}
	if balance.IsZero() {
		return models.PaymentStatusPaid, nil
	}
	if invoice.EmailStatus == "EmailSent" {
		return models.PaymentStatusPendingInvoice, nil
	}
	return models.PaymentStatusUnpaid, nil
}

// applyRemoteInvoice refreshes the local payment status from a remote
// invoice. A remote invoice with no matching local order is logged and
// ignored: both systems may hold records the other never created.
// Returns whether a local write happened.
func applyRemoteInvoice(ctx context.Context, st store, businessId string, invoice *qboInvoice) (bool, error) {
	logger := config.GetLogger()

	order, err := st.WorkOrderByRemoteId(ctx, businessId, invoice.Id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.WithField("qbo_invoice_id", invoice.Id).
				Info("webhook for invoice with no local order, skipping")
			return false, nil
		}
		return false, err
	}

	status, err := paymentStatusForInvoice(invoice)
	if err != nil {
		return false, err
	}
	return st.SetPaymentStatus(ctx, businessId, order.ID, status)
}

func decimalFromNumber(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(n.String())
}
