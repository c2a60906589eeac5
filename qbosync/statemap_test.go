package qbosync

import (
	"context"
	"encoding/json"
	"testing"

	"bitbucket.org/fieldworks/workorders_backend/models"
	"github.com/shopspring/decimal"
)

func TestPaymentStatusForInvoice(t *testing.T) {
	tests := []struct {
		name    string
		invoice qboInvoice
		want    models.PaymentStatus
	}{
		{"zero balance is paid", qboInvoice{Balance: "0"}, models.PaymentStatusPaid},
		{"empty balance is paid", qboInvoice{}, models.PaymentStatusPaid},
		{"emailed open invoice", qboInvoice{Balance: "150.00", EmailStatus: "EmailSent"}, models.PaymentStatusPendingInvoice},
		{"open invoice not sent", qboInvoice{Balance: "150.00"}, models.PaymentStatusUnpaid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := paymentStatusForInvoice(&tt.invoice)
			if err != nil {
				t.Fatalf("paymentStatusForInvoice: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompletedOrderSettlesInvoice(t *testing.T) {
	st := newFakeStore()
	api := newFakeAPI()
	api.invoicesById["500"] = &qboInvoice{
		Id:          "500",
		Balance:     json.Number("150.00"),
		CustomerRef: &qboRef{Value: "10"},
	}

	order := &models.WorkOrder{
		ID:           9,
		Status:       models.OrderStatusCompleted,
		QboInvoiceId: strPtr("500"),
		Amount:       decimal.RequireFromString("150.00"),
	}

	if err := applyOrderStatus(context.Background(), "biz-1", st, api, order); err != nil {
		t.Fatalf("applyOrderStatus: %v", err)
	}

	if len(api.payments) != 1 {
		t.Fatalf("got %d payments, want exactly 1", len(api.payments))
	}
	if api.payments[0].TotalAmt != "150.00" {
		t.Fatalf("payment amount = %s, want 150.00", api.payments[0].TotalAmt)
	}
	if st.paymentStatus[9] != models.PaymentStatusPaid {
		t.Fatalf("local status = %q, want Paid", st.paymentStatus[9])
	}
}

func TestSettledInvoiceSkipsPayment(t *testing.T) {
	st := newFakeStore()
	api := newFakeAPI()
	api.invoicesById["500"] = &qboInvoice{Id: "500", Balance: "0"}

	order := &models.WorkOrder{ID: 9, Status: models.OrderStatusArchived, QboInvoiceId: strPtr("500")}
	if err := applyOrderStatus(context.Background(), "biz-1", st, api, order); err != nil {
		t.Fatalf("applyOrderStatus: %v", err)
	}
	if len(api.payments) != 0 {
		t.Fatalf("settled invoice must not receive another payment, got %d", len(api.payments))
	}
	if st.paymentStatus[9] != models.PaymentStatusPaid {
		t.Fatalf("local status = %q, want Paid", st.paymentStatus[9])
	}
}

func TestCancelledOrderVoidsInvoice(t *testing.T) {
	st := newFakeStore()
	api := newFakeAPI()
	api.invoicesById["500"] = &qboInvoice{Id: "500", SyncToken: "3", Balance: "150.00"}

	order := &models.WorkOrder{ID: 9, Status: models.OrderStatusCancelled, QboInvoiceId: strPtr("500")}
	if err := applyOrderStatus(context.Background(), "biz-1", st, api, order); err != nil {
		t.Fatalf("applyOrderStatus: %v", err)
	}
	if len(api.voided) != 1 || api.voided[0] != "500" {
		t.Fatalf("invoice not voided: %v", api.voided)
	}
	if st.paymentStatus[9] != models.PaymentStatusUnpaid {
		t.Fatalf("local status = %q, want Unpaid", st.paymentStatus[9])
	}
}

func TestOpenStatusesPushNothing(t *testing.T) {
	for _, status := range []models.OrderStatus{models.OrderStatusPending, models.OrderStatusInProgress} {
		st := newFakeStore()
		api := newFakeAPI()
		api.invoicesById["500"] = &qboInvoice{Id: "500", Balance: "150.00"}

		order := &models.WorkOrder{ID: 9, Status: status, QboInvoiceId: strPtr("500")}
		if err := applyOrderStatus(context.Background(), "biz-1", st, api, order); err != nil {
			t.Fatalf("%s: applyOrderStatus: %v", status, err)
		}
		if len(api.payments) != 0 || len(api.voided) != 0 {
			t.Fatalf("%s: open status must not mutate the invoice", status)
		}
	}
}

func TestApplyRemoteInvoiceIsIdempotent(t *testing.T) {
	st := newFakeStore()
	st.ordersByRemote["500"] = &models.WorkOrder{ID: 9}
	st.paymentStatus[9] = models.PaymentStatusPendingInvoice

	invoice := &qboInvoice{Id: "500", Balance: "0"}

	changed, err := applyRemoteInvoice(context.Background(), st, "biz-1", invoice)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if !changed {
		t.Fatal("first apply must write the new status")
	}

	changed, err = applyRemoteInvoice(context.Background(), st, "biz-1", invoice)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if changed {
		t.Fatal("second apply must be a no-op")
	}
}

func TestApplyRemoteInvoiceUnknownIdIsNoop(t *testing.T) {
	st := newFakeStore()

	changed, err := applyRemoteInvoice(context.Background(), st, "biz-1", &qboInvoice{Id: "404", Balance: "0"})
	if err != nil {
		t.Fatalf("unknown invoice must not error: %v", err)
	}
	if changed {
		t.Fatal("unknown invoice must not write")
	}
}

func TestBuildInvoiceLinesFallsBackToDefaultItem(t *testing.T) {
	t.Setenv("QBO_DEFAULT_ITEM_ID", "1")

	st := newFakeStore()
	st.items[1] = &models.ServiceItem{ID: 1, Name: "Misc"}

	order := &models.WorkOrder{
		ID: 9,
		Services: []*models.WorkOrderService{
			{ServiceItemId: 1, Qty: decimal.NewFromInt(3), UnitRate: decimal.RequireFromString("19.99")},
		},
	}

	lines, err := buildInvoiceLines(context.Background(), "biz-1", st, order)
	if err != nil {
		t.Fatalf("buildInvoiceLines: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if lines[0].SalesItemLineDetail.ItemRef.Value != "1" {
		t.Fatalf("unlinked service must use the default item, got %q", lines[0].SalesItemLineDetail.ItemRef.Value)
	}
	if lines[0].Amount != "59.97" {
		t.Fatalf("line amount = %s, want 59.97", lines[0].Amount)
	}
}
