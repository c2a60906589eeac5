package qbosync

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/fieldworks/workorders_backend/config"
	"bitbucket.org/fieldworks/workorders_backend/utils"
)

const (
	SyncTypeCustomers = "customers"
	SyncTypeServices  = "services"
	SyncTypeInvoices  = "invoices"

	// One sync pass never starts new entity work past this budget;
	// in-flight operations are allowed to finish and be recorded.
	syncBudget = 60 * time.Second

	// Pause between remote-mutating calls so one busy tenant does not
	// trip the remote rate limiter.
	mutationDelay = 500 * time.Millisecond
)

// RunSync executes one sync pass for a business. syncType limits the pass
// to one entity type; empty means all three. Entity failures are recorded
// in the returned batch and never abort the pass.
func RunSync(ctx context.Context, businessId string, syncType string) (*SyncBatch, error) {
	cred, err := GetValidCredential(ctx, businessId)
	if err != nil {
		return nil, err
	}

	api, err := newRemoteAPI(cred.AccessToken, cred.RealmId)
	if err != nil {
		return nil, err
	}

	return runSync(ctx, businessId, syncType, newGormStore(), api, syncBudget)
}

func runSync(ctx context.Context, businessId string, syncType string, st store, api remoteAPI, budget time.Duration) (*SyncBatch, error) {
	if syncType != "" && syncType != SyncTypeCustomers && syncType != SyncTypeServices && syncType != SyncTypeInvoices {
		return nil, fmt.Errorf("unknown syncType %q", syncType)
	}

	deadline := time.Now().Add(budget)
	batch := &SyncBatch{}

	if syncType == "" || syncType == SyncTypeCustomers {
		syncCustomers(ctx, businessId, st, api, batch, deadline)
	}
	// Services before invoices: invoice lines reference service links.
	if syncType == "" || syncType == SyncTypeServices {
		syncServices(ctx, businessId, st, api, batch, deadline)
	}
	if syncType == "" || syncType == SyncTypeInvoices {
		syncInvoices(ctx, businessId, st, api, batch, deadline)
	}

	return batch, nil
}

func overBudget(deadline time.Time) bool {
	return time.Now().After(deadline)
}

// syncCustomers pulls remote customers and creates local clients for any
// not yet linked. The remote side is never mutated here: the remote API
// rejects customer creation from this integration, so customers flow
// inbound only.
func syncCustomers(ctx context.Context, businessId string, st store, api remoteAPI, batch *SyncBatch, deadline time.Time) {
	customers, err := utils.Execute(ctx, func(ctx context.Context) ([]qboCustomer, error) {
		return api.QueryCustomers(ctx)
	}, utils.RetryOptions{})
	if err != nil {
		batch.addError("customers: " + err.Error())
		st.RecordSyncError(ctx, businessId, "customer", 0, err.Error())
		return
	}

	linked, err := st.LinkedClientRemoteIds(ctx, businessId)
	if err != nil {
		batch.addError("customers: " + err.Error())
		return
	}

	for _, cust := range customers {
		if overBudget(deadline) {
			batch.addError("customers: sync budget exceeded, remaining customers skipped")
			return
		}
		if cust.Id == "" || linked[cust.Id] {
			if linked[cust.Id] {
				batch.Customers.Matched++
			}
			continue
		}
		if strings.TrimSpace(cust.DisplayName) == "" {
			continue
		}
		if err := st.CreateClientFromRemote(ctx, businessId, cust); err != nil {
			batch.addError(fmt.Sprintf("customer %s: %s", cust.Id, err.Error()))
			st.RecordSyncError(ctx, businessId, "customer", 0, err.Error())
			continue
		}
		batch.Customers.Created++
	}
}

// syncServices pushes unlinked service items outbound, matching by name
// before creating. Items already linked are never looked up again.
func syncServices(ctx context.Context, businessId string, st store, api remoteAPI, batch *SyncBatch, deadline time.Time) {
	items, err := st.UnlinkedServiceItems(ctx, businessId)
	if err != nil {
		batch.addError("services: " + err.Error())
		return
	}

	for _, item := range items {
		if overBudget(deadline) {
			batch.addError("services: sync budget exceeded, remaining services skipped")
			return
		}

		name := item.Name
		remote, err := utils.Execute(ctx, func(ctx context.Context) (*qboItem, error) {
			return api.FindItemByName(ctx, name)
		}, utils.RetryOptions{})
		if err != nil {
			batch.addError(fmt.Sprintf("service %q: %s", item.Name, err.Error()))
			st.RecordSyncError(ctx, businessId, "service", item.ID, err.Error())
			continue
		}

		if remote == nil {
			itemType := string(item.Type)
			remote, err = utils.Execute(ctx, func(ctx context.Context) (*qboItem, error) {
				return api.CreateItem(ctx, name, itemType)
			}, utils.RetryOptions{})
			if err != nil {
				batch.addError(fmt.Sprintf("service %q: %s", item.Name, err.Error()))
				st.RecordSyncError(ctx, businessId, "service", item.ID, err.Error())
				continue
			}
			time.Sleep(mutationDelay)
			batch.Services.Created++
		} else {
			batch.Services.Matched++
		}

		if err := st.LinkServiceItem(ctx, businessId, item.ID, remote.Id); err != nil {
			batch.addError(fmt.Sprintf("service %q: link failed: %s", item.Name, err.Error()))
			st.RecordSyncError(ctx, businessId, "service", item.ID, "link failed: "+err.Error())
		}
	}
}

// syncInvoices creates remote invoices for orders awaiting invoicing.
// Orders whose client has no remote link are skipped with a recorded
// error. Before creating, the order's reference note is looked up
// remotely: a link write that failed on a previous pass must not produce
// a duplicate invoice.
func syncInvoices(ctx context.Context, businessId string, st store, api remoteAPI, batch *SyncBatch, deadline time.Time) {
	logger := config.GetLogger()

	orders, err := st.PendingUnlinkedWorkOrders(ctx, businessId)
	if err != nil {
		batch.addError("invoices: " + err.Error())
		return
	}

	for _, order := range orders {
		if overBudget(deadline) {
			batch.addError("invoices: sync budget exceeded, remaining orders skipped")
			return
		}

		client, err := st.ClientById(ctx, businessId, order.ClientId)
		if err != nil {
			batch.addError(fmt.Sprintf("order %s: %s", order.OrderNumber, err.Error()))
			st.RecordSyncError(ctx, businessId, "invoice", order.ID, err.Error())
			continue
		}
		if client.QboCustomerId == nil || *client.QboCustomerId == "" {
			msg := fmt.Sprintf("order %s: client %q is not linked to a remote customer", order.OrderNumber, client.Name)
			batch.addError(msg)
			st.RecordSyncError(ctx, businessId, "invoice", order.ID, msg)
			continue
		}

		note := orderReference(order.ID)
		existing, err := utils.Execute(ctx, func(ctx context.Context) (*qboInvoice, error) {
			return api.FindInvoiceByPrivateNote(ctx, note)
		}, utils.RetryOptions{})
		if err != nil {
			batch.addError(fmt.Sprintf("order %s: %s", order.OrderNumber, err.Error()))
			st.RecordSyncError(ctx, businessId, "invoice", order.ID, err.Error())
			continue
		}
		if existing != nil {
			if err := st.LinkWorkOrder(ctx, businessId, order.ID, existing.Id); err != nil {
				batch.addError(fmt.Sprintf("order %s: link failed: %s", order.OrderNumber, err.Error()))
				st.RecordSyncError(ctx, businessId, "invoice", order.ID, "link failed: "+err.Error())
				continue
			}
			batch.Invoices.Matched++
			continue
		}

		lines, err := buildInvoiceLines(ctx, businessId, st, order)
		if err != nil {
			batch.addError(fmt.Sprintf("order %s: %s", order.OrderNumber, err.Error()))
			st.RecordSyncError(ctx, businessId, "invoice", order.ID, err.Error())
			continue
		}

		invoice := &qboInvoice{
			DocNumber:   order.OrderNumber,
			CustomerRef: &qboRef{Value: *client.QboCustomerId},
			Line:        lines,
			PrivateNote: note,
		}
		created, err := utils.Execute(ctx, func(ctx context.Context) (*qboInvoice, error) {
			return api.CreateInvoice(ctx, invoice)
		}, utils.RetryOptions{})
		if err != nil {
			batch.addError(fmt.Sprintf("order %s: %s", order.OrderNumber, err.Error()))
			st.RecordSyncError(ctx, businessId, "invoice", order.ID, err.Error())
			continue
		}
		time.Sleep(mutationDelay)

		if err := st.LinkWorkOrder(ctx, businessId, order.ID, created.Id); err != nil {
			// The remote invoice exists but the link write failed. The
			// reference-note lookup above recovers it on the next pass;
			// log loudly so the gap does not go unnoticed.
			config.LogError(logger, "qbosync", "syncInvoices",
				"remote invoice created but local link write failed",
				map[string]interface{}{"order_id": order.ID, "qbo_invoice_id": created.Id}, err)
			batch.addError(fmt.Sprintf("order %s: invoice %s created remotely but link failed: %s",
				order.OrderNumber, created.Id, err.Error()))
			st.RecordSyncError(ctx, businessId, "invoice", order.ID, "link failed after create: "+err.Error())
			continue
		}
		batch.Invoices.Created++
	}
}

// orderReference is the stable marker written to the invoice note field,
// used to recover invoices whose local link was lost.
func orderReference(orderId int) string {
	return "workorder:" + strconv.Itoa(orderId)
}
