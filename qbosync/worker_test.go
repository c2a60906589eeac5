package qbosync

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"bitbucket.org/fieldworks/workorders_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// fakeStore is an in-memory store for exercising sync passes.
type fakeStore struct {
	linkedCustomers map[string]bool
	createdClients  []qboCustomer
	unlinkedItems   []*models.ServiceItem
	itemLinks       map[int]string
	pendingOrders   []*models.WorkOrder
	clients         map[int]*models.Client
	items           map[int]*models.ServiceItem
	orderLinks      map[int]string
	ordersByRemote  map[string]*models.WorkOrder
	credsByRealm    map[string]*models.QboCredential
	credLookups     int
	paymentStatus   map[int]models.PaymentStatus
	paymentErr      error
	syncErrors      []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		linkedCustomers: map[string]bool{},
		itemLinks:       map[int]string{},
		clients:         map[int]*models.Client{},
		items:           map[int]*models.ServiceItem{},
		orderLinks:      map[int]string{},
		ordersByRemote:  map[string]*models.WorkOrder{},
		credsByRealm:    map[string]*models.QboCredential{},
		paymentStatus:   map[int]models.PaymentStatus{},
	}
}

func (s *fakeStore) LinkedClientRemoteIds(ctx context.Context, businessId string) (map[string]bool, error) {
	return s.linkedCustomers, nil
}

func (s *fakeStore) CreateClientFromRemote(ctx context.Context, businessId string, cust qboCustomer) error {
	s.createdClients = append(s.createdClients, cust)
	return nil
}

func (s *fakeStore) UnlinkedServiceItems(ctx context.Context, businessId string) ([]*models.ServiceItem, error) {
	return s.unlinkedItems, nil
}

func (s *fakeStore) LinkServiceItem(ctx context.Context, businessId string, id int, qboItemId string) error {
	s.itemLinks[id] = qboItemId
	return nil
}

func (s *fakeStore) PendingUnlinkedWorkOrders(ctx context.Context, businessId string) ([]*models.WorkOrder, error) {
	return s.pendingOrders, nil
}

func (s *fakeStore) ClientById(ctx context.Context, businessId string, id int) (*models.Client, error) {
	client, ok := s.clients[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return client, nil
}

func (s *fakeStore) ServiceItemById(ctx context.Context, businessId string, id int) (*models.ServiceItem, error) {
	item, ok := s.items[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return item, nil
}

func (s *fakeStore) LinkWorkOrder(ctx context.Context, businessId string, id int, qboInvoiceId string) error {
	s.orderLinks[id] = qboInvoiceId
	return nil
}

func (s *fakeStore) WorkOrderByRemoteId(ctx context.Context, businessId string, qboInvoiceId string) (*models.WorkOrder, error) {
	order, ok := s.ordersByRemote[qboInvoiceId]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return order, nil
}

func (s *fakeStore) CredentialByRealm(ctx context.Context, realmId string) (*models.QboCredential, error) {
	s.credLookups++
	cred, ok := s.credsByRealm[realmId]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return cred, nil
}

func (s *fakeStore) SetPaymentStatus(ctx context.Context, businessId string, orderId int, status models.PaymentStatus) (bool, error) {
	if s.paymentErr != nil {
		return false, s.paymentErr
	}
	if s.paymentStatus[orderId] == status {
		return false, nil
	}
	s.paymentStatus[orderId] = status
	return true, nil
}

func (s *fakeStore) RecordSyncError(ctx context.Context, businessId string, entityType string, entityId int, message string) {
	s.syncErrors = append(s.syncErrors, entityType+": "+message)
}

// fakeAPI counts remote calls and serves canned data.
type fakeAPI struct {
	customers       []qboCustomer
	itemsByName     map[string]*qboItem
	invoicesByNote  map[string]*qboInvoice
	invoicesById    map[string]*qboInvoice
	invoiceErrs     map[string]error
	nextItemId      int
	nextInvoiceId   int
	queryCalls      int
	findItemCalls   int
	createItemCalls int
	createInvCalls  int
	createdInvoices []*qboInvoice
	payments        []*qboPayment
	voided          []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		itemsByName:    map[string]*qboItem{},
		invoicesByNote: map[string]*qboInvoice{},
		invoicesById:   map[string]*qboInvoice{},
		invoiceErrs:    map[string]error{},
		nextItemId:     100,
		nextInvoiceId:  500,
	}
}

func (a *fakeAPI) QueryCustomers(ctx context.Context) ([]qboCustomer, error) {
	a.queryCalls++
	return a.customers, nil
}

func (a *fakeAPI) FindItemByName(ctx context.Context, name string) (*qboItem, error) {
	a.findItemCalls++
	return a.itemsByName[name], nil
}

func (a *fakeAPI) CreateItem(ctx context.Context, name string, itemType string) (*qboItem, error) {
	a.createItemCalls++
	a.nextItemId++
	item := &qboItem{Id: itoa(a.nextItemId), Name: name, Type: itemType}
	a.itemsByName[name] = item
	return item, nil
}

func (a *fakeAPI) CreateInvoice(ctx context.Context, invoice *qboInvoice) (*qboInvoice, error) {
	a.createInvCalls++
	a.nextInvoiceId++
	created := *invoice
	created.Id = itoa(a.nextInvoiceId)
	a.createdInvoices = append(a.createdInvoices, &created)
	a.invoicesById[created.Id] = &created
	if created.PrivateNote != "" {
		a.invoicesByNote[created.PrivateNote] = &created
	}
	return &created, nil
}

func (a *fakeAPI) GetInvoice(ctx context.Context, id string) (*qboInvoice, error) {
	if err := a.invoiceErrs[id]; err != nil {
		return nil, err
	}
	invoice, ok := a.invoicesById[id]
	if !ok {
		return nil, nil
	}
	return invoice, nil
}

func (a *fakeAPI) FindInvoiceByPrivateNote(ctx context.Context, note string) (*qboInvoice, error) {
	return a.invoicesByNote[note], nil
}

func (a *fakeAPI) VoidInvoice(ctx context.Context, id string, syncToken string) error {
	a.voided = append(a.voided, id)
	return nil
}

func (a *fakeAPI) CreatePayment(ctx context.Context, payment *qboPayment) (*qboPayment, error) {
	a.payments = append(a.payments, payment)
	return payment, nil
}

func (a *fakeAPI) GetCompanyInfo(ctx context.Context) (*qboCompanyInfo, error) {
	return &qboCompanyInfo{CompanyName: "Fake Co"}, nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func strPtr(s string) *string {
	return &s
}

func TestRunSyncRejectsUnknownType(t *testing.T) {
	_, err := runSync(context.Background(), "biz-1", "payments", newFakeStore(), newFakeAPI(), time.Minute)
	if err == nil {
		t.Fatal("expected error for unknown syncType")
	}
}

func TestSyncServicesMatchesExistingByName(t *testing.T) {
	st := newFakeStore()
	st.unlinkedItems = []*models.ServiceItem{
		{ID: 1, Name: "Oil Change", Type: models.ServiceItemTypeService},
	}
	api := newFakeAPI()
	api.itemsByName["Oil Change"] = &qboItem{Id: "77", Name: "Oil Change", Type: "Service"}

	batch, err := runSync(context.Background(), "biz-1", SyncTypeServices, st, api, time.Minute)
	if err != nil {
		t.Fatalf("runSync: %v", err)
	}
	if batch.Services.Created != 0 || batch.Services.Matched != 1 {
		t.Fatalf("got created=%d matched=%d, want 0/1", batch.Services.Created, batch.Services.Matched)
	}
	if len(batch.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", batch.Errors)
	}
	if api.createItemCalls != 0 {
		t.Fatalf("matched item must not be created remotely, got %d creates", api.createItemCalls)
	}
	if st.itemLinks[1] != "77" {
		t.Fatalf("item not linked to remote id 77: %v", st.itemLinks)
	}
}

func TestSyncServicesLinkedItemsUntouched(t *testing.T) {
	st := newFakeStore() // no unlinked items
	api := newFakeAPI()

	batch, err := runSync(context.Background(), "biz-1", SyncTypeServices, st, api, time.Minute)
	if err != nil {
		t.Fatalf("runSync: %v", err)
	}
	if api.findItemCalls != 0 || api.createItemCalls != 0 {
		t.Fatalf("linked items must cause zero remote calls, got find=%d create=%d",
			api.findItemCalls, api.createItemCalls)
	}
	if batch.Services.Created != 0 || batch.Services.Matched != 0 {
		t.Fatalf("unexpected counts: %+v", batch.Services)
	}
}

func TestSyncServicesCreatesMissing(t *testing.T) {
	st := newFakeStore()
	st.unlinkedItems = []*models.ServiceItem{
		{ID: 2, Name: "Brake Inspection", Type: models.ServiceItemTypeService},
	}
	api := newFakeAPI()

	batch, err := runSync(context.Background(), "biz-1", SyncTypeServices, st, api, time.Minute)
	if err != nil {
		t.Fatalf("runSync: %v", err)
	}
	if batch.Services.Created != 1 || batch.Services.Matched != 0 {
		t.Fatalf("got created=%d matched=%d, want 1/0", batch.Services.Created, batch.Services.Matched)
	}
	if _, ok := st.itemLinks[2]; !ok {
		t.Fatal("created item was not linked")
	}
}

func TestSyncCustomersPullsUnlinked(t *testing.T) {
	st := newFakeStore()
	st.linkedCustomers["10"] = true
	api := newFakeAPI()
	api.customers = []qboCustomer{
		{Id: "10", DisplayName: "Known Client", Active: true},
		{Id: "11", DisplayName: "New Client", Active: true},
	}

	batch, err := runSync(context.Background(), "biz-1", SyncTypeCustomers, st, api, time.Minute)
	if err != nil {
		t.Fatalf("runSync: %v", err)
	}
	if batch.Customers.Created != 1 || batch.Customers.Matched != 1 {
		t.Fatalf("got created=%d matched=%d, want 1/1", batch.Customers.Created, batch.Customers.Matched)
	}
	if len(st.createdClients) != 1 || st.createdClients[0].Id != "11" {
		t.Fatalf("expected exactly customer 11 created locally, got %+v", st.createdClients)
	}
}

func TestSyncInvoicesSkipsUnlinkedClient(t *testing.T) {
	st := newFakeStore()
	st.clients[5] = &models.Client{ID: 5, Name: "Walk-in"}
	st.pendingOrders = []*models.WorkOrder{
		{ID: 9, OrderNumber: "WO-9", ClientId: 5, PaymentStatus: models.PaymentStatusPendingInvoice},
	}
	api := newFakeAPI()

	batch, err := runSync(context.Background(), "biz-1", SyncTypeInvoices, st, api, time.Minute)
	if err != nil {
		t.Fatalf("runSync: %v", err)
	}
	if api.createInvCalls != 0 {
		t.Fatalf("invoice must not be created for unlinked client, got %d calls", api.createInvCalls)
	}
	if len(batch.Errors) != 1 || !strings.Contains(batch.Errors[0], "not linked") {
		t.Fatalf("expected one unlinked-client error, got %v", batch.Errors)
	}
}

func TestSyncInvoicesLineTotals(t *testing.T) {
	st := newFakeStore()
	st.clients[5] = &models.Client{ID: 5, Name: "Acme", QboCustomerId: strPtr("10")}
	st.items[1] = &models.ServiceItem{ID: 1, Name: "Labor", QboItemId: strPtr("101")}
	st.items[2] = &models.ServiceItem{ID: 2, Name: "Parts", QboItemId: strPtr("102")}
	st.pendingOrders = []*models.WorkOrder{{
		ID:            9,
		OrderNumber:   "WO-9",
		ClientId:      5,
		Amount:        decimal.RequireFromString("150.00"),
		PaymentStatus: models.PaymentStatusPendingInvoice,
		Services: []*models.WorkOrderService{
			{ServiceItemId: 1, Qty: decimal.NewFromInt(2), UnitRate: decimal.NewFromInt(50)},
			{ServiceItemId: 2, Qty: decimal.NewFromInt(1), UnitRate: decimal.NewFromInt(50)},
		},
	}}
	api := newFakeAPI()

	batch, err := runSync(context.Background(), "biz-1", SyncTypeInvoices, st, api, time.Minute)
	if err != nil {
		t.Fatalf("runSync: %v", err)
	}
	if batch.Invoices.Created != 1 {
		t.Fatalf("got created=%d, want 1; errors=%v", batch.Invoices.Created, batch.Errors)
	}

	invoice := api.createdInvoices[0]
	total := decimal.Zero
	for _, line := range invoice.Line {
		amount, err := decimal.NewFromString(line.Amount.String())
		if err != nil {
			t.Fatalf("bad line amount %q: %v", line.Amount, err)
		}
		total = total.Add(amount)
	}
	if !total.Equal(decimal.RequireFromString("150.00")) {
		t.Fatalf("line total = %s, want 150.00", total)
	}
	if st.orderLinks[9] == "" {
		t.Fatal("order was not linked to the created invoice")
	}
}

func TestSyncInvoicesRecoversByReference(t *testing.T) {
	st := newFakeStore()
	st.clients[5] = &models.Client{ID: 5, Name: "Acme", QboCustomerId: strPtr("10")}
	st.items[1] = &models.ServiceItem{ID: 1, Name: "Labor", QboItemId: strPtr("101")}
	st.pendingOrders = []*models.WorkOrder{{
		ID:            9,
		OrderNumber:   "WO-9",
		ClientId:      5,
		PaymentStatus: models.PaymentStatusPendingInvoice,
		Services: []*models.WorkOrderService{
			{ServiceItemId: 1, Qty: decimal.NewFromInt(1), UnitRate: decimal.NewFromInt(50)},
		},
	}}
	api := newFakeAPI()
	// A previous pass created the invoice but the link write was lost.
	api.invoicesByNote[orderReference(9)] = &qboInvoice{
		Id:          "888",
		PrivateNote: orderReference(9),
		Balance:     json.Number("50.00"),
	}

	batch, err := runSync(context.Background(), "biz-1", SyncTypeInvoices, st, api, time.Minute)
	if err != nil {
		t.Fatalf("runSync: %v", err)
	}
	if api.createInvCalls != 0 {
		t.Fatalf("duplicate invoice created: %d create calls", api.createInvCalls)
	}
	if batch.Invoices.Matched != 1 || batch.Invoices.Created != 0 {
		t.Fatalf("got created=%d matched=%d, want 0/1", batch.Invoices.Created, batch.Invoices.Matched)
	}
	if st.orderLinks[9] != "888" {
		t.Fatalf("order not relinked to recovered invoice: %v", st.orderLinks)
	}
}
