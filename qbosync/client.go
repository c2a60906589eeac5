package qbosync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// remoteAPI is the slice of QuickBooks the reconciler and state mapper
// consume. Kept as an interface so sync logic is testable without a live
// realm.
type remoteAPI interface {
	QueryCustomers(ctx context.Context) ([]qboCustomer, error)
	FindItemByName(ctx context.Context, name string) (*qboItem, error)
	CreateItem(ctx context.Context, name string, itemType string) (*qboItem, error)
	CreateInvoice(ctx context.Context, invoice *qboInvoice) (*qboInvoice, error)
	GetInvoice(ctx context.Context, id string) (*qboInvoice, error)
	FindInvoiceByPrivateNote(ctx context.Context, note string) (*qboInvoice, error)
	VoidInvoice(ctx context.Context, id string, syncToken string) error
	CreatePayment(ctx context.Context, payment *qboPayment) (*qboPayment, error)
	GetCompanyInfo(ctx context.Context) (*qboCompanyInfo, error)
}

type qboClient struct {
	rest    *resty.Client
	realmId string
	limiter <-chan time.Time
}

// Remote client construction indirection; swapped out in tests.
var newRemoteAPI = func(accessToken string, realmId string) (remoteAPI, error) {
	return newQboClient(accessToken, realmId)
}

func newQboClient(accessToken string, realmId string) (*qboClient, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, errors.New("qbo access token is empty")
	}
	if strings.TrimSpace(realmId) == "" {
		return nil, errors.New("qbo realm id is empty")
	}

	baseURL := strings.TrimSpace(os.Getenv("QBO_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://quickbooks.api.intuit.com"
	}
	minorVersion := strings.TrimSpace(os.Getenv("QBO_MINOR_VERSION"))
	if minorVersion == "" {
		minorVersion = "65"
	}

	rest := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")+"/v3/company/"+realmId).
		SetTimeout(30*time.Second).
		SetAuthToken(accessToken).
		SetHeader("Accept", "application/json").
		SetQueryParam("minorversion", minorVersion)

	// QBO throttles around 500 req/min per realm; stay well under it.
	return &qboClient{
		rest:    rest,
		realmId: realmId,
		limiter: time.Tick(150 * time.Millisecond),
	}, nil
}

// apiError turns a non-2xx response into an error. Bodies are not always
// JSON, so the raw text is kept and a Fault is parsed on top when present.
func apiError(resp *resty.Response) error {
	body := strings.TrimSpace(string(resp.Body()))

	var fault qboFault
	if err := json.Unmarshal(resp.Body(), &fault); err == nil && len(fault.Fault.Error) > 0 {
		first := fault.Fault.Error[0]
		detail := first.Detail
		if detail == "" {
			detail = first.Message
		}
		return fmt.Errorf("qbo api error status %d code %s: %s", resp.StatusCode(), first.Code, detail)
	}
	return fmt.Errorf("qbo api error status %d: %s", resp.StatusCode(), body)
}

func (c *qboClient) query(ctx context.Context, statement string) (*qboQueryResponse, error) {
	<-c.limiter

	var out qboQueryResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("query", statement).
		SetResult(&out).
		Get("/query")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &out, nil
}

func (c *qboClient) QueryCustomers(ctx context.Context) ([]qboCustomer, error) {
	out, err := c.query(ctx, "SELECT * FROM Customer WHERE Active = true MAXRESULTS 1000")
	if err != nil {
		return nil, err
	}
	return out.QueryResponse.Customer, nil
}

func (c *qboClient) FindItemByName(ctx context.Context, name string) (*qboItem, error) {
	statement := fmt.Sprintf("SELECT * FROM Item WHERE Name = '%s'", escapeQueryLiteral(name))
	out, err := c.query(ctx, statement)
	if err != nil {
		return nil, err
	}
	if len(out.QueryResponse.Item) == 0 {
		return nil, nil
	}
	return &out.QueryResponse.Item[0], nil
}

func (c *qboClient) CreateItem(ctx context.Context, name string, itemType string) (*qboItem, error) {
	<-c.limiter

	payload := qboItem{Name: name, Type: itemType}
	if account := strings.TrimSpace(os.Getenv("QBO_INCOME_ACCOUNT_ID")); account != "" {
		payload.IncomeAccountRef = &qboRef{Value: account}
	}

	var out struct {
		Item qboItem `json:"Item"`
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&out).
		Post("/item")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &out.Item, nil
}

func (c *qboClient) CreateInvoice(ctx context.Context, invoice *qboInvoice) (*qboInvoice, error) {
	<-c.limiter

	var out struct {
		Invoice qboInvoice `json:"Invoice"`
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(invoice).
		SetResult(&out).
		Post("/invoice")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &out.Invoice, nil
}

func (c *qboClient) GetInvoice(ctx context.Context, id string) (*qboInvoice, error) {
	<-c.limiter

	var out struct {
		Invoice qboInvoice `json:"Invoice"`
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/invoice/" + id)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &out.Invoice, nil
}

// FindInvoiceByPrivateNote is the recovery lookup used before creating an
// invoice for an order that may already have one remotely (link write
// failed on a previous pass).
func (c *qboClient) FindInvoiceByPrivateNote(ctx context.Context, note string) (*qboInvoice, error) {
	statement := fmt.Sprintf("SELECT * FROM Invoice WHERE PrivateNote = '%s'", escapeQueryLiteral(note))
	out, err := c.query(ctx, statement)
	if err != nil {
		return nil, err
	}
	if len(out.QueryResponse.Invoice) == 0 {
		return nil, nil
	}
	return &out.QueryResponse.Invoice[0], nil
}

func (c *qboClient) VoidInvoice(ctx context.Context, id string, syncToken string) error {
	<-c.limiter

	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("operation", "void").
		SetBody(map[string]string{"Id": id, "SyncToken": syncToken}).
		Post("/invoice")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return apiError(resp)
	}
	return nil
}

func (c *qboClient) CreatePayment(ctx context.Context, payment *qboPayment) (*qboPayment, error) {
	<-c.limiter

	var out struct {
		Payment qboPayment `json:"Payment"`
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(payment).
		SetResult(&out).
		Post("/payment")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &out.Payment, nil
}

func (c *qboClient) GetCompanyInfo(ctx context.Context) (*qboCompanyInfo, error) {
	<-c.limiter

	var out struct {
		CompanyInfo qboCompanyInfo `json:"CompanyInfo"`
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/companyinfo/" + c.realmId)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return &out.CompanyInfo, nil
}

// escapeQueryLiteral escapes single quotes for QBO's query grammar, which
// has no parameter binding.
func escapeQueryLiteral(v string) string {
	return strings.ReplaceAll(v, "'", "\\'")
}
