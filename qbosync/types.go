// Package qbosync keeps local clients, service items and work orders
// consistent with their QuickBooks Online counterparts. It owns the OAuth
// credential lifecycle, the find-or-create reconciliation pass and the
// invoice/payment state mapping in both directions.
package qbosync

import "encoding/json"

// --- QuickBooks wire types ---

type qboRef struct {
	Value string `json:"value"`
	Name  string `json:"name,omitempty"`
}

type qboEmail struct {
	Address string `json:"Address,omitempty"`
}

type qboPhone struct {
	FreeFormNumber string `json:"FreeFormNumber,omitempty"`
}

type qboAddress struct {
	Line1                  string `json:"Line1,omitempty"`
	City                   string `json:"City,omitempty"`
	CountrySubDivisionCode string `json:"CountrySubDivisionCode,omitempty"`
	PostalCode             string `json:"PostalCode,omitempty"`
}

type qboCustomer struct {
	Id           string      `json:"Id"`
	DisplayName  string      `json:"DisplayName"`
	PrimaryEmail *qboEmail   `json:"PrimaryEmailAddr,omitempty"`
	PrimaryPhone *qboPhone   `json:"PrimaryPhone,omitempty"`
	BillAddr     *qboAddress `json:"BillAddr,omitempty"`
	Active       bool        `json:"Active"`
}

type qboItem struct {
	Id               string      `json:"Id,omitempty"`
	Name             string      `json:"Name"`
	Type             string      `json:"Type"`
	UnitPrice        json.Number `json:"UnitPrice,omitempty"`
	IncomeAccountRef *qboRef     `json:"IncomeAccountRef,omitempty"`
}

type qboSalesItemLineDetail struct {
	ItemRef   qboRef      `json:"ItemRef"`
	Qty       json.Number `json:"Qty,omitempty"`
	UnitPrice json.Number `json:"UnitPrice,omitempty"`
}

type qboInvoiceLine struct {
	Description         string                  `json:"Description,omitempty"`
	Amount              json.Number             `json:"Amount"`
	DetailType          string                  `json:"DetailType"`
	SalesItemLineDetail *qboSalesItemLineDetail `json:"SalesItemLineDetail,omitempty"`
}

type qboInvoice struct {
	Id          string           `json:"Id,omitempty"`
	SyncToken   string           `json:"SyncToken,omitempty"`
	DocNumber   string           `json:"DocNumber,omitempty"`
	CustomerRef *qboRef          `json:"CustomerRef,omitempty"`
	Line        []qboInvoiceLine `json:"Line,omitempty"`
	TotalAmt    json.Number      `json:"TotalAmt,omitempty"`
	Balance     json.Number      `json:"Balance,omitempty"`
	PrivateNote string           `json:"PrivateNote,omitempty"`
	EmailStatus string           `json:"EmailStatus,omitempty"`
}

type qboPaymentLine struct {
	Amount    json.Number    `json:"Amount"`
	LinkedTxn []qboLinkedTxn `json:"LinkedTxn"`
}

type qboLinkedTxn struct {
	TxnId   string `json:"TxnId"`
	TxnType string `json:"TxnType"`
}

type qboPayment struct {
	Id          string           `json:"Id,omitempty"`
	TotalAmt    json.Number      `json:"TotalAmt"`
	CustomerRef *qboRef          `json:"CustomerRef"`
	Line        []qboPaymentLine `json:"Line,omitempty"`
}

type qboCompanyInfo struct {
	CompanyName string `json:"CompanyName"`
	Country     string `json:"Country"`
}

// QBO query responses nest results under QueryResponse keyed by entity.
type qboQueryResponse struct {
	QueryResponse struct {
		Customer      []qboCustomer `json:"Customer"`
		Item          []qboItem     `json:"Item"`
		Invoice       []qboInvoice  `json:"Invoice"`
		StartPosition int           `json:"startPosition"`
		MaxResults    int           `json:"maxResults"`
	} `json:"QueryResponse"`
}

type qboFault struct {
	Fault struct {
		Error []struct {
			Message string `json:"Message"`
			Detail  string `json:"Detail"`
			Code    string `json:"code"`
		} `json:"Error"`
		Type string `json:"type"`
	} `json:"Fault"`
}

// --- webhook wire types ---

type webhookPayload struct {
	EventNotifications []struct {
		RealmId         string `json:"realmId"`
		DataChangeEvent struct {
			Entities []webhookEntity `json:"entities"`
		} `json:"dataChangeEvent"`
	} `json:"eventNotifications"`
}

type webhookEntity struct {
	Name        string `json:"name"`
	Id          string `json:"id"`
	Operation   string `json:"operation"`
	LastUpdated string `json:"lastUpdated"`
}

// --- sync pass report ---

// SyncCounts reports one entity type's outcome within a sync pass.
type SyncCounts struct {
	Created int `json:"created"`
	Matched int `json:"matched"`
}

// SyncBatch is the in-memory result of one sync pass. It exists only for
// the duration of the request and is returned verbatim to the caller.
type SyncBatch struct {
	Customers SyncCounts `json:"customers"`
	Services  SyncCounts `json:"services"`
	Invoices  SyncCounts `json:"invoices"`
	Errors    []string   `json:"errors"`
}

func (b *SyncBatch) addError(msg string) {
	b.Errors = append(b.Errors, msg)
}

// --- handler payloads ---

type StatusResponse struct {
	Connected    bool     `json:"connected"`
	RealmId      string   `json:"realm_id,omitempty"`
	CompanyName  string   `json:"company_name,omitempty"`
	TokenExpires string   `json:"token_expires,omitempty"`
	RecentErrors []string `json:"recent_errors,omitempty"`
}

type ConnectResponse struct {
	AuthorizationURL string `json:"authorization_url"`
}
