package qbosync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"bitbucket.org/fieldworks/workorders_backend/models"
	"gorm.io/gorm"
)

// stubCredentialLoader swaps the credential load seam for an in-memory
// map keyed by business id; unknown businesses act disconnected.
func stubCredentialLoader(t *testing.T, creds map[string]*models.QboCredential) {
	t.Helper()
	orig := loadCredential
	loadCredential = func(ctx context.Context, businessId string) (*models.QboCredential, error) {
		cred, ok := creds[businessId]
		if !ok {
			return nil, gorm.ErrRecordNotFound
		}
		copied := *cred
		return &copied, nil
	}
	t.Cleanup(func() { loadCredential = orig })
}

func stubRemoteAPI(t *testing.T, api remoteAPI) {
	t.Helper()
	orig := newRemoteAPI
	newRemoteAPI = func(accessToken string, realmId string) (remoteAPI, error) {
		return api, nil
	}
	t.Cleanup(func() { newRemoteAPI = orig })
}

func freshCredential(businessId, realmId string) *models.QboCredential {
	return &models.QboCredential{
		BusinessId:   businessId,
		RealmId:      realmId,
		AccessToken:  "access-" + businessId,
		RefreshToken: "refresh-" + businessId,
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

func signBody(t *testing.T, body []byte, verifierToken string) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(verifierToken))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhookSignature(t *testing.T) {
	t.Setenv("QBO_WEBHOOK_VERIFIER_TOKEN", "verifier-secret")
	body := []byte(`{"eventNotifications":[]}`)

	if err := verifyWebhookSignature(body, signBody(t, body, "verifier-secret")); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := verifyWebhookSignature(body, signBody(t, body, "wrong-secret")); err == nil {
		t.Fatal("signature from wrong secret accepted")
	}
	if err := verifyWebhookSignature(body, ""); err == nil {
		t.Fatal("missing signature accepted")
	}
	if err := verifyWebhookSignature([]byte("tampered"), signBody(t, body, "verifier-secret")); err == nil {
		t.Fatal("tampered body accepted")
	}
}

func TestVerifyWebhookSignatureRequiresToken(t *testing.T) {
	t.Setenv("QBO_WEBHOOK_VERIFIER_TOKEN", "")
	if err := verifyWebhookSignature([]byte("{}"), "sig"); err == nil {
		t.Fatal("verification must fail when no verifier token is configured")
	}
}

func TestProcessWebhookSkipsUnknownRealm(t *testing.T) {
	st := newFakeStore()

	payload, err := decodeWebhookPayload([]byte(`{
		"eventNotifications": [{
			"realmId": "unknown-realm",
			"dataChangeEvent": {"entities": [{"name": "Invoice", "id": "500", "operation": "Update"}]}
		}]
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if err := processWebhook(context.Background(), st, payload); err != nil {
		t.Fatalf("unknown realm must not fail the batch: %v", err)
	}
}

func TestProcessWebhookIgnoresNonInvoiceEntities(t *testing.T) {
	st := newFakeStore()
	st.credsByRealm["realm-1"] = nil // presence is irrelevant; no invoice entity should be reached

	payload, err := decodeWebhookPayload([]byte(`{
		"eventNotifications": [{
			"realmId": "realm-1",
			"dataChangeEvent": {"entities": [
				{"name": "Customer", "id": "10", "operation": "Update"},
				{"name": "Payment", "id": "20", "operation": "Create"}
			]}
		}]
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	// The remote client is built lazily on the first invoice entity; with
	// none present this must complete without touching credentials.
	if err := processWebhook(context.Background(), st, payload); err != nil {
		t.Fatalf("non-invoice entities must be ignored: %v", err)
	}
}

func TestProcessWebhookContinuesPastDisconnectedRealm(t *testing.T) {
	st := newFakeStore()
	st.credsByRealm["realm-dead"] = &models.QboCredential{BusinessId: "biz-dead", RealmId: "realm-dead"}
	st.credsByRealm["realm-live"] = &models.QboCredential{BusinessId: "biz-live", RealmId: "realm-live"}
	st.ordersByRemote["500"] = &models.WorkOrder{ID: 9, PaymentStatus: models.PaymentStatusPendingInvoice}

	// biz-dead has no stored credential anymore: disconnected but still
	// subscribed. biz-live is healthy.
	stubCredentialLoader(t, map[string]*models.QboCredential{
		"biz-live": freshCredential("biz-live", "realm-live"),
	})

	api := newFakeAPI()
	api.invoicesById["500"] = &qboInvoice{Id: "500", Balance: json.Number("0")}
	stubRemoteAPI(t, api)

	payload, err := decodeWebhookPayload([]byte(`{
		"eventNotifications": [
			{
				"realmId": "realm-dead",
				"dataChangeEvent": {"entities": [{"name": "Invoice", "id": "400", "operation": "Update"}]}
			},
			{
				"realmId": "realm-live",
				"dataChangeEvent": {"entities": [{"name": "Invoice", "id": "500", "operation": "Update"}]}
			}
		]
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if err := processWebhook(context.Background(), st, payload); err != nil {
		t.Fatalf("disconnected realm must not fail the batch: %v", err)
	}
	if st.credLookups != 2 {
		t.Fatalf("remaining notifications were dropped: %d realm lookups, want 2", st.credLookups)
	}
	if st.paymentStatus[9] != models.PaymentStatusPaid {
		t.Fatalf("healthy realm's invoice was not applied: status %q", st.paymentStatus[9])
	}
}

func TestProcessWebhookSkipsFailedInvoiceFetch(t *testing.T) {
	st := newFakeStore()
	st.credsByRealm["realm-1"] = &models.QboCredential{BusinessId: "biz-1", RealmId: "realm-1"}
	st.ordersByRemote["501"] = &models.WorkOrder{ID: 7, PaymentStatus: models.PaymentStatusPendingInvoice}

	stubCredentialLoader(t, map[string]*models.QboCredential{
		"biz-1": freshCredential("biz-1", "realm-1"),
	})

	api := newFakeAPI()
	api.invoiceErrs["404"] = errors.New("qbo api error status 404: invoice deleted")
	api.invoicesById["501"] = &qboInvoice{Id: "501", Balance: json.Number("0")}
	stubRemoteAPI(t, api)

	payload, err := decodeWebhookPayload([]byte(`{
		"eventNotifications": [{
			"realmId": "realm-1",
			"dataChangeEvent": {"entities": [
				{"name": "Invoice", "id": "404", "operation": "Delete"},
				{"name": "Invoice", "id": "501", "operation": "Update"}
			]}
		}]
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if err := processWebhook(context.Background(), st, payload); err != nil {
		t.Fatalf("failed fetch must not fail the batch: %v", err)
	}
	if st.paymentStatus[7] != models.PaymentStatusPaid {
		t.Fatalf("invoice after the failed one was not applied: status %q", st.paymentStatus[7])
	}
}

func TestProcessWebhookReportsStoreFailureAfterFullPass(t *testing.T) {
	st := newFakeStore()
	st.credsByRealm["realm-1"] = &models.QboCredential{BusinessId: "biz-1", RealmId: "realm-1"}
	st.credsByRealm["realm-2"] = &models.QboCredential{BusinessId: "biz-2", RealmId: "realm-2"}
	st.ordersByRemote["500"] = &models.WorkOrder{ID: 9, PaymentStatus: models.PaymentStatusPendingInvoice}
	st.paymentErr = errors.New("connection refused")

	stubCredentialLoader(t, map[string]*models.QboCredential{
		"biz-1": freshCredential("biz-1", "realm-1"),
		"biz-2": freshCredential("biz-2", "realm-2"),
	})

	api := newFakeAPI()
	api.invoicesById["500"] = &qboInvoice{Id: "500", Balance: json.Number("0")}
	stubRemoteAPI(t, api)

	payload, err := decodeWebhookPayload([]byte(`{
		"eventNotifications": [
			{
				"realmId": "realm-1",
				"dataChangeEvent": {"entities": [{"name": "Invoice", "id": "500", "operation": "Update"}]}
			},
			{
				"realmId": "realm-2",
				"dataChangeEvent": {"entities": [{"name": "Invoice", "id": "500", "operation": "Update"}]}
			}
		]
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if err := processWebhook(context.Background(), st, payload); err == nil {
		t.Fatal("local write failure must surface after the pass")
	}
	if st.credLookups != 2 {
		t.Fatalf("store failure aborted the batch early: %d realm lookups, want 2", st.credLookups)
	}
}
