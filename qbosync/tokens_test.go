package qbosync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bitbucket.org/fieldworks/workorders_backend/models"
	"gorm.io/gorm"
)

// stubCredentialStore swaps the persistence seams for an in-memory
// credential and restores them on cleanup.
func stubCredentialStore(t *testing.T, cred *models.QboCredential) {
	t.Helper()

	var mu sync.Mutex
	origLoad, origStore := loadCredential, storeTokens

	loadCredential = func(ctx context.Context, businessId string) (*models.QboCredential, error) {
		mu.Lock()
		defer mu.Unlock()
		if cred == nil {
			return nil, gorm.ErrRecordNotFound
		}
		copied := *cred
		return &copied, nil
	}
	storeTokens = func(ctx context.Context, businessId, accessToken, refreshToken string, expiresAt time.Time) error {
		mu.Lock()
		defer mu.Unlock()
		cred.AccessToken = accessToken
		cred.RefreshToken = refreshToken
		cred.ExpiresAt = expiresAt
		return nil
	}
	t.Cleanup(func() {
		loadCredential, storeTokens = origLoad, origStore
	})
}

func TestGetValidCredentialRetriesTransientLoad(t *testing.T) {
	var loads int64
	orig := loadCredential
	loadCredential = func(ctx context.Context, businessId string) (*models.QboCredential, error) {
		if atomic.AddInt64(&loads, 1) == 1 {
			return nil, errors.New("driver: bad connection")
		}
		return &models.QboCredential{
			BusinessId:   businessId,
			RealmId:      "realm-1",
			AccessToken:  "fresh-token",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Now().Add(time.Hour),
		}, nil
	}
	t.Cleanup(func() { loadCredential = orig })

	cred, err := GetValidCredential(context.Background(), "biz-retry")
	if err != nil {
		t.Fatalf("transient load failure was not retried: %v", err)
	}
	if cred.AccessToken != "fresh-token" {
		t.Fatalf("unexpected credential: %q", cred.AccessToken)
	}
	if got := atomic.LoadInt64(&loads); got != 2 {
		t.Fatalf("load attempts = %d, want 2", got)
	}
}

func TestGetValidCredentialMissingMeansReconnect(t *testing.T) {
	stubCredentialStore(t, nil)

	_, err := GetValidCredential(context.Background(), "biz-1")
	if !errors.Is(err, ErrReconnectRequired) {
		t.Fatalf("got %v, want ErrReconnectRequired", err)
	}
}

func TestGetValidCredentialFreshTokenSkipsRefresh(t *testing.T) {
	t.Setenv("QBO_CLIENT_ID", "client-id")
	t.Setenv("QBO_CLIENT_SECRET", "client-secret")
	t.Setenv("QBO_TOKEN_ENDPOINT", "http://127.0.0.1:1") // must never be called

	stubCredentialStore(t, &models.QboCredential{
		BusinessId:   "biz-1",
		RealmId:      "realm-1",
		AccessToken:  "fresh-token",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	})

	cred, err := GetValidCredential(context.Background(), "biz-1")
	if err != nil {
		t.Fatalf("GetValidCredential: %v", err)
	}
	if cred.AccessToken != "fresh-token" {
		t.Fatalf("fresh token was replaced: %q", cred.AccessToken)
	}
}

func TestConcurrentRefreshHitsEndpointOnce(t *testing.T) {
	var refreshCalls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&refreshCalls, 1)
		if _, _, ok := r.BasicAuth(); !ok {
			t.Error("token request missing basic auth")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"access-%d","refresh_token":"refresh-%d","token_type":"bearer","expires_in":3600}`, n, n)
	}))
	defer srv.Close()

	t.Setenv("QBO_CLIENT_ID", "client-id")
	t.Setenv("QBO_CLIENT_SECRET", "client-secret")
	t.Setenv("QBO_TOKEN_ENDPOINT", srv.URL)

	stubCredentialStore(t, &models.QboCredential{
		BusinessId:   "biz-1",
		RealmId:      "realm-1",
		AccessToken:  "stale",
		RefreshToken: "refresh-0",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	const workers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := GetValidCredential(context.Background(), "biz-1")
			if err != nil {
				errCh <- err
				return
			}
			if cred.AccessToken == "stale" {
				errCh <- errors.New("caller observed the expired token")
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	if got := atomic.LoadInt64(&refreshCalls); got != 1 {
		t.Fatalf("token endpoint hit %d times under concurrency, want exactly 1", got)
	}
}

func TestRefreshRejectionMeansReconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	t.Setenv("QBO_CLIENT_ID", "client-id")
	t.Setenv("QBO_CLIENT_SECRET", "client-secret")
	t.Setenv("QBO_TOKEN_ENDPOINT", srv.URL)

	stubCredentialStore(t, &models.QboCredential{
		BusinessId:   "biz-1",
		RealmId:      "realm-1",
		AccessToken:  "stale",
		RefreshToken: "revoked",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	_, err := GetValidCredential(context.Background(), "biz-1")
	if !errors.Is(err, ErrReconnectRequired) {
		t.Fatalf("got %v, want ErrReconnectRequired", err)
	}
}
