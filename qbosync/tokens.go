package qbosync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"bitbucket.org/fieldworks/workorders_backend/config"
	"bitbucket.org/fieldworks/workorders_backend/models"
	"bitbucket.org/fieldworks/workorders_backend/utils"
	"github.com/bsm/redislock"
	"github.com/go-resty/resty/v2"
	"gorm.io/gorm"
)

// ErrReconnectRequired means the stored credential is missing or its
// refresh token is no longer usable; the business must redo the OAuth
// handshake.
var ErrReconnectRequired = errors.New("qbo reconnect required")

// Refresh before the access token actually expires so in-flight requests
// never race the expiry instant.
const expiryMargin = 5 * time.Minute

type tokenResponse struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	TokenType             string `json:"token_type"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshTokenExpiresIn int64  `json:"x_refresh_token_expires_in"`
}

// Credential persistence indirection; swapped out in tests.
var (
	loadCredential = models.GetQboCredential
	storeTokens    = models.UpdateQboTokens
)

// Credential reads and writes run under the same retry executor as the
// remote calls, so a flaky database cannot stall the token path either.
func loadCredentialRetrying(ctx context.Context, businessId string) (*models.QboCredential, error) {
	return utils.Execute(ctx, func(ctx context.Context) (*models.QboCredential, error) {
		return loadCredential(ctx, businessId)
	}, utils.RetryOptions{})
}

func storeTokensRetrying(ctx context.Context, businessId, accessToken, refreshToken string, expiresAt time.Time) error {
	return utils.ExecuteVoid(ctx, func(ctx context.Context) error {
		return storeTokens(ctx, businessId, accessToken, refreshToken, expiresAt)
	}, utils.RetryOptions{})
}

// refreshMutexes serializes token refresh per business within this
// process. A best-effort redis lock extends the guarantee across replicas.
var (
	refreshMutexes   = map[string]*sync.Mutex{}
	refreshMutexesMu sync.Mutex
)

func refreshMutex(businessId string) *sync.Mutex {
	refreshMutexesMu.Lock()
	defer refreshMutexesMu.Unlock()
	mu, ok := refreshMutexes[businessId]
	if !ok {
		mu = &sync.Mutex{}
		refreshMutexes[businessId] = mu
	}
	return mu
}

func tokenEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("QBO_TOKEN_ENDPOINT")); v != "" {
		return v
	}
	return "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
}

func oauthClientCredentials() (string, string, error) {
	clientId := strings.TrimSpace(os.Getenv("QBO_CLIENT_ID"))
	clientSecret := strings.TrimSpace(os.Getenv("QBO_CLIENT_SECRET"))
	if clientId == "" || clientSecret == "" {
		return "", "", errors.New("QBO_CLIENT_ID and QBO_CLIENT_SECRET must be set")
	}
	return clientId, clientSecret, nil
}

// GetValidCredential returns a credential whose access token is good for
// at least the expiry margin, refreshing it first when needed. Concurrent
// callers for the same business share a single refresh.
func GetValidCredential(ctx context.Context, businessId string) (*models.QboCredential, error) {
	cred, err := loadCredentialRetrying(ctx, businessId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReconnectRequired
		}
		return nil, err
	}

	if time.Until(cred.ExpiresAt) > expiryMargin {
		return cred, nil
	}

	mu := refreshMutex(businessId)
	mu.Lock()
	defer mu.Unlock()

	// Cross-replica guard. Redis being down degrades to process-local
	// serialization rather than blocking sync entirely.
	if locker := config.GetRedisLock(); locker != nil {
		lock, lockErr := locker.Obtain(ctx, "QboRefresh:"+businessId, 30*time.Second, &redislock.Options{
			RetryStrategy: redislock.LinearBackoff(250 * time.Millisecond),
		})
		if lockErr == nil {
			defer lock.Release(context.WithoutCancel(ctx))
		}
	}

	// Another caller may have refreshed while we waited for the lock.
	cred, err = loadCredentialRetrying(ctx, businessId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReconnectRequired
		}
		return nil, err
	}
	if time.Until(cred.ExpiresAt) > expiryMargin {
		return cred, nil
	}

	return refreshCredential(ctx, cred)
}

func refreshCredential(ctx context.Context, cred *models.QboCredential) (*models.QboCredential, error) {
	logger := config.GetLogger()

	token, err := executeTokenRequest(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
	})
	if err != nil {
		config.LogError(logger, "qbosync", "refreshCredential", "token refresh failed", cred.BusinessId, err)
		return nil, ErrReconnectRequired
	}

	expiresAt := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	if err := storeTokensRetrying(ctx, cred.BusinessId, token.AccessToken, token.RefreshToken, expiresAt); err != nil {
		return nil, err
	}

	cred.AccessToken = token.AccessToken
	cred.RefreshToken = token.RefreshToken
	cred.ExpiresAt = expiresAt
	return cred, nil
}

// executeTokenRequest posts to the OAuth token endpoint with HTTP Basic
// auth from the registered app credentials.
func executeTokenRequest(ctx context.Context, form url.Values) (*tokenResponse, error) {
	clientId, clientSecret, err := oauthClientCredentials()
	if err != nil {
		return nil, err
	}

	var token tokenResponse
	resp, err := resty.New().
		SetTimeout(30*time.Second).
		R().
		SetContext(ctx).
		SetBasicAuth(clientId, clientSecret).
		SetHeader("Accept", "application/json").
		SetFormDataFromValues(form).
		SetResult(&token).
		Post(tokenEndpoint())
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("token endpoint status %d: %s", resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}
	if token.AccessToken == "" || token.RefreshToken == "" {
		return nil, errors.New("token endpoint returned empty tokens")
	}
	return &token, nil
}

// AuthorizationURL builds the consent URL for the OAuth connect flow.
// state is round-tripped through the remote consent screen and verified in
// the callback.
func AuthorizationURL(state string) (string, error) {
	clientId, _, err := oauthClientCredentials()
	if err != nil {
		return "", err
	}
	redirectURI := strings.TrimSpace(os.Getenv("QBO_REDIRECT_URI"))
	if redirectURI == "" {
		return "", errors.New("QBO_REDIRECT_URI must be set")
	}
	authEndpoint := strings.TrimSpace(os.Getenv("QBO_AUTH_ENDPOINT"))
	if authEndpoint == "" {
		authEndpoint = "https://appcenter.intuit.com/connect/oauth2"
	}

	params := url.Values{
		"client_id":     {clientId},
		"response_type": {"code"},
		"scope":         {"com.intuit.quickbooks.accounting"},
		"redirect_uri":  {redirectURI},
		"state":         {state},
	}
	return authEndpoint + "?" + params.Encode(), nil
}

// ExchangeAuthCode completes the OAuth handshake and stores the resulting
// credential, replacing any previous connection for the business.
func ExchangeAuthCode(ctx context.Context, businessId string, code string, realmId string) (*models.QboCredential, error) {
	redirectURI := strings.TrimSpace(os.Getenv("QBO_REDIRECT_URI"))
	if redirectURI == "" {
		return nil, errors.New("QBO_REDIRECT_URI must be set")
	}

	token, err := executeTokenRequest(ctx, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	})
	if err != nil {
		return nil, err
	}

	cred := &models.QboCredential{
		BusinessId:   businessId,
		RealmId:      realmId,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(token.ExpiresIn) * time.Second),
	}
	if err := utils.ExecuteVoid(ctx, func(ctx context.Context) error {
		return models.UpsertQboCredential(ctx, cred)
	}, utils.RetryOptions{}); err != nil {
		return nil, err
	}
	return cred, nil
}

// Disconnect revokes the refresh token remotely, then drops the stored
// credential. Revocation failure is logged but does not block the local
// delete.
func Disconnect(ctx context.Context, businessId string) error {
	logger := config.GetLogger()

	cred, err := loadCredentialRetrying(ctx, businessId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	if err := revokeToken(ctx, cred.RefreshToken); err != nil {
		config.LogError(logger, "qbosync", "Disconnect", "token revoke failed", businessId, err)
	}

	return utils.ExecuteVoid(ctx, func(ctx context.Context) error {
		return models.DeleteQboCredential(ctx, businessId)
	}, utils.RetryOptions{})
}

func revokeToken(ctx context.Context, refreshToken string) error {
	clientId, clientSecret, err := oauthClientCredentials()
	if err != nil {
		return err
	}
	revokeEndpoint := strings.TrimSpace(os.Getenv("QBO_REVOKE_ENDPOINT"))
	if revokeEndpoint == "" {
		revokeEndpoint = "https://developer.api.intuit.com/v2/oauth2/tokens/revoke"
	}

	resp, err := resty.New().
		SetTimeout(30*time.Second).
		R().
		SetContext(ctx).
		SetBasicAuth(clientId, clientSecret).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"token": refreshToken}).
		Post(revokeEndpoint)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("revoke endpoint status %d: %s", resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}
	return nil
}
