package qbosync

import (
	"errors"
	"io"
	"net/http"
	"time"

	"bitbucket.org/fieldworks/workorders_backend/config"
	"bitbucket.org/fieldworks/workorders_backend/models"
	"bitbucket.org/fieldworks/workorders_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func resolveBusinessID(c *gin.Context) (string, error) {
	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok || businessId == "" {
		return "", errors.New("business id missing from session")
	}
	return businessId, nil
}

// requireFeature answers whether the caller's plan includes accounting
// sync; on failure it has already written the response.
func requireFeature(c *gin.Context, businessId string) bool {
	ctx := c.Request.Context()

	business, err := models.GetBusinessById(ctx, businessId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return false
	}
	if !config.AccountingSyncEnabled(business.Plan) {
		c.JSON(http.StatusForbidden, gin.H{"error": "accounting sync is not included in your plan"})
		return false
	}
	return true
}

func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)

		cred, err := models.GetQboCredential(ctx, businessId)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusOK, StatusResponse{Connected: false})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp := StatusResponse{
			Connected:    true,
			RealmId:      cred.RealmId,
			TokenExpires: cred.ExpiresAt.UTC().Format(time.RFC3339),
		}

		if syncErrors, err := models.GetRecentQboSyncErrors(ctx, businessId, 10); err == nil {
			for _, syncError := range syncErrors {
				resp.RecentErrors = append(resp.RecentErrors, syncError.Message)
			}
		}

		// Company name is a courtesy field; a failed lookup does not
		// degrade the status response.
		if valid, err := GetValidCredential(ctx, businessId); err == nil {
			if api, err := newRemoteAPI(valid.AccessToken, valid.RealmId); err == nil {
				if info, err := api.GetCompanyInfo(ctx); err == nil {
					resp.CompanyName = info.CompanyName
				}
			}
		}

		c.JSON(http.StatusOK, resp)
	}
}

func ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if !requireFeature(c, businessId) {
			return
		}

		state := uuid.New().String()
		if err := config.SetRedisValue("QboOAuthState:"+state, businessId, 10*time.Minute); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		authURL, err := AuthorizationURL(state)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, ConnectResponse{AuthorizationURL: authURL})
	}
}

// CallbackHandler completes the OAuth handshake. It is reached by remote
// redirect, so the business is identified by the state nonce rather than
// a session.
func CallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		code := c.Query("code")
		state := c.Query("state")
		realmId := c.Query("realmId")
		if code == "" || state == "" || realmId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "code, state and realmId are required"})
			return
		}

		businessId, found, err := config.GetRedisValue("QboOAuthState:" + state)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !found || businessId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown or expired state"})
			return
		}
		_ = config.RemoveRedisKey("QboOAuthState:" + state)

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		if _, err := ExchangeAuthCode(ctx, businessId, code, realmId); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"connected": true, "realm_id": realmId})
	}
}

func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)

		if err := Disconnect(ctx, businessId); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"disconnected": true})
	}
}

// TriggerSyncHandler runs one sync pass. Partial entity failures still
// return 200 with the batch report; only account-level problems map to
// 4xx.
func TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if !requireFeature(c, businessId) {
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)

		exceeded, err := config.SyncQuotaExceeded(ctx, businessId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if exceeded {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "monthly sync quota exceeded"})
			return
		}

		batch, err := RunSync(ctx, businessId, c.Query("syncType"))
		if err != nil {
			if errors.Is(err, ErrReconnectRequired) {
				c.JSON(http.StatusConflict, gin.H{"error": "accounting connection expired, please reconnect"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := config.CountSyncRun(ctx, businessId); err != nil {
			config.LogError(config.GetLogger(), "qbosync", "TriggerSyncHandler", "quota counter", businessId, err)
		}
		c.JSON(http.StatusOK, batch)
	}
}

// WebhookHandler ingests remote change notifications. It always answers
// 200 once the signature checks out, even for unmatched ids; 500 is
// reserved for infrastructure failures.
func WebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}

		if err := verifyWebhookSignature(body, c.GetHeader("intuit-signature")); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
			return
		}

		payload, err := decodeWebhookPayload(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}

		if err := processWebhook(c.Request.Context(), newGormStore(), payload); err != nil {
			config.LogError(config.GetLogger(), "qbosync", "WebhookHandler", "processing", nil, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook processing failed"})
			return
		}
		c.Status(http.StatusOK)
	}
}
