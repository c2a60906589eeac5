package qbosync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"strings"

	"bitbucket.org/fieldworks/workorders_backend/config"
	"bitbucket.org/fieldworks/workorders_backend/utils"
	"gorm.io/gorm"
)

var errBadSignature = errors.New("webhook signature mismatch")

// verifyWebhookSignature checks the HMAC-SHA256 signature QuickBooks sends
// in the intuit-signature header against the raw request body.
func verifyWebhookSignature(body []byte, signature string) error {
	verifierToken := strings.TrimSpace(os.Getenv("QBO_WEBHOOK_VERIFIER_TOKEN"))
	if verifierToken == "" {
		return errors.New("QBO_WEBHOOK_VERIFIER_TOKEN must be set")
	}
	if signature == "" {
		return errBadSignature
	}

	mac := hmac.New(sha256.New, []byte(verifierToken))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errBadSignature
	}
	return nil
}

// processWebhook walks the notification batch and refreshes the local
// payment status for every referenced invoice. Each notification is
// handled on its own: an unknown or disconnected realm and a failing
// invoice are logged and skipped, so one bad entry never drops the rest
// of the batch. Only local-storage failures bubble up, and only after
// every notification has been attempted.
func processWebhook(ctx context.Context, st store, payload *webhookPayload) error {
	logger := config.GetLogger()

	var storeErr error
	for _, notification := range payload.EventNotifications {
		realmId := notification.RealmId
		if realmId == "" {
			continue
		}

		cred, err := st.CredentialByRealm(ctx, realmId)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				logger.WithField("realm_id", realmId).
					Info("webhook for unknown realm, skipping")
				continue
			}
			config.LogError(logger, "qbosync", "processWebhook", "credential lookup", realmId, err)
			if storeErr == nil {
				storeErr = err
			}
			continue
		}

		var api remoteAPI
		for _, entity := range notification.DataChangeEvent.Entities {
			if !strings.EqualFold(entity.Name, "Invoice") || entity.Id == "" {
				continue
			}

			if api == nil {
				valid, err := GetValidCredential(ctx, cred.BusinessId)
				if err != nil {
					// A realm that stays subscribed after disconnecting is an
					// expected condition; nothing to do until it reconnects.
					logger.WithField("realm_id", realmId).
						WithError(err).Warn("webhook realm has no usable credential, skipping")
					break
				}
				api, err = newRemoteAPI(valid.AccessToken, valid.RealmId)
				if err != nil {
					logger.WithField("realm_id", realmId).
						WithError(err).Warn("webhook remote client unavailable, skipping realm")
					break
				}
			}

			invoiceId := entity.Id
			invoice, err := utils.Execute(ctx, func(ctx context.Context) (*qboInvoice, error) {
				return api.GetInvoice(ctx, invoiceId)
			}, utils.RetryOptions{})
			if err != nil {
				logger.WithField("qbo_invoice_id", invoiceId).
					WithError(err).Warn("webhook invoice fetch failed, skipping")
				continue
			}
			if invoice == nil || invoice.Id == "" {
				continue
			}

			changed, err := applyRemoteInvoice(ctx, st, cred.BusinessId, invoice)
			if err != nil {
				config.LogError(logger, "qbosync", "processWebhook", "apply invoice", invoiceId, err)
				if storeErr == nil {
					storeErr = err
				}
				continue
			}
			if changed {
				logger.WithFields(map[string]interface{}{
					"business_id":    cred.BusinessId,
					"qbo_invoice_id": invoiceId,
				}).Info("payment status updated from webhook")
			}
		}
	}
	return storeErr
}

func decodeWebhookPayload(body []byte) (*webhookPayload, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
