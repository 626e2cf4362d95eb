package controllers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/internal/pkg/billing"
)

const testWebhookSecret = "whsec_test"

// stubBillingRepo backs the webhook ingress tests. saveErr simulates a
// transient database failure during event handling.
type stubBillingRepo struct {
	subs    map[string]*models.Subscription
	events  map[string]*models.WebhookEvent
	nextID  uint
	saveErr error
}

func newStubBillingRepo() *stubBillingRepo {
	return &stubBillingRepo{
		subs:   map[string]*models.Subscription{},
		events: map[string]*models.WebhookEvent{},
		nextID: 1,
	}
}

func (s *stubBillingRepo) Transaction(ctx context.Context, fn func(billing.Repository) error) error {
	return fn(s)
}

func (s *stubBillingRepo) UserExists(ctx context.Context, userID uint) (bool, error) {
	return false, nil
}

func (s *stubBillingRepo) GetSubscriptionByUser(ctx context.Context, userID uint) (*models.Subscription, error) {
	for _, sub := range s.subs {
		if sub.UserID == userID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubBillingRepo) GetSubscriptionByExternalRef(ctx context.Context, ref string) (*models.Subscription, error) {
	if sub, ok := s.subs[ref]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubBillingRepo) GetSubscriptionByCustomerRef(ctx context.Context, ref string) (*models.Subscription, error) {
	return nil, gorm.ErrRecordNotFound
}

func (s *stubBillingRepo) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	cp := *sub
	s.subs[cp.ExternalSubscriptionRef] = &cp
	return nil
}

func (s *stubBillingRepo) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := *sub
	s.subs[cp.ExternalSubscriptionRef] = &cp
	return nil
}

func (s *stubBillingRepo) BackfillExternalSubscriptionRef(ctx context.Context, userID uint, ref string) (bool, error) {
	return false, nil
}

func (s *stubBillingRepo) CreateWebhookEventIfNotExists(ctx context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	key := event.Provider + "|" + event.ProviderEventID
	if stored, ok := s.events[key]; ok {
		cp := *stored
		return false, &cp, nil
	}
	cp := *event
	cp.ID = s.nextID
	s.nextID++
	s.events[key] = &cp
	out := cp
	return true, &out, nil
}

func (s *stubBillingRepo) ClaimWebhookRetry(ctx context.Context, id uint) (bool, error) {
	for _, ev := range s.events {
		if ev.ID == id {
			if ev.ProcessedAt != nil || ev.ProcessingError == "" {
				return false, nil
			}
			ev.ProcessingError = ""
			return true, nil
		}
	}
	return false, nil
}

func (s *stubBillingRepo) MarkWebhookProcessed(ctx context.Context, id uint, resultSummary, processingError string) error {
	for _, ev := range s.events {
		if ev.ID == id {
			ev.ResultSummary = resultSummary
			ev.ProcessingError = processingError
			if processingError == "" {
				now := time.Now()
				ev.ProcessedAt = &now
			} else {
				ev.ProcessedAt = nil
			}
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (s *stubBillingRepo) PruneProcessedEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func newWebhookTestApp(repo *stubBillingRepo) *fiber.App {
	svc := billing.NewService(repo, nil, nil)
	wc := NewWebhookController(svc, billing.NewDispatcher(svc), testWebhookSecret)

	app := fiber.New()
	app.Post("/webhooks/payment", wc.HandlePaymentWebhook)
	return app
}

func sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, app *fiber.App, payload []byte, signature string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest("POST", "/webhooks/payment", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &body))
	}
	return resp.StatusCode, body
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	app := newWebhookTestApp(newStubBillingRepo())
	payload := []byte(`{"id":"evt_1","type":"payment.failed","object":{"subscription_ref":"sub_1"}}`)

	status, body := postWebhook(t, app, payload, "")
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "invalid_signature", body["error"])

	status, _ = postWebhook(t, app, payload, "sha256=deadbeef")
	assert.Equal(t, fiber.StatusUnauthorized, status)
}

func TestWebhookRejectsInvalidPayload(t *testing.T) {
	app := newWebhookTestApp(newStubBillingRepo())
	payload := []byte(`this is not json`)

	status, body := postWebhook(t, app, payload, sign(payload))
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_payload", body["error"])
}

func TestWebhookProcessesSubscriptionUpdate(t *testing.T) {
	repo := newStubBillingRepo()
	repo.subs["sub_1"] = &models.Subscription{
		ID: 1, UserID: 7, Tier: "pro", Status: models.SubscriptionStatusActive,
		ExternalSubscriptionRef: "sub_1",
	}
	app := newWebhookTestApp(repo)
	payload := []byte(`{"id":"evt_1","type":"subscription.updated","object":{"subscription_ref":"sub_1","status":"past_due"}}`)

	status, body := postWebhook(t, app, payload, sign(payload))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, models.SubscriptionStatusPastDue, repo.subs["sub_1"].Status)

	ev := repo.events["payment|evt_1"]
	require.NotNil(t, ev)
	assert.NotNil(t, ev.ProcessedAt)
}

func TestWebhookAcknowledgesDuplicate(t *testing.T) {
	repo := newStubBillingRepo()
	repo.subs["sub_1"] = &models.Subscription{
		ID: 1, UserID: 7, Tier: "pro", Status: models.SubscriptionStatusActive,
		ExternalSubscriptionRef: "sub_1",
	}
	app := newWebhookTestApp(repo)
	payload := []byte(`{"id":"evt_1","type":"subscription.updated","object":{"subscription_ref":"sub_1","status":"paused"}}`)

	status, _ := postWebhook(t, app, payload, sign(payload))
	require.Equal(t, fiber.StatusOK, status)

	status, body := postWebhook(t, app, payload, sign(payload))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["duplicate"])
}

func TestWebhookAcknowledgesUnhandledType(t *testing.T) {
	app := newWebhookTestApp(newStubBillingRepo())
	payload := []byte(`{"id":"evt_1","type":"invoice.finalized","object":{}}`)

	status, body := postWebhook(t, app, payload, sign(payload))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["ignored"])
}

func TestWebhookAcknowledgesUnknownUser(t *testing.T) {
	app := newWebhookTestApp(newStubBillingRepo())
	payload := []byte(`{"id":"evt_1","type":"subscription.deleted","object":{"subscription_ref":"sub_ghost"}}`)

	status, body := postWebhook(t, app, payload, sign(payload))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["ignored"])
}

func TestWebhookAcknowledgesMalformedObject(t *testing.T) {
	app := newWebhookTestApp(newStubBillingRepo())
	// Valid envelope, payment-mode checkout without credits: permanently bad.
	payload := []byte(`{"id":"evt_1","type":"checkout.completed","object":{"user_id":1,"mode":"payment"}}`)

	status, body := postWebhook(t, app, payload, sign(payload))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["ignored"])
}

func TestWebhookReturns500OnTransientError(t *testing.T) {
	repo := newStubBillingRepo()
	repo.subs["sub_1"] = &models.Subscription{
		ID: 1, UserID: 7, Tier: "pro", Status: models.SubscriptionStatusActive,
		ExternalSubscriptionRef: "sub_1",
	}
	repo.saveErr = gorm.ErrInvalidTransaction
	app := newWebhookTestApp(repo)
	payload := []byte(`{"id":"evt_1","type":"subscription.updated","object":{"subscription_ref":"sub_1","status":"paused"}}`)

	status, body := postWebhook(t, app, payload, sign(payload))
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "event_processing_failed", body["error"])

	// The failed event stays retryable: the next delivery processes it again.
	ev := repo.events["payment|evt_1"]
	require.NotNil(t, ev)
	assert.Nil(t, ev.ProcessedAt)
	assert.NotEmpty(t, ev.ProcessingError)

	repo.saveErr = nil
	status, body = postWebhook(t, app, payload, sign(payload))
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["received"])
}
