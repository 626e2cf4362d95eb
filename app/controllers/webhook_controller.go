package controllers

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/internal/pkg/billing"
	"github.com/ManuelReschke/CreditFox/internal/pkg/env"
	"github.com/gofiber/fiber/v2"
)

// WebhookController is the ingress for payment provider webhooks. It verifies
// the signature, claims the event against the idempotency guard, dispatches
// to the state machine and translates the outcome into the status code the
// provider's retry logic expects: 2xx stops redelivery, 5xx requests it.
type WebhookController struct {
	svc        *billing.Service
	dispatcher *billing.Dispatcher
	secret     string
}

func NewWebhookController(svc *billing.Service, dispatcher *billing.Dispatcher, secret string) *WebhookController {
	return &WebhookController{svc: svc, dispatcher: dispatcher, secret: secret}
}

// NewWebhookControllerFromEnv reads PAYMENT_WEBHOOK_SECRET.
func NewWebhookControllerFromEnv(svc *billing.Service, dispatcher *billing.Dispatcher) *WebhookController {
	return NewWebhookController(svc, dispatcher, env.GetEnv("PAYMENT_WEBHOOK_SECRET", ""))
}

// HandlePaymentWebhook processes a single webhook delivery.
func (wc *WebhookController) HandlePaymentWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("X-Webhook-Signature"))

	if wc.secret == "" && env.IsDev() {
		log.Println("[webhook] WARNING: PAYMENT_WEBHOOK_SECRET not set, skipping signature check")
	} else if !billing.VerifyWebhookSignature(rawBody, signature, wc.secret) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}

	envelope, err := billing.ParseEnvelope(rawBody)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	claim, err := wc.svc.RecordWebhookEvent(ctx, models.PaymentProviderDefault, envelope.EventID, envelope.EventType, rawBody)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	if claim.Duplicate {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "duplicate": true})
	}

	result, dispatchErr := wc.dispatcher.Dispatch(ctx, envelope)
	switch {
	case dispatchErr == nil:
		_ = wc.svc.MarkWebhookProcessed(ctx, claim.Event.ID, result, nil)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true})
	case errors.Is(dispatchErr, billing.ErrUnhandledEventType):
		// Known-but-irrelevant types are acknowledged so the provider stops
		// redelivering them.
		_ = wc.svc.MarkWebhookProcessed(ctx, claim.Event.ID, &billing.DomainResult{Summary: "ignored event type"}, nil)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "ignored": true})
	case errors.Is(dispatchErr, billing.ErrUnknownUser):
		// Retrying cannot conjure up a user we have never seen. Acknowledge,
		// keep the payload for manual inspection.
		log.Printf("[webhook] event %s references unknown user: %v", envelope.EventID, dispatchErr)
		_ = wc.svc.MarkWebhookProcessed(ctx, claim.Event.ID, &billing.DomainResult{Summary: "unknown user: " + dispatchErr.Error()}, nil)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "ignored": true})
	default:
		var malformed *billing.MalformedEventError
		if errors.As(dispatchErr, &malformed) {
			// Permanently malformed; a redelivery carries the same body.
			_ = wc.svc.MarkWebhookProcessed(ctx, claim.Event.ID, &billing.DomainResult{Summary: "malformed: " + malformed.Reason}, nil)
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "ignored": true})
		}
		// Transient failure: leave the event unprocessed with the error so
		// the provider's redelivery retries it.
		_ = wc.svc.MarkWebhookProcessed(ctx, claim.Event.ID, nil, dispatchErr)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_processing_failed"})
	}
}
