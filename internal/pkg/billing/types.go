package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Known webhook event types. Anything else is acknowledged and ignored.
const (
	EventCheckoutCompleted   = "checkout.completed"
	EventSubscriptionCreated = "subscription.created"
	EventSubscriptionUpdated = "subscription.updated"
	EventSubscriptionDeleted = "subscription.deleted"
	EventSubscriptionExpired = "subscription.expired"
	EventTrialWillEnd        = "subscription.trial_will_end"
	EventTrialEnded          = "subscription.trial_ended"
	EventPaymentSucceeded    = "payment.succeeded"
	EventPaymentFailed       = "payment.failed"
)

// Checkout modes. A payment-mode checkout is a one-time credit pack purchase
// and routes to the ledger instead of the subscription state machine.
const (
	CheckoutModeSubscription = "subscription"
	CheckoutModePayment      = "payment"
)

// Envelope is the loosely-typed shape every verified webhook body is parsed
// into before dispatch. Object stays raw until the per-event parser validates
// it into a typed payload.
type Envelope struct {
	EventID   string
	EventType string
	Object    json.RawMessage
}

// ErrUnhandledEventType marks event types this system intentionally ignores.
// The ingress still acknowledges them to stop redelivery.
var ErrUnhandledEventType = errors.New("unhandled webhook event type")

// ErrUnknownUser marks events referencing a user or subscription this system
// has never seen. Retrying cannot help, so the ingress acknowledges and logs.
var ErrUnknownUser = errors.New("event references an unknown user")

// MalformedEventError marks a payload that is permanently missing required
// fields. Acknowledged to avoid redelivery storms.
type MalformedEventError struct {
	EventType string
	Reason    string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event: %s", e.EventType, e.Reason)
}

// DomainResult summarizes what a dispatched event did; stored on the webhook
// event row for observability.
type DomainResult struct {
	Summary string
}

// CheckoutObject is the validated payload of a checkout.completed event.
type CheckoutObject struct {
	UserID          uint
	Mode            string
	Tier            string
	CustomerRef     string
	SubscriptionRef string
	TrialEnd        *time.Time
	PeriodEnd       *time.Time
	Credits         int64
	ExternalRef     string
}

// SubscriptionObject is the validated payload shared by subscription.* and
// payment.* events.
type SubscriptionObject struct {
	UserID            uint
	CustomerRef       string
	SubscriptionRef   string
	Tier              string
	Status            string
	TrialEnd          *time.Time
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
}

// Claim is the outcome of recording an inbound event against the idempotency
// guard. Exactly one of the flags below applies when Created is false:
// Duplicate means the event was already fully processed (or is in flight)
// and must be acknowledged without effects; Retry means an earlier attempt
// failed and processing should run again.
type Claim struct {
	Event     *WebhookEventRef
	Created   bool
	Duplicate bool
	Retry     bool
}

// WebhookEventRef is the subset of the stored event row handlers need.
type WebhookEventRef struct {
	ID      uint
	EventID string
}
