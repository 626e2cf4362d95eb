package billing

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"id":"evt_1","type":"Payment.Succeeded","object":{"user_id":7}}`))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", env.EventID)
	assert.Equal(t, EventPaymentSucceeded, env.EventType)
	assert.JSONEq(t, `{"user_id":7}`, string(env.Object))
}

func TestParseEnvelopeAlternateSpellings(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"event_id":"evt_2","event_type":"subscription.updated","data":{"status":"active","user_id":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "evt_2", env.EventID)
	assert.Equal(t, EventSubscriptionUpdated, env.EventType)
	assert.NotEmpty(t, env.Object)

	env, err = ParseEnvelope([]byte(`{"eventId":"evt_3","eventType":"checkout.completed","object":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "evt_3", env.EventID)
	assert.Equal(t, EventCheckoutCompleted, env.EventType)
}

func TestParseEnvelopeMissingID(t *testing.T) {
	// An event without a provider ID is still valid; the idempotency layer
	// keys it by payload hash.
	env, err := ParseEnvelope([]byte(`{"type":"payment.failed","object":{"user_id":1}}`))
	require.NoError(t, err)
	assert.Empty(t, env.EventID)
}

func TestParseEnvelopeErrors(t *testing.T) {
	var malformed *MalformedEventError

	_, err := ParseEnvelope([]byte(`not json`))
	require.ErrorAs(t, err, &malformed)

	_, err = ParseEnvelope([]byte(`{"id":"evt_1","object":{}}`))
	require.ErrorAs(t, err, &malformed)
	assert.Contains(t, malformed.Reason, "event type")
}

func TestParseCheckoutObjectSubscriptionMode(t *testing.T) {
	trialEnd := time.Now().Add(7 * 24 * time.Hour).Unix()
	obj, err := ParseCheckoutObject([]byte(`{
		"user_id": 42, "mode": "subscription", "tier": "pro",
		"customer_ref": "cus_9", "subscription_ref": "sub_9",
		"trial_end": ` + itoa(trialEnd) + `}`))
	require.NoError(t, err)
	assert.Equal(t, uint(42), obj.UserID)
	assert.Equal(t, CheckoutModeSubscription, obj.Mode)
	assert.Equal(t, "pro", obj.Tier)
	require.NotNil(t, obj.TrialEnd)
	assert.Equal(t, trialEnd, obj.TrialEnd.Unix())
}

func TestParseCheckoutObjectDefaultsToSubscriptionMode(t *testing.T) {
	obj, err := ParseCheckoutObject([]byte(`{"user_id": 1, "tier": "pro"}`))
	require.NoError(t, err)
	assert.Equal(t, CheckoutModeSubscription, obj.Mode)
	assert.Nil(t, obj.TrialEnd)
}

func TestParseCheckoutObjectPaymentMode(t *testing.T) {
	obj, err := ParseCheckoutObject([]byte(`{"user_id": 1, "mode": "payment", "credits": 500, "external_ref": "pi_1"}`))
	require.NoError(t, err)
	assert.Equal(t, CheckoutModePayment, obj.Mode)
	assert.Equal(t, int64(500), obj.Credits)
	assert.Equal(t, "pi_1", obj.ExternalRef)
}

func TestParseCheckoutObjectValidation(t *testing.T) {
	var malformed *MalformedEventError

	_, err := ParseCheckoutObject([]byte(`{"mode":"payment","credits":100}`))
	require.ErrorAs(t, err, &malformed)
	assert.Contains(t, malformed.Reason, "user_id")

	_, err = ParseCheckoutObject([]byte(`{"user_id":1,"mode":"payment"}`))
	require.ErrorAs(t, err, &malformed)
	assert.Contains(t, malformed.Reason, "credits")

	_, err = ParseCheckoutObject([]byte(`{"user_id":1,"mode":"subscription"}`))
	require.ErrorAs(t, err, &malformed)
	assert.Contains(t, malformed.Reason, "tier")

	_, err = ParseCheckoutObject([]byte(`{"user_id":1,"mode":"setup"}`))
	require.ErrorAs(t, err, &malformed)
}

func TestParseSubscriptionObject(t *testing.T) {
	start := time.Now().Unix()
	obj, err := ParseSubscriptionObject(EventSubscriptionUpdated, []byte(`{
		"subscription_ref": "sub_1", "status": "Active", "tier": "pro_plus",
		"period_start": `+itoa(start)+`, "cancel_at_period_end": true}`))
	require.NoError(t, err)
	assert.Equal(t, "sub_1", obj.SubscriptionRef)
	assert.Equal(t, "active", obj.Status)
	assert.True(t, obj.CancelAtPeriodEnd)
	require.NotNil(t, obj.PeriodStart)
}

func TestParseSubscriptionObjectValidation(t *testing.T) {
	var malformed *MalformedEventError

	// No resolvable reference at all.
	_, err := ParseSubscriptionObject(EventSubscriptionDeleted, []byte(`{"status":"canceled"}`))
	require.ErrorAs(t, err, &malformed)

	// Updated events must carry a known status.
	_, err = ParseSubscriptionObject(EventSubscriptionUpdated, []byte(`{"subscription_ref":"sub_1"}`))
	require.ErrorAs(t, err, &malformed)
	assert.Contains(t, malformed.Reason, "status")

	_, err = ParseSubscriptionObject(EventSubscriptionUpdated, []byte(`{"subscription_ref":"sub_1","status":"hibernating"}`))
	require.ErrorAs(t, err, &malformed)
	assert.Contains(t, malformed.Reason, "hibernating")

	// Other event types tolerate a missing status.
	_, err = ParseSubscriptionObject(EventPaymentSucceeded, []byte(`{"subscription_ref":"sub_1"}`))
	assert.NoError(t, err)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
