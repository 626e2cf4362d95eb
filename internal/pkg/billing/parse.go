package billing

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/internal/pkg/entitlements"
)

// rawEnvelope tolerates the field spellings different provider SDK versions
// emit for the same envelope.
type rawEnvelope struct {
	ID        string          `json:"id"`
	EventID   string          `json:"event_id"`
	EventIDCc string          `json:"eventId"`
	Type      string          `json:"type"`
	EventType string          `json:"event_type"`
	TypeCc    string          `json:"eventType"`
	Object    json.RawMessage `json:"object"`
	Data      json.RawMessage `json:"data"`
}

// ParseEnvelope parses a verified webhook body into the generic envelope. It
// performs no business interpretation; object stays raw.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var re rawEnvelope
	if err := json.Unmarshal(raw, &re); err != nil {
		return nil, &MalformedEventError{EventType: "unknown", Reason: "body is not valid JSON"}
	}

	env := &Envelope{
		EventID:   firstNonEmpty(re.ID, re.EventID, re.EventIDCc),
		EventType: strings.ToLower(strings.TrimSpace(firstNonEmpty(re.Type, re.EventType, re.TypeCc))),
		Object:    re.Object,
	}
	if len(env.Object) == 0 {
		env.Object = re.Data
	}
	if env.EventType == "" {
		return nil, &MalformedEventError{EventType: "unknown", Reason: "missing event type"}
	}
	return env, nil
}

type rawCheckoutObject struct {
	UserID          uint   `json:"user_id"`
	Mode            string `json:"mode"`
	Tier            string `json:"tier"`
	CustomerRef     string `json:"customer_ref"`
	SubscriptionRef string `json:"subscription_ref"`
	TrialEnd        int64  `json:"trial_end"`
	PeriodEnd       int64  `json:"period_end"`
	Credits         int64  `json:"credits"`
	ExternalRef     string `json:"external_ref"`
}

// ParseCheckoutObject validates the checkout.completed payload. Subscription
// mode requires a mappable tier, payment mode a positive credit amount; both
// require the user reference the checkout was started with.
func ParseCheckoutObject(raw json.RawMessage) (*CheckoutObject, error) {
	var ro rawCheckoutObject
	if err := json.Unmarshal(raw, &ro); err != nil {
		return nil, &MalformedEventError{EventType: EventCheckoutCompleted, Reason: "object is not valid JSON"}
	}
	if ro.UserID == 0 {
		return nil, &MalformedEventError{EventType: EventCheckoutCompleted, Reason: "missing user_id"}
	}

	mode := strings.ToLower(strings.TrimSpace(ro.Mode))
	if mode == "" {
		mode = CheckoutModeSubscription
	}
	obj := &CheckoutObject{
		UserID:          ro.UserID,
		Mode:            mode,
		Tier:            string(entitlements.NormalizeTier(ro.Tier)),
		CustomerRef:     strings.TrimSpace(ro.CustomerRef),
		SubscriptionRef: strings.TrimSpace(ro.SubscriptionRef),
		TrialEnd:        unixPtr(ro.TrialEnd),
		PeriodEnd:       unixPtr(ro.PeriodEnd),
		Credits:         ro.Credits,
		ExternalRef:     strings.TrimSpace(ro.ExternalRef),
	}

	switch mode {
	case CheckoutModePayment:
		if obj.Credits <= 0 {
			return nil, &MalformedEventError{EventType: EventCheckoutCompleted, Reason: "payment mode requires positive credits"}
		}
	case CheckoutModeSubscription:
		if strings.TrimSpace(ro.Tier) == "" {
			return nil, &MalformedEventError{EventType: EventCheckoutCompleted, Reason: "subscription mode requires tier"}
		}
	default:
		return nil, &MalformedEventError{EventType: EventCheckoutCompleted, Reason: "unknown checkout mode " + mode}
	}
	return obj, nil
}

type rawSubscriptionObject struct {
	UserID            uint   `json:"user_id"`
	CustomerRef       string `json:"customer_ref"`
	SubscriptionRef   string `json:"subscription_ref"`
	Tier              string `json:"tier"`
	Status            string `json:"status"`
	TrialEnd          int64  `json:"trial_end"`
	PeriodStart       int64  `json:"period_start"`
	PeriodEnd         int64  `json:"period_end"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
}

// ParseSubscriptionObject validates the shared subscription payload. The
// event must carry at least one reference we can resolve a local subscription
// or user by.
func ParseSubscriptionObject(eventType string, raw json.RawMessage) (*SubscriptionObject, error) {
	var ro rawSubscriptionObject
	if err := json.Unmarshal(raw, &ro); err != nil {
		return nil, &MalformedEventError{EventType: eventType, Reason: "object is not valid JSON"}
	}

	obj := &SubscriptionObject{
		UserID:            ro.UserID,
		CustomerRef:       strings.TrimSpace(ro.CustomerRef),
		SubscriptionRef:   strings.TrimSpace(ro.SubscriptionRef),
		Tier:              strings.TrimSpace(ro.Tier),
		Status:            strings.ToLower(strings.TrimSpace(ro.Status)),
		TrialEnd:          unixPtr(ro.TrialEnd),
		PeriodStart:       unixPtr(ro.PeriodStart),
		PeriodEnd:         unixPtr(ro.PeriodEnd),
		CancelAtPeriodEnd: ro.CancelAtPeriodEnd,
	}
	if obj.UserID == 0 && obj.SubscriptionRef == "" && obj.CustomerRef == "" {
		return nil, &MalformedEventError{EventType: eventType, Reason: "missing user and subscription references"}
	}
	if eventType == EventSubscriptionUpdated {
		if obj.Status == "" {
			return nil, &MalformedEventError{EventType: eventType, Reason: "missing status"}
		}
		if !models.IsKnownSubscriptionStatus(obj.Status) {
			return nil, &MalformedEventError{EventType: eventType, Reason: "unknown status " + obj.Status}
		}
	}
	return obj, nil
}

func unixPtr(v int64) *time.Time {
	if v <= 0 {
		return nil
	}
	t := time.Unix(v, 0).UTC()
	return &t
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
