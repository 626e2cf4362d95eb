package models

import "time"

// Payment provider constants used across billing-related models.
const (
	PaymentProviderDefault = "payment"
)

const (
	SubscriptionStatusTrialing = "trialing"
	SubscriptionStatusActive   = "active"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusPaused   = "paused"
	SubscriptionStatusCanceled = "canceled"
	SubscriptionStatusExpired  = "expired"
)

// Subscription tracks a user's commercial tier and lifecycle status. Each user
// owns exactly one row; a new checkout after a terminal status restarts the
// lifecycle in place instead of creating a second row.
type Subscription struct {
	ID                      uint       `gorm:"primaryKey" json:"id"`
	UserID                  uint       `gorm:"not null;uniqueIndex" json:"user_id"`
	Tier                    string     `gorm:"type:varchar(50);not null;default:'free';index" json:"tier"`
	Status                  string     `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	ExternalCustomerRef     string     `gorm:"type:varchar(191);not null;default:'';index" json:"external_customer_ref"`
	ExternalSubscriptionRef string     `gorm:"type:varchar(191);not null;default:'';index" json:"external_subscription_ref"`
	CurrentPeriodStart      *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd        *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	TrialEndsAt             *time.Time `gorm:"type:timestamp;default:null" json:"trial_ends_at,omitempty"`
	TrialEndedAt            *time.Time `gorm:"type:timestamp;default:null" json:"trial_ended_at,omitempty"`
	CancelAtPeriodEnd       bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CreatedAt               time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the subscription reached an end-of-lifecycle state.
func (s *Subscription) IsTerminal() bool {
	return s.Status == SubscriptionStatusCanceled || s.Status == SubscriptionStatusExpired
}

// IsTrialing reports whether the subscription is currently inside a trial window.
func (s *Subscription) IsTrialing() bool {
	return s.Status == SubscriptionStatusTrialing
}

// IsKnownSubscriptionStatus validates provider-reported status values.
func IsKnownSubscriptionStatus(status string) bool {
	switch status {
	case SubscriptionStatusTrialing, SubscriptionStatusActive, SubscriptionStatusPastDue,
		SubscriptionStatusPaused, SubscriptionStatusCanceled, SubscriptionStatusExpired:
		return true
	default:
		return false
	}
}
