package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/internal/pkg/credits"
	"github.com/ManuelReschke/CreditFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/CreditFox/internal/pkg/quota"
	"gorm.io/gorm"
)

// Service owns the subscription state machine and the webhook idempotency
// guard. Ledger and quota effects go through the injected services; every
// grant carries the triggering event ID so a replay can never apply twice.
type Service struct {
	repo    Repository
	credits *credits.Service
	quota   *quota.Service
}

// NewService creates a billing service from injected dependencies.
func NewService(repo Repository, creditsSvc *credits.Service, quotaSvc *quota.Service) *Service {
	return &Service{repo: repo, credits: creditsSvc, quota: quotaSvc}
}

// RecordWebhookEvent claims an inbound event against the idempotency guard.
// Events without a provider event ID are keyed by a payload hash so retried
// deliveries of the same body still deduplicate.
func (s *Service) RecordWebhookEvent(ctx context.Context, provider, eventID, eventType string, payload []byte) (*Claim, error) {
	p := strings.ToLower(strings.TrimSpace(provider))
	if p == "" {
		return nil, errors.New("provider is required")
	}
	id := strings.TrimSpace(eventID)
	if id == "" {
		sum := sha256.Sum256(payload)
		id = "hash:" + hex.EncodeToString(sum[:])
	}

	created, stored, err := s.repo.CreateWebhookEventIfNotExists(ctx, &models.WebhookEvent{
		Provider:        p,
		ProviderEventID: id,
		EventType:       strings.TrimSpace(eventType),
		PayloadJSON:     string(payload),
	})
	if err != nil {
		return nil, err
	}

	claim := &Claim{Event: &WebhookEventRef{ID: stored.ID, EventID: stored.ProviderEventID}, Created: created}
	if !created {
		// A stored but unprocessed row with an error is a failed earlier
		// attempt the provider is redelivering. The retry slot must be taken
		// atomically: concurrent redeliveries all see the failed row here,
		// and only the one that wins the conditional update may reprocess.
		// Everything else is a duplicate (processed, in flight, or lost the
		// retry race).
		if stored.ProcessedAt == nil && stored.ProcessingError != "" {
			claimed, err := s.repo.ClaimWebhookRetry(ctx, stored.ID)
			if err != nil {
				return nil, err
			}
			if claimed {
				claim.Retry = true
			} else {
				claim.Duplicate = true
			}
		} else {
			claim.Duplicate = true
		}
	}
	return claim, nil
}

// MarkWebhookProcessed records the outcome of processing an event. A non-nil
// error leaves the event unprocessed so a redelivery retries it.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, result *DomainResult, processingErr error) error {
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	summary := ""
	if result != nil {
		summary = result.Summary
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(ctx, webhookEventID, summary, errMsg)
}

// PruneProcessedEvents removes fully processed webhook events older than the
// cutoff. Storage hygiene only; dedup correctness never depends on it because
// providers stop retrying long before any reasonable retention window.
func (s *Service) PruneProcessedEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.repo.PruneProcessedEvents(ctx, olderThan)
}

// HandleCheckoutCompleted starts (or restarts) a subscription lifecycle, or
// applies a one-time credit pack for payment-mode checkouts.
func (s *Service) HandleCheckoutCompleted(ctx context.Context, eventID string, obj *CheckoutObject) (*DomainResult, error) {
	exists, err := s.repo.UserExists(ctx, obj.UserID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: user %d", ErrUnknownUser, obj.UserID)
	}

	if obj.Mode == CheckoutModePayment {
		ref := obj.ExternalRef
		if ref == "" {
			ref = eventID
		}
		tx, err := s.credits.Credit(ctx, obj.UserID, obj.Credits, models.CreditTransactionPurchase, credits.Options{
			RelatedExternalRef:  ref,
			DedupeByExternalRef: true,
		})
		if errors.Is(err, credits.ErrDuplicateExternalRef) {
			return &DomainResult{Summary: "credit pack already applied"}, nil
		}
		if err != nil {
			return nil, err
		}
		return &DomainResult{Summary: fmt.Sprintf("credited %d purchased credits (tx %s)", obj.Credits, tx.ReferenceID)}, nil
	}

	var summary string
	err = s.repo.Transaction(ctx, func(tx Repository) error {
		now := time.Now()
		sub, err := tx.GetSubscriptionByUser(ctx, obj.UserID)
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			fresh := newSubscriptionFromCheckout(obj, now)
			if err := tx.CreateSubscription(ctx, fresh); err != nil {
				return err
			}
			summary = "subscription started: " + fresh.Status
			return nil
		}

		if sub.IsTerminal() {
			// A checkout after cancel/expiry is a brand-new lifecycle, not a
			// resurrection of the old one.
			restarted := newSubscriptionFromCheckout(obj, now)
			restarted.ID = sub.ID
			restarted.CreatedAt = sub.CreatedAt
			if err := tx.SaveSubscription(ctx, restarted); err != nil {
				return err
			}
			summary = "subscription lifecycle restarted: " + restarted.Status
			return nil
		}

		// Late or duplicate checkout for a live subscription: fill missing
		// references, never move state backwards.
		changed := false
		if sub.ExternalCustomerRef == "" && obj.CustomerRef != "" {
			sub.ExternalCustomerRef = obj.CustomerRef
			changed = true
		}
		if sub.ExternalSubscriptionRef == "" && obj.SubscriptionRef != "" {
			sub.ExternalSubscriptionRef = obj.SubscriptionRef
			changed = true
		}
		if changed {
			if err := tx.SaveSubscription(ctx, sub); err != nil {
				return err
			}
		}
		summary = "checkout already applied"
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &DomainResult{Summary: summary}, nil
}

func newSubscriptionFromCheckout(obj *CheckoutObject, now time.Time) *models.Subscription {
	sub := &models.Subscription{
		UserID:                  obj.UserID,
		Tier:                    string(entitlements.NormalizeTier(obj.Tier)),
		Status:                  models.SubscriptionStatusActive,
		ExternalCustomerRef:     obj.CustomerRef,
		ExternalSubscriptionRef: obj.SubscriptionRef,
		CurrentPeriodStart:      &now,
	}
	if obj.TrialEnd != nil {
		sub.Status = models.SubscriptionStatusTrialing
		sub.TrialEndsAt = obj.TrialEnd
		sub.CurrentPeriodEnd = obj.TrialEnd
		return sub
	}
	if obj.PeriodEnd != nil {
		sub.CurrentPeriodEnd = obj.PeriodEnd
	} else {
		end := now.AddDate(0, 1, 0)
		sub.CurrentPeriodEnd = &end
	}
	return sub
}

// HandleSubscriptionCreated backfills the authoritative provider references
// and dates. It tolerates arriving before checkout.completed and never moves
// a subscription that progressed past trialing back into a trial.
func (s *Service) HandleSubscriptionCreated(ctx context.Context, obj *SubscriptionObject) (*DomainResult, error) {
	var summary string
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		sub, err := resolveSubscription(ctx, tx, obj)
		if err != nil {
			if !errors.Is(err, ErrUnknownUser) || obj.UserID == 0 {
				return err
			}
			// Creation event arrived before checkout: create from what we
			// have, provided the user exists.
			exists, uerr := tx.UserExists(ctx, obj.UserID)
			if uerr != nil {
				return uerr
			}
			if !exists {
				return fmt.Errorf("%w: user %d", ErrUnknownUser, obj.UserID)
			}
			now := time.Now()
			fresh := &models.Subscription{
				UserID:                  obj.UserID,
				Tier:                    string(entitlements.NormalizeTier(obj.Tier)),
				Status:                  models.SubscriptionStatusActive,
				ExternalCustomerRef:     obj.CustomerRef,
				ExternalSubscriptionRef: obj.SubscriptionRef,
				CurrentPeriodStart:      firstTime(obj.PeriodStart, &now),
				CurrentPeriodEnd:        obj.PeriodEnd,
			}
			if obj.TrialEnd != nil && obj.TrialEnd.After(now) {
				fresh.Status = models.SubscriptionStatusTrialing
				fresh.TrialEndsAt = obj.TrialEnd
			}
			if err := tx.CreateSubscription(ctx, fresh); err != nil {
				return err
			}
			summary = "subscription created before checkout: " + fresh.Status
			return nil
		}

		changed := false
		if sub.ExternalSubscriptionRef == "" && obj.SubscriptionRef != "" {
			ok, err := tx.BackfillExternalSubscriptionRef(ctx, sub.UserID, obj.SubscriptionRef)
			if err != nil {
				return err
			}
			if ok {
				sub.ExternalSubscriptionRef = obj.SubscriptionRef
			}
		}
		if sub.ExternalCustomerRef == "" && obj.CustomerRef != "" {
			sub.ExternalCustomerRef = obj.CustomerRef
			changed = true
		}
		// Authoritative trial/period dates apply only while still trialing;
		// a late creation event must not reopen a finished trial.
		if sub.IsTrialing() {
			if obj.TrialEnd != nil {
				sub.TrialEndsAt = obj.TrialEnd
				sub.CurrentPeriodEnd = obj.TrialEnd
				changed = true
			}
			if obj.PeriodStart != nil {
				sub.CurrentPeriodStart = obj.PeriodStart
				changed = true
			}
		}
		if changed {
			if err := tx.SaveSubscription(ctx, sub); err != nil {
				return err
			}
		}
		summary = "subscription references backfilled"
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &DomainResult{Summary: summary}, nil
}

// HandleSubscriptionUpdated maps the provider-reported status onto the local
// state machine. Terminal statuses additionally run the downgrade routine.
func (s *Service) HandleSubscriptionUpdated(ctx context.Context, obj *SubscriptionObject) (*DomainResult, error) {
	var summary string
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		sub, err := resolveSubscription(ctx, tx, obj)
		if err != nil {
			return err
		}

		prev := sub.Status
		if obj.Tier != "" {
			// A tier change during an in-flight trial keeps the trial; the
			// conversion happens via trial_ended or the provider reporting
			// active.
			prevTier := entitlements.NormalizeTier(sub.Tier)
			newTier := entitlements.NormalizeTier(obj.Tier)
			if newTier != prevTier {
				direction := "upgraded"
				if entitlements.TierRank(newTier) < entitlements.TierRank(prevTier) {
					direction = "downgraded"
				}
				log.Printf("billing: user %d %s from %s to %s", sub.UserID, direction, prevTier, newTier)
			}
			sub.Tier = string(newTier)
		}
		if obj.PeriodStart != nil {
			sub.CurrentPeriodStart = obj.PeriodStart
		}
		if obj.PeriodEnd != nil {
			sub.CurrentPeriodEnd = obj.PeriodEnd
		}
		sub.CancelAtPeriodEnd = obj.CancelAtPeriodEnd

		switch obj.Status {
		case models.SubscriptionStatusActive:
			if prev == models.SubscriptionStatusTrialing {
				now := time.Now()
				sub.TrialEndsAt = nil
				sub.TrialEndedAt = &now
			}
			sub.Status = models.SubscriptionStatusActive
		case models.SubscriptionStatusTrialing:
			// Never reopen a trial on a subscription that progressed.
			if prev != models.SubscriptionStatusTrialing {
				log.Printf("billing: ignoring trialing status for user %d in state %s", sub.UserID, prev)
			}
		case models.SubscriptionStatusPastDue, models.SubscriptionStatusPaused:
			sub.Status = obj.Status
		case models.SubscriptionStatusCanceled, models.SubscriptionStatusExpired:
			downgrade(sub, obj.Status)
		}

		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		summary = fmt.Sprintf("subscription updated: %s -> %s", prev, sub.Status)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &DomainResult{Summary: summary}, nil
}

// HandleTrialWillEnd records the notification; messaging reacts to it, the
// state machine does not.
func (s *Service) HandleTrialWillEnd(ctx context.Context, obj *SubscriptionObject) (*DomainResult, error) {
	sub, err := resolveSubscription(ctx, s.repo, obj)
	if err != nil {
		return nil, err
	}
	log.Printf("billing: trial ending soon for user %d (tier %s)", sub.UserID, sub.Tier)
	return &DomainResult{Summary: "trial ending notification recorded"}, nil
}

// HandleTrialEnded converts a trial into a paid subscription.
func (s *Service) HandleTrialEnded(ctx context.Context, obj *SubscriptionObject) (*DomainResult, error) {
	var summary string
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		sub, err := resolveSubscription(ctx, tx, obj)
		if err != nil {
			return err
		}
		if !sub.IsTrialing() {
			summary = "trial already ended"
			return nil
		}
		now := time.Now()
		sub.Status = models.SubscriptionStatusActive
		sub.TrialEndsAt = nil
		sub.TrialEndedAt = &now
		if obj.PeriodEnd != nil {
			sub.CurrentPeriodEnd = obj.PeriodEnd
		}
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		summary = "trial converted to active"
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &DomainResult{Summary: summary}, nil
}

// HandleSubscriptionEnded applies the terminal state for deleted/expired
// subscriptions and runs the downgrade routine. Idempotent.
func (s *Service) HandleSubscriptionEnded(ctx context.Context, obj *SubscriptionObject, terminalStatus string) (*DomainResult, error) {
	var summary string
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		sub, err := resolveSubscription(ctx, tx, obj)
		if err != nil {
			return err
		}
		downgrade(sub, terminalStatus)
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		summary = "subscription " + terminalStatus + ", user downgraded to free"
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &DomainResult{Summary: summary}, nil
}

// HandlePaymentFailed records the failure for observability. The provider is
// responsible for eventually reporting past_due or canceled.
func (s *Service) HandlePaymentFailed(ctx context.Context, obj *SubscriptionObject) (*DomainResult, error) {
	sub, err := resolveSubscription(ctx, s.repo, obj)
	if err != nil {
		return nil, err
	}
	log.Printf("billing: payment failed for user %d (subscription %s)", sub.UserID, sub.ExternalSubscriptionRef)
	return &DomainResult{Summary: "payment failure recorded"}, nil
}

// HandlePaymentSucceeded advances the billing period, resets the period
// quota counters and grants the tier's monthly credits. Tier is not touched.
// The credit grant is deduplicated by event ID, so a redelivery after a
// partial failure converges instead of double-granting.
func (s *Service) HandlePaymentSucceeded(ctx context.Context, eventID string, obj *SubscriptionObject) (*DomainResult, error) {
	var userID uint
	var tier entitlements.Tier
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		sub, err := resolveSubscription(ctx, tx, obj)
		if err != nil {
			return err
		}
		if obj.PeriodStart != nil {
			sub.CurrentPeriodStart = obj.PeriodStart
		}
		if obj.PeriodEnd != nil {
			sub.CurrentPeriodEnd = obj.PeriodEnd
		}
		if sub.Status == models.SubscriptionStatusPastDue {
			sub.Status = models.SubscriptionStatusActive
		}
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		userID = sub.UserID
		tier = entitlements.NormalizeTier(sub.Tier)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.quota.ResetPeriod(ctx, userID); err != nil {
		return nil, err
	}

	grant := entitlements.LimitsFor(tier).MonthlyCredits
	if grant > 0 {
		_, err := s.credits.Credit(ctx, userID, grant, models.CreditTransactionSubscriptionGrant, credits.Options{
			RelatedExternalRef:  eventID,
			DedupeByExternalRef: true,
		})
		if err != nil && !errors.Is(err, credits.ErrDuplicateExternalRef) {
			return nil, err
		}
	}
	return &DomainResult{Summary: fmt.Sprintf("renewal processed: quota reset, %d credits granted", grant)}, nil
}

// downgrade resets a subscription to the lowest tier with a terminal status.
// Running it twice for the same user produces the same end state.
func downgrade(sub *models.Subscription, terminalStatus string) {
	sub.Tier = string(entitlements.TierFree)
	sub.Status = terminalStatus
	sub.CancelAtPeriodEnd = false
	sub.TrialEndsAt = nil
}

// resolveSubscription finds the local subscription an event refers to, trying
// the strongest reference first.
func resolveSubscription(ctx context.Context, repo Repository, obj *SubscriptionObject) (*models.Subscription, error) {
	if obj.SubscriptionRef != "" {
		sub, err := repo.GetSubscriptionByExternalRef(ctx, obj.SubscriptionRef)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if obj.CustomerRef != "" {
		sub, err := repo.GetSubscriptionByCustomerRef(ctx, obj.CustomerRef)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if obj.UserID != 0 {
		sub, err := repo.GetSubscriptionByUser(ctx, obj.UserID)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: no subscription for refs (sub=%q customer=%q user=%d)",
		ErrUnknownUser, obj.SubscriptionRef, obj.CustomerRef, obj.UserID)
}

func firstTime(candidates ...*time.Time) *time.Time {
	for _, c := range candidates {
		if c != nil {
			return c
		}
	}
	return nil
}
