package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/internal/pkg/entitlements"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const statusCacheTTL = 30 * time.Second

// SubscriptionSource resolves a user's current subscription. Satisfied by the
// billing repository; declared here so quota does not depend on billing.
type SubscriptionSource interface {
	GetSubscriptionByUser(ctx context.Context, userID uint) (*models.Subscription, error)
}

// Result is the outcome of a CheckAndIncrement call. A false Allowed is a
// normal rejection, not an error.
type Result struct {
	Allowed   bool `json:"allowed"`
	Used      int  `json:"used"`
	Limit     int  `json:"limit"`
	Remaining int  `json:"remaining"`
}

// DailyStatus is the quota summary exposed to the calling application.
// Limit/remaining of -1 mean the dimension is credit-driven, not counted.
type DailyStatus struct {
	DailyCount  int    `json:"daily_count"`
	DailyLimit  int    `json:"daily_limit"`
	CanGenerate bool   `json:"can_generate"`
	IsTrial     bool   `json:"is_trial"`
	Tier        string `json:"tier"`
	Remaining   int    `json:"remaining"`
}

// Service enforces per-period generation caps. All increments go through the
// repository's atomic conditional update; Redis only caches status reads.
type Service struct {
	repo  Repository
	subs  SubscriptionSource
	cache *redis.Client
}

// NewService creates a quota service. cache may be nil (status reads then
// always hit the database).
func NewService(repo Repository, subs SubscriptionSource, cache *redis.Client) *Service {
	return &Service{repo: repo, subs: subs, cache: cache}
}

// CheckAndIncrement consumes one generation slot for the user if the
// applicable caps allow it. Paid non-trial tiers carry no counter cap; their
// gate is the credit ledger.
func (s *Service) CheckAndIncrement(ctx context.Context, userID uint) (*Result, error) {
	if userID == 0 {
		return nil, errors.New("user_id is required")
	}

	tier, isTrial, err := s.tierState(ctx, userID)
	if err != nil {
		return nil, err
	}
	limits := entitlements.LimitsFor(tier)
	now := time.Now()
	dayKey := models.DailyPeriodKey(now)

	defer s.invalidateStatus(ctx, userID, dayKey)

	switch {
	case isTrial:
		return s.consume(ctx, userID, dayKey, limits.TrialDailyGenerations,
			models.UsagePeriodTrial, limits.TrialTotalGenerations)
	case tier == entitlements.TierFree:
		return s.consume(ctx, userID, dayKey, limits.DailyGenerations,
			models.MonthlyPeriodKey(now), limits.MonthlyGenerations)
	default:
		// Credit-driven tier: record usage for reporting, never reject here.
		if err := s.repo.Increment(ctx, userID, dayKey); err != nil {
			return nil, err
		}
		used, err := s.repo.GetCount(ctx, userID, dayKey)
		if err != nil {
			return nil, err
		}
		return &Result{Allowed: true, Used: used, Limit: -1, Remaining: -1}, nil
	}
}

// consume applies the daily cap atomically, then the secondary cap (monthly or
// trial-total). A denial never leaves a slot consumed: when the secondary cap
// rejects after the daily slot was taken (a concurrent consumer claimed the
// last secondary slot between check and claim), the daily increment is
// released again so the counters stay in step.
func (s *Service) consume(ctx context.Context, userID uint, dayKey string, dayLimit int, secondaryKey string, secondaryLimit int) (*Result, error) {
	if secondaryLimit > 0 {
		count, err := s.repo.GetCount(ctx, userID, secondaryKey)
		if err != nil {
			return nil, err
		}
		if count >= secondaryLimit {
			used, err := s.repo.GetCount(ctx, userID, dayKey)
			if err != nil {
				return nil, err
			}
			return &Result{Allowed: false, Used: used, Limit: dayLimit, Remaining: remaining(used, dayLimit)}, nil
		}
	}

	ok, err := s.repo.IncrementIfBelow(ctx, userID, dayKey, dayLimit)
	if err != nil {
		return nil, err
	}
	used, err := s.repo.GetCount(ctx, userID, dayKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Result{Allowed: false, Used: used, Limit: dayLimit, Remaining: remaining(used, dayLimit)}, nil
	}

	if secondaryLimit > 0 {
		ok, err := s.repo.IncrementIfBelow(ctx, userID, secondaryKey, secondaryLimit)
		if err != nil {
			return nil, err
		}
		if !ok {
			if derr := s.repo.Decrement(ctx, userID, dayKey); derr != nil {
				return nil, derr
			}
			used--
			return &Result{Allowed: false, Used: used, Limit: dayLimit, Remaining: remaining(used, dayLimit)}, nil
		}
	}

	return &Result{Allowed: true, Used: used, Limit: dayLimit, Remaining: remaining(used, dayLimit)}, nil
}

// GetDailyStatus reports the user's quota situation for today. Served from a
// short-lived Redis cache when available.
func (s *Service) GetDailyStatus(ctx context.Context, userID uint) (*DailyStatus, error) {
	if userID == 0 {
		return nil, errors.New("user_id is required")
	}

	now := time.Now()
	dayKey := models.DailyPeriodKey(now)
	cacheKey := statusCacheKey(userID, dayKey)

	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, cacheKey).Result(); err == nil {
			var cached DailyStatus
			if json.Unmarshal([]byte(raw), &cached) == nil {
				return &cached, nil
			}
		}
	}

	tier, isTrial, err := s.tierState(ctx, userID)
	if err != nil {
		return nil, err
	}
	limits := entitlements.LimitsFor(tier)

	count, err := s.repo.GetCount(ctx, userID, dayKey)
	if err != nil {
		return nil, err
	}

	status := &DailyStatus{
		DailyCount: count,
		IsTrial:    isTrial,
		Tier:       string(tier),
	}
	switch {
	case isTrial:
		status.DailyLimit = limits.TrialDailyGenerations
		trialUsed, err := s.repo.GetCount(ctx, userID, models.UsagePeriodTrial)
		if err != nil {
			return nil, err
		}
		status.CanGenerate = count < limits.TrialDailyGenerations && trialUsed < limits.TrialTotalGenerations
		status.Remaining = remaining(count, limits.TrialDailyGenerations)
	case tier == entitlements.TierFree:
		status.DailyLimit = limits.DailyGenerations
		monthUsed, err := s.repo.GetCount(ctx, userID, models.MonthlyPeriodKey(now))
		if err != nil {
			return nil, err
		}
		status.CanGenerate = count < limits.DailyGenerations &&
			(limits.MonthlyGenerations <= 0 || monthUsed < limits.MonthlyGenerations)
		status.Remaining = remaining(count, limits.DailyGenerations)
	default:
		status.DailyLimit = -1
		status.CanGenerate = true
		status.Remaining = -1
	}

	if s.cache != nil {
		if raw, err := json.Marshal(status); err == nil {
			_ = s.cache.Set(ctx, cacheKey, raw, statusCacheTTL).Err()
		}
	}
	return status, nil
}

// ResetPeriod clears the user's current-period counters. Called on a renewal
// payment so the new billing period starts fresh.
func (s *Service) ResetPeriod(ctx context.Context, userID uint) error {
	if userID == 0 {
		return errors.New("user_id is required")
	}
	now := time.Now()
	dayKey := models.DailyPeriodKey(now)
	if err := s.repo.ResetCounters(ctx, userID, dayKey, models.MonthlyPeriodKey(now), models.UsagePeriodTrial); err != nil {
		return err
	}
	s.invalidateStatus(ctx, userID, dayKey)
	return nil
}

func (s *Service) tierState(ctx context.Context, userID uint) (entitlements.Tier, bool, error) {
	sub, err := s.subs.GetSubscriptionByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entitlements.TierFree, false, nil
		}
		return entitlements.TierFree, false, err
	}
	if sub.IsTerminal() {
		return entitlements.TierFree, false, nil
	}
	return entitlements.NormalizeTier(sub.Tier), sub.IsTrialing(), nil
}

func (s *Service) invalidateStatus(ctx context.Context, userID uint, dayKey string) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Del(ctx, statusCacheKey(userID, dayKey)).Err()
}

func statusCacheKey(userID uint, dayKey string) string {
	return fmt.Sprintf("quota:status:%d:%s", userID, dayKey)
}

func remaining(used, limit int) int {
	if limit <= 0 {
		return -1
	}
	if used >= limit {
		return 0
	}
	return limit - used
}
