package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/internal/pkg/entitlements"
)

type counterKey struct {
	userID    uint
	periodKey string
}

// fakeCounterRepo holds counters in memory; IncrementIfBelow is atomic under
// the mutex, mirroring the single-statement conditional UPDATE. beforeClaim,
// when set, runs before a claim and can interleave a concurrent consumer.
type fakeCounterRepo struct {
	mu          sync.Mutex
	counters    map[counterKey]int
	beforeClaim func(periodKey string)
}

func newFakeCounterRepo() *fakeCounterRepo {
	return &fakeCounterRepo{counters: map[counterKey]int{}}
}

func (f *fakeCounterRepo) IncrementIfBelow(ctx context.Context, userID uint, periodKey string, limit int) (bool, error) {
	if f.beforeClaim != nil {
		f.beforeClaim(periodKey)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := counterKey{userID, periodKey}
	if f.counters[k] >= limit {
		return false, nil
	}
	f.counters[k]++
	return true, nil
}

func (f *fakeCounterRepo) Increment(ctx context.Context, userID uint, periodKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[counterKey{userID, periodKey}]++
	return nil
}

func (f *fakeCounterRepo) Decrement(ctx context.Context, userID uint, periodKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := counterKey{userID, periodKey}
	if f.counters[k] > 0 {
		f.counters[k]--
	}
	return nil
}

func (f *fakeCounterRepo) GetCount(ctx context.Context, userID uint, periodKey string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters[counterKey{userID, periodKey}], nil
}

func (f *fakeCounterRepo) ResetCounters(ctx context.Context, userID uint, periodKeys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pk := range periodKeys {
		delete(f.counters, counterKey{userID, pk})
	}
	return nil
}

func (f *fakeCounterRepo) set(userID uint, periodKey string, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[counterKey{userID, periodKey}] = count
}

// fakeSubs returns a fixed subscription per user.
type fakeSubs struct {
	subs map[uint]*models.Subscription
}

func (f *fakeSubs) GetSubscriptionByUser(ctx context.Context, userID uint) (*models.Subscription, error) {
	sub, ok := f.subs[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return sub, nil
}

func trialSub(tier string) *models.Subscription {
	ends := time.Now().Add(72 * time.Hour)
	return &models.Subscription{UserID: 1, Tier: tier, Status: models.SubscriptionStatusTrialing, TrialEndsAt: &ends}
}

func activeSub(tier string) *models.Subscription {
	return &models.Subscription{UserID: 1, Tier: tier, Status: models.SubscriptionStatusActive}
}

func TestFreeUserDailyLimit(t *testing.T) {
	repo := newFakeCounterRepo()
	svc := NewService(repo, &fakeSubs{subs: map[uint]*models.Subscription{}}, nil)
	ctx := context.Background()
	limit := entitlements.LimitsFor(entitlements.TierFree).DailyGenerations

	for i := 0; i < limit; i++ {
		res, err := svc.CheckAndIncrement(ctx, 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d of %d should pass", i+1, limit)
	}

	res, err := svc.CheckAndIncrement(ctx, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, limit, res.Used)
	assert.Equal(t, 0, res.Remaining)
}

func TestFreeUserMonthlyLimitRejectsBeforeDaily(t *testing.T) {
	repo := newFakeCounterRepo()
	svc := NewService(repo, &fakeSubs{subs: map[uint]*models.Subscription{}}, nil)
	limits := entitlements.LimitsFor(entitlements.TierFree)

	// Month exhausted, day untouched.
	repo.set(1, models.MonthlyPeriodKey(time.Now()), limits.MonthlyGenerations)

	res, err := svc.CheckAndIncrement(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// The rejection must not have consumed a daily slot.
	day, err := repo.GetCount(context.Background(), 1, models.DailyPeriodKey(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 0, day)
}

func TestTrialLimits(t *testing.T) {
	repo := newFakeCounterRepo()
	subs := &fakeSubs{subs: map[uint]*models.Subscription{1: trialSub("pro")}}
	svc := NewService(repo, subs, nil)
	ctx := context.Background()
	limits := entitlements.LimitsFor(entitlements.TierPro)

	for i := 0; i < limits.TrialDailyGenerations; i++ {
		res, err := svc.CheckAndIncrement(ctx, 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := svc.CheckAndIncrement(ctx, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestTrialTotalCapsAcrossDays(t *testing.T) {
	repo := newFakeCounterRepo()
	subs := &fakeSubs{subs: map[uint]*models.Subscription{1: trialSub("pro")}}
	svc := NewService(repo, subs, nil)
	limits := entitlements.LimitsFor(entitlements.TierPro)

	// Simulate earlier trial days having used up the trial total.
	repo.set(1, models.UsagePeriodTrial, limits.TrialTotalGenerations)

	res, err := svc.CheckAndIncrement(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "trial total cap must reject even on a fresh day")
}

func TestPaidTierHasNoCounterCap(t *testing.T) {
	repo := newFakeCounterRepo()
	subs := &fakeSubs{subs: map[uint]*models.Subscription{1: activeSub("pro_plus")}}
	svc := NewService(repo, subs, nil)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		res, err := svc.CheckAndIncrement(ctx, 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, -1, res.Limit)
	}

	// Usage is still recorded for reporting.
	day, err := repo.GetCount(context.Background(), 1, models.DailyPeriodKey(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 50, day)
}

func TestTerminalSubscriptionFallsBackToFree(t *testing.T) {
	repo := newFakeCounterRepo()
	sub := activeSub("pro_plus")
	sub.Status = models.SubscriptionStatusCanceled
	subs := &fakeSubs{subs: map[uint]*models.Subscription{1: sub}}
	svc := NewService(repo, subs, nil)
	ctx := context.Background()
	limit := entitlements.LimitsFor(entitlements.TierFree).DailyGenerations

	for i := 0; i < limit; i++ {
		res, err := svc.CheckAndIncrement(ctx, 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := svc.CheckAndIncrement(ctx, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestConcurrentConsumeIsExact(t *testing.T) {
	repo := newFakeCounterRepo()
	svc := NewService(repo, &fakeSubs{subs: map[uint]*models.Subscription{}}, nil)
	ctx := context.Background()
	limit := entitlements.LimitsFor(entitlements.TierFree).DailyGenerations

	attempts := limit * 5
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.CheckAndIncrement(ctx, 1)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, allowed, "exactly the daily limit must be admitted under concurrency")

	day, err := repo.GetCount(context.Background(), 1, models.DailyPeriodKey(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, limit, day)
}

func TestSecondaryRejectionReleasesDailySlot(t *testing.T) {
	repo := newFakeCounterRepo()
	svc := NewService(repo, &fakeSubs{subs: map[uint]*models.Subscription{}}, nil)
	limits := entitlements.LimitsFor(entitlements.TierFree)
	now := time.Now()
	monthKey := models.MonthlyPeriodKey(now)
	dayKey := models.DailyPeriodKey(now)

	// One monthly slot left at the pre-check; a concurrent consumer takes it
	// right before our monthly claim.
	repo.set(1, monthKey, limits.MonthlyGenerations-1)
	stolen := false
	repo.beforeClaim = func(periodKey string) {
		if periodKey == monthKey && !stolen {
			stolen = true
			repo.set(1, monthKey, limits.MonthlyGenerations)
		}
	}

	res, err := svc.CheckAndIncrement(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// The denied call must not leave its daily increment behind.
	day, err := repo.GetCount(context.Background(), 1, dayKey)
	require.NoError(t, err)
	assert.Equal(t, 0, day)
	assert.Equal(t, 0, res.Used)
}

func TestResetPeriodClearsCounters(t *testing.T) {
	repo := newFakeCounterRepo()
	subs := &fakeSubs{subs: map[uint]*models.Subscription{1: activeSub("pro")}}
	svc := NewService(repo, subs, nil)
	now := time.Now()

	repo.set(1, models.DailyPeriodKey(now), 7)
	repo.set(1, models.MonthlyPeriodKey(now), 42)
	repo.set(1, models.UsagePeriodTrial, 30)

	require.NoError(t, svc.ResetPeriod(context.Background(), 1))

	for _, pk := range []string{models.DailyPeriodKey(now), models.MonthlyPeriodKey(now), models.UsagePeriodTrial} {
		count, err := repo.GetCount(context.Background(), 1, pk)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	}
}

func TestGetDailyStatus(t *testing.T) {
	repo := newFakeCounterRepo()
	subs := &fakeSubs{subs: map[uint]*models.Subscription{
		2: trialSub("pro"),
		3: activeSub("pro_plus"),
	}}
	subs.subs[2].UserID = 2
	subs.subs[3].UserID = 3
	svc := NewService(repo, subs, nil)
	ctx := context.Background()

	// Free user (no subscription row).
	repo.set(1, models.DailyPeriodKey(time.Now()), 3)
	st, err := svc.GetDailyStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "free", st.Tier)
	assert.Equal(t, 3, st.DailyCount)
	assert.Equal(t, 5, st.DailyLimit)
	assert.True(t, st.CanGenerate)
	assert.Equal(t, 2, st.Remaining)

	// Trial user.
	st, err = svc.GetDailyStatus(ctx, 2)
	require.NoError(t, err)
	assert.True(t, st.IsTrial)
	assert.Equal(t, 10, st.DailyLimit)

	// Paid user: credit-driven, no counter limit.
	st, err = svc.GetDailyStatus(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, -1, st.DailyLimit)
	assert.True(t, st.CanGenerate)
	assert.Equal(t, -1, st.Remaining)
}
