package entitlements

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimitsFor(t *testing.T) {
	free := LimitsFor(TierFree)
	assert.Equal(t, 5, free.DailyGenerations)
	assert.Equal(t, 100, free.MonthlyGenerations)
	assert.Equal(t, int64(0), free.MonthlyCredits)

	pro := LimitsFor(TierPro)
	assert.Equal(t, 10, pro.TrialDailyGenerations)
	assert.Equal(t, 30, pro.TrialTotalGenerations)
	assert.Equal(t, int64(400), pro.MonthlyCredits)

	proPlus := LimitsFor(TierProPlus)
	assert.Equal(t, 20, proPlus.TrialDailyGenerations)
	assert.Equal(t, 60, proPlus.TrialTotalGenerations)
	assert.Equal(t, int64(1200), proPlus.MonthlyCredits)

	// Unknown tiers get free-tier defaults.
	assert.Equal(t, free, LimitsFor(Tier("enterprise")))
}

func TestNormalizeTier(t *testing.T) {
	assert.Equal(t, TierPro, NormalizeTier("pro"))
	assert.Equal(t, TierPro, NormalizeTier(" PRO "))
	assert.Equal(t, TierProPlus, NormalizeTier("pro_plus"))
	assert.Equal(t, TierFree, NormalizeTier("free"))
	assert.Equal(t, TierFree, NormalizeTier(""))
	assert.Equal(t, TierFree, NormalizeTier("platinum"))
}

func TestTierRank(t *testing.T) {
	assert.Greater(t, TierRank(TierProPlus), TierRank(TierPro))
	assert.Greater(t, TierRank(TierPro), TierRank(TierFree))
	assert.Equal(t, TierRank(TierFree), TierRank(Tier("unknown")))
}

func TestGenerationCost(t *testing.T) {
	cost, ok := GenerationCost("standard")
	assert.True(t, ok)
	assert.Equal(t, int64(1), cost)

	cost, ok = GenerationCost("HD")
	assert.True(t, ok)
	assert.Equal(t, int64(3), cost)

	cost, ok = GenerationCost("ultra")
	assert.True(t, ok)
	assert.Equal(t, int64(8), cost)

	_, ok = GenerationCost("4k")
	assert.False(t, ok)
}
