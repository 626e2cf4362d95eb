package entitlements

import "strings"

type Tier string

const (
	TierFree    Tier = "free"
	TierPro     Tier = "pro"
	TierProPlus Tier = "pro_plus"
)

// SignupBonusCredits is granted once, when a user's credit balance is first
// created.
const SignupBonusCredits int64 = 10

// Limits describes the generation caps for a tier. A zero cap means the
// dimension is not limited by a counter (paid tiers are credit-driven).
type Limits struct {
	DailyGenerations   int
	MonthlyGenerations int
	// TrialDailyGenerations applies instead of DailyGenerations while the
	// subscription is trialing; TrialTotalGenerations caps the whole trial
	// window independent of daily resets.
	TrialDailyGenerations int
	TrialTotalGenerations int
	// MonthlyCredits is the ledger grant applied on each successful renewal.
	MonthlyCredits int64
}

// LimitsFor returns the quota limits for a tier. Unknown tiers fall back to
// free-tier defaults.
func LimitsFor(tier Tier) Limits {
	switch tier {
	case TierProPlus:
		return Limits{
			TrialDailyGenerations: 20,
			TrialTotalGenerations: 60,
			MonthlyCredits:        1200,
		}
	case TierPro:
		return Limits{
			TrialDailyGenerations: 10,
			TrialTotalGenerations: 30,
			MonthlyCredits:        400,
		}
	default:
		return Limits{
			DailyGenerations:   5,
			MonthlyGenerations: 100,
		}
	}
}

// NormalizeTier maps arbitrary provider plan strings onto a known tier.
func NormalizeTier(tier string) Tier {
	switch strings.ToLower(strings.TrimSpace(tier)) {
	case string(TierPro):
		return TierPro
	case string(TierProPlus):
		return TierProPlus
	default:
		return TierFree
	}
}

// TierRank orders tiers so callers can compare upgrades against downgrades.
func TierRank(tier Tier) int {
	switch NormalizeTier(string(tier)) {
	case TierProPlus:
		return 2
	case TierPro:
		return 1
	default:
		return 0
	}
}

// Generation types and their fixed credit costs.
const (
	GenerationStandard = "standard"
	GenerationHD       = "hd"
	GenerationUltra    = "ultra"
)

// GenerationCost returns the credit cost of a generation type; ok is false for
// unknown types.
func GenerationCost(genType string) (cost int64, ok bool) {
	switch strings.ToLower(strings.TrimSpace(genType)) {
	case GenerationStandard:
		return 1, true
	case GenerationHD:
		return 3, true
	case GenerationUltra:
		return 8, true
	default:
		return 0, false
	}
}
