package models

import (
	"time"
)

// Period key layouts for usage counters. Daily and monthly counters reset
// implicitly because a new period produces a new key; nothing is deleted.
const (
	UsagePeriodDayLayout   = "2006-01-02"
	UsagePeriodMonthLayout = "2006-01"
	// UsagePeriodTrial scopes a counter to the whole trial window instead of
	// a calendar period.
	UsagePeriodTrial = "trial"
)

// UsageCounter is a per-user, per-period generation counter. Created lazily on
// first use in a period; read-modify-write is atomic per (user_id, period_key).
type UsageCounter struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;index:ux_usage_counters_user_period,unique,priority:1" json:"user_id"`
	PeriodKey string    `gorm:"type:varchar(16);not null;index:ux_usage_counters_user_period,unique,priority:2" json:"period_key"`
	Count     int       `gorm:"not null;default:0" json:"count"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// DailyPeriodKey returns the day-scoped usage period key for t.
func DailyPeriodKey(t time.Time) string {
	return t.UTC().Format(UsagePeriodDayLayout)
}

// MonthlyPeriodKey returns the month-scoped usage period key for t.
func MonthlyPeriodKey(t time.Time) string {
	return t.UTC().Format(UsagePeriodMonthLayout)
}
