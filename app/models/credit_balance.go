package models

import "time"

// CreditBalance is the derived balance for a user's credit ledger. It is
// mutated exclusively through CreditTransaction appends inside the credits
// service; `balance == lifetime_earned - lifetime_spent` holds at all times.
type CreditBalance struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	UserID         uint      `gorm:"not null;uniqueIndex" json:"user_id"`
	Balance        int64     `gorm:"not null;default:0" json:"balance"`
	LifetimeEarned int64     `gorm:"not null;default:0" json:"lifetime_earned"`
	LifetimeSpent  int64     `gorm:"not null;default:0" json:"lifetime_spent"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
