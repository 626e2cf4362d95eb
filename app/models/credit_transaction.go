package models

import "time"

const (
	CreditTransactionSignupBonus       = "signup_bonus"
	CreditTransactionSubscriptionGrant = "subscription_grant"
	CreditTransactionPurchase          = "purchase"
	CreditTransactionGenerationDebit   = "generation_debit"
	CreditTransactionAdminAdjustment   = "admin_adjustment"
	CreditTransactionRefund            = "refund"
)

// CreditTransaction is one append-only row in a user's credit ledger.
// Amount is signed: earns are positive, debits negative. Rows are never
// updated or deleted once written.
type CreditTransaction struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	ReferenceID        string    `gorm:"type:char(36);not null;uniqueIndex" json:"reference_id"`
	UserID             uint      `gorm:"not null;index:idx_credit_transactions_user_created,priority:1" json:"user_id"`
	Type               string    `gorm:"type:varchar(32);not null;index" json:"type"`
	Amount             int64     `gorm:"not null" json:"amount"`
	BalanceAfter       int64     `gorm:"not null" json:"balance_after"`
	GenerationType     string    `gorm:"type:varchar(32);not null;default:''" json:"generation_type,omitempty"`
	RelatedExternalRef string    `gorm:"type:varchar(191);not null;default:'';index" json:"related_external_ref,omitempty"`
	MetadataJSON       string    `gorm:"type:text" json:"metadata_json,omitempty"`
	CreatedAt          time.Time `gorm:"autoCreateTime;index:idx_credit_transactions_user_created,priority:2" json:"created_at"`
}

// IsEarnType reports whether a transaction type adds credits.
func IsEarnType(txType string) bool {
	switch txType {
	case CreditTransactionSignupBonus, CreditTransactionSubscriptionGrant,
		CreditTransactionPurchase, CreditTransactionRefund:
		return true
	default:
		return false
	}
}

// IsKnownCreditTransactionType validates ledger transaction types.
func IsKnownCreditTransactionType(txType string) bool {
	switch txType {
	case CreditTransactionSignupBonus, CreditTransactionSubscriptionGrant,
		CreditTransactionPurchase, CreditTransactionGenerationDebit,
		CreditTransactionAdminAdjustment, CreditTransactionRefund:
		return true
	default:
		return false
	}
}
