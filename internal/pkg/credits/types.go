package credits

import "fmt"

// Options carries optional metadata for a ledger append.
type Options struct {
	GenerationType     string
	RelatedExternalRef string
	MetadataJSON       string
	// DedupeByExternalRef makes Credit a no-op when a transaction of the same
	// type with the same external ref already exists for the user. Webhook
	// driven grants use this so a replayed event can never grant twice.
	DedupeByExternalRef bool
}

// InsufficientFundsError is the normal business outcome of a debit against a
// balance that cannot cover it. It is not a system fault.
type InsufficientFundsError struct {
	UserID    uint
	Requested int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for user %d: requested %d, available %d", e.UserID, e.Requested, e.Available)
}
