package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/internal/pkg/entitlements"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrDuplicateExternalRef signals that a deduplicated grant was already
// applied for the given external reference. Callers treat it as a no-op.
var ErrDuplicateExternalRef = errors.New("credit transaction with this external ref already exists")

// Service is the append-only credit ledger. Balances are never assigned
// directly; every mutation appends a CreditTransaction and adjusts the derived
// balance in the same database transaction.
type Service struct {
	repo Repository
}

// NewService creates a credits service from an injected repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// NewServiceFromDB creates a credits service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db))
}

// GetBalance returns the user's balance, creating it with the one-time signup
// bonus on first access.
func (s *Service) GetBalance(ctx context.Context, userID uint) (*models.CreditBalance, error) {
	if userID == 0 {
		return nil, errors.New("user_id is required")
	}

	b, err := s.repo.GetBalance(ctx, userID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return s.createWithSignupBonus(ctx, userID)
}

func (s *Service) createWithSignupBonus(ctx context.Context, userID uint) (*models.CreditBalance, error) {
	if err := s.repo.Transaction(ctx, func(tx Repository) error {
		return seedBalance(ctx, tx, userID)
	}); err != nil {
		return nil, err
	}
	return s.repo.GetBalance(ctx, userID)
}

// seedBalance creates the user's balance row with the one-time signup bonus.
// A concurrent first access may have seeded the row already; the unique
// user_id key makes sure only one writer records the bonus.
func seedBalance(ctx context.Context, tx Repository, userID uint) error {
	bonus := entitlements.SignupBonusCredits
	created, _, err := tx.CreateBalanceIfNotExists(ctx, &models.CreditBalance{
		UserID:         userID,
		Balance:        bonus,
		LifetimeEarned: bonus,
	})
	if err != nil {
		return err
	}
	if created && bonus > 0 {
		return tx.CreateTransaction(ctx, &models.CreditTransaction{
			ReferenceID:  uuid.NewString(),
			UserID:       userID,
			Type:         models.CreditTransactionSignupBonus,
			Amount:       bonus,
			BalanceAfter: bonus,
		})
	}
	return nil
}

// Credit appends a positive transaction and raises balance and lifetime
// earned atomically. Only earn types (plus the manual admin adjustment) are
// accepted here; debits go through Debit.
func (s *Service) Credit(ctx context.Context, userID uint, amount int64, txType string, opts Options) (*models.CreditTransaction, error) {
	if userID == 0 {
		return nil, errors.New("user_id is required")
	}
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	if !models.IsKnownCreditTransactionType(txType) {
		return nil, fmt.Errorf("unknown credit transaction type %q", txType)
	}
	if !models.IsEarnType(txType) && txType != models.CreditTransactionAdminAdjustment {
		return nil, fmt.Errorf("credit transaction type %q cannot add credits", txType)
	}

	var result *models.CreditTransaction
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		b, err := s.lockOrCreateBalance(ctx, tx, userID)
		if err != nil {
			return err
		}

		// The dedup check must run after the balance row is locked: the
		// locking read serializes writers for this user and starts the read
		// view, so a concurrent grant for the same ref is visible here. A
		// check before the lock would be a snapshot read under REPEATABLE
		// READ and both writers could pass it.
		if opts.DedupeByExternalRef && opts.RelatedExternalRef != "" {
			exists, err := tx.HasTransactionWithExternalRef(ctx, userID, txType, opts.RelatedExternalRef)
			if err != nil {
				return err
			}
			if exists {
				return ErrDuplicateExternalRef
			}
		}

		b.Balance += amount
		b.LifetimeEarned += amount
		record := &models.CreditTransaction{
			ReferenceID:        uuid.NewString(),
			UserID:             userID,
			Type:               txType,
			Amount:             amount,
			BalanceAfter:       b.Balance,
			GenerationType:     opts.GenerationType,
			RelatedExternalRef: opts.RelatedExternalRef,
			MetadataJSON:       opts.MetadataJSON,
		}
		if err := tx.CreateTransaction(ctx, record); err != nil {
			return err
		}
		if err := tx.SaveBalance(ctx, b); err != nil {
			return err
		}
		result = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Debit checks and spends credits in one atomic unit scoped to the user's
// balance row. A shortfall returns *InsufficientFundsError with no mutation.
func (s *Service) Debit(ctx context.Context, userID uint, amount int64, txType string, opts Options) (*models.CreditTransaction, error) {
	if userID == 0 {
		return nil, errors.New("user_id is required")
	}
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	if !models.IsKnownCreditTransactionType(txType) {
		return nil, fmt.Errorf("unknown credit transaction type %q", txType)
	}

	var result *models.CreditTransaction
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		b, err := s.lockOrCreateBalance(ctx, tx, userID)
		if err != nil {
			return err
		}

		if b.Balance < amount {
			return &InsufficientFundsError{UserID: userID, Requested: amount, Available: b.Balance}
		}

		b.Balance -= amount
		b.LifetimeSpent += amount
		record := &models.CreditTransaction{
			ReferenceID:        uuid.NewString(),
			UserID:             userID,
			Type:               txType,
			Amount:             -amount,
			BalanceAfter:       b.Balance,
			GenerationType:     opts.GenerationType,
			RelatedExternalRef: opts.RelatedExternalRef,
			MetadataJSON:       opts.MetadataJSON,
		}
		if err := tx.CreateTransaction(ctx, record); err != nil {
			return err
		}
		if err := tx.SaveBalance(ctx, b); err != nil {
			return err
		}
		result = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListTransactions returns the user's ledger, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID uint, offset, limit int) ([]models.CreditTransaction, int64, error) {
	if userID == 0 {
		return nil, 0, errors.New("user_id is required")
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListTransactions(ctx, userID, offset, limit)
}

// lockOrCreateBalance fetches the balance row under a FOR UPDATE lock,
// seeding it first when the user has no ledger yet.
func (s *Service) lockOrCreateBalance(ctx context.Context, tx Repository, userID uint) (*models.CreditBalance, error) {
	b, err := tx.GetBalanceForUpdate(ctx, userID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err := seedBalance(ctx, tx, userID); err != nil {
		return nil, err
	}
	return tx.GetBalanceForUpdate(ctx, userID)
}
