package credits

import (
	"context"

	"github.com/ManuelReschke/CreditFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the credits service. All balance
// mutations run inside Transaction so the row lock taken by
// GetBalanceForUpdate serializes concurrent writers per user. Every method
// takes the request context so a handler timeout cancels the queries.
type Repository interface {
	Transaction(ctx context.Context, fn func(Repository) error) error
	GetBalance(ctx context.Context, userID uint) (*models.CreditBalance, error)
	GetBalanceForUpdate(ctx context.Context, userID uint) (*models.CreditBalance, error)
	CreateBalanceIfNotExists(ctx context.Context, balance *models.CreditBalance) (bool, *models.CreditBalance, error)
	SaveBalance(ctx context.Context, balance *models.CreditBalance) error
	CreateTransaction(ctx context.Context, tx *models.CreditTransaction) error
	HasTransactionWithExternalRef(ctx context.Context, userID uint, txType, externalRef string) (bool, error)
	ListTransactions(ctx context.Context, userID uint, offset, limit int) ([]models.CreditTransaction, int64, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a credits repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) GetBalance(ctx context.Context, userID uint) (*models.CreditBalance, error) {
	var b models.CreditBalance
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBalanceForUpdate locks the user's balance row for the enclosing
// transaction. Only meaningful inside Transaction.
func (r *gormRepository) GetBalanceForUpdate(ctx context.Context, userID uint) (*models.CreditBalance, error) {
	var b models.CreditBalance
	err := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&b).Error
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *gormRepository) CreateBalanceIfNotExists(ctx context.Context, balance *models.CreditBalance) (bool, *models.CreditBalance, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(balance)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.CreditBalance
	if err := r.db.WithContext(ctx).Where("user_id = ?", balance.UserID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) SaveBalance(ctx context.Context, balance *models.CreditBalance) error {
	return r.db.WithContext(ctx).Save(balance).Error
}

func (r *gormRepository) CreateTransaction(ctx context.Context, tx *models.CreditTransaction) error {
	return r.db.WithContext(ctx).Create(tx).Error
}

func (r *gormRepository) HasTransactionWithExternalRef(ctx context.Context, userID uint, txType, externalRef string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.CreditTransaction{}).
		Where("user_id = ? AND type = ? AND related_external_ref = ?", userID, txType, externalRef).
		Count(&count).Error
	return count > 0, err
}

func (r *gormRepository) ListTransactions(ctx context.Context, userID uint, offset, limit int) ([]models.CreditTransaction, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&models.CreditTransaction{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var txs []models.CreditTransaction
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&txs).Error
	return txs, total, err
}
