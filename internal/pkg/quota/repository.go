package quota

import (
	"context"
	"errors"

	"github.com/ManuelReschke/CreditFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides atomic counter operations. IncrementIfBelow is the
// correctness core: the conditional UPDATE makes check-and-increment a single
// statement, so N concurrent callers can never all pass a stale check.
type Repository interface {
	IncrementIfBelow(ctx context.Context, userID uint, periodKey string, limit int) (bool, error)
	Increment(ctx context.Context, userID uint, periodKey string) error
	Decrement(ctx context.Context, userID uint, periodKey string) error
	GetCount(ctx context.Context, userID uint, periodKey string) (int, error)
	ResetCounters(ctx context.Context, userID uint, periodKeys ...string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a usage counter repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) ensureCounter(ctx context.Context, userID uint, periodKey string) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "period_key"}},
		DoNothing: true,
	}).Create(&models.UsageCounter{UserID: userID, PeriodKey: periodKey}).Error
}

func (r *gormRepository) IncrementIfBelow(ctx context.Context, userID uint, periodKey string, limit int) (bool, error) {
	if err := r.ensureCounter(ctx, userID, periodKey); err != nil {
		return false, err
	}
	res := r.db.WithContext(ctx).Model(&models.UsageCounter{}).
		Where("user_id = ? AND period_key = ? AND count < ?", userID, periodKey, limit).
		UpdateColumn("count", gorm.Expr("count + 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRepository) Increment(ctx context.Context, userID uint, periodKey string) error {
	if err := r.ensureCounter(ctx, userID, periodKey); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&models.UsageCounter{}).
		Where("user_id = ? AND period_key = ?", userID, periodKey).
		UpdateColumn("count", gorm.Expr("count + 1")).Error
}

// Decrement releases a previously claimed slot. The count > 0 guard keeps a
// stray compensation from pushing a counter negative.
func (r *gormRepository) Decrement(ctx context.Context, userID uint, periodKey string) error {
	return r.db.WithContext(ctx).Model(&models.UsageCounter{}).
		Where("user_id = ? AND period_key = ? AND count > 0", userID, periodKey).
		UpdateColumn("count", gorm.Expr("count - 1")).Error
}

func (r *gormRepository) GetCount(ctx context.Context, userID uint, periodKey string) (int, error) {
	var c models.UsageCounter
	err := r.db.WithContext(ctx).Where("user_id = ? AND period_key = ?", userID, periodKey).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return c.Count, nil
}

func (r *gormRepository) ResetCounters(ctx context.Context, userID uint, periodKeys ...string) error {
	if len(periodKeys) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Where("user_id = ? AND period_key IN ?", userID, periodKeys).
		Delete(&models.UsageCounter{}).Error
}
