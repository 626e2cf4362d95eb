package billing

import (
	"context"
	"time"

	"github.com/ManuelReschke/CreditFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	Transaction(ctx context.Context, fn func(Repository) error) error
	UserExists(ctx context.Context, userID uint) (bool, error)
	GetSubscriptionByUser(ctx context.Context, userID uint) (*models.Subscription, error)
	GetSubscriptionByExternalRef(ctx context.Context, ref string) (*models.Subscription, error)
	GetSubscriptionByCustomerRef(ctx context.Context, ref string) (*models.Subscription, error)
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	SaveSubscription(ctx context.Context, sub *models.Subscription) error
	BackfillExternalSubscriptionRef(ctx context.Context, userID uint, ref string) (bool, error)
	CreateWebhookEventIfNotExists(ctx context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	ClaimWebhookRetry(ctx context.Context, id uint) (bool, error)
	MarkWebhookProcessed(ctx context.Context, id uint, resultSummary, processingError string) error
	PruneProcessedEvents(ctx context.Context, olderThan time.Time) (int64, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) UserExists(ctx context.Context, userID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Count(&count).Error
	return count > 0, err
}

func (r *gormRepository) GetSubscriptionByUser(ctx context.Context, userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetSubscriptionByExternalRef(ctx context.Context, ref string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("external_subscription_ref = ?", ref).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetSubscriptionByCustomerRef(ctx context.Context, ref string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("external_customer_ref = ?", ref).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *gormRepository) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

// BackfillExternalSubscriptionRef sets the external ref only while it is
// still empty. The conditional update keeps a late creation event (or a
// concurrent writer) from clobbering a ref that is already assigned.
func (r *gormRepository) BackfillExternalSubscriptionRef(ctx context.Context, userID uint, ref string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("user_id = ? AND external_subscription_ref = ''", userID).
		Update("external_subscription_ref", ref)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.WithContext(ctx).Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

// ClaimWebhookRetry atomically takes ownership of a failed event for one
// redelivery. The conditional update only matches an event that previously
// failed and is still unprocessed, and clearing processing_error makes the
// claim single-winner: concurrent redeliveries race on the same row and
// exactly one sees RowsAffected > 0.
func (r *gormRepository) ClaimWebhookRetry(ctx context.Context, id uint) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND processed_at IS NULL AND processing_error <> ''", id).
		Update("processing_error", "")
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, resultSummary, processingError string) error {
	updates := map[string]interface{}{
		"result_summary":   resultSummary,
		"processing_error": processingError,
	}
	if processingError == "" {
		now := time.Now()
		updates["processed_at"] = &now
	} else {
		// Leave processed_at unset so a redelivery reprocesses the event.
		updates["processed_at"] = nil
	}
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) PruneProcessedEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("processed_at IS NOT NULL AND processed_at < ?", olderThan).
		Delete(&models.WebhookEvent{})
	return res.RowsAffected, res.Error
}
