package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"gorm.io/gorm"
)

type AttemptRepository interface {
	// Create stores an attempt, numbering it after the message's previous
	// attempts when AttemptNumber is zero.
	Create(ctx context.Context, a *domain.DeliveryAttempt) error
	ListByMessageID(ctx context.Context, messageID int64) ([]domain.DeliveryAttempt, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	model := attemptModelFromDomain(a)
	if model.ID == "" {
		model.ID = uuid.NewString()
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if model.AttemptNumber == 0 {
			var last int
			err := tx.Model(&DeliveryAttemptModel{}).
				Select("COALESCE(MAX(attempt_number), 0)").
				Where("message_id = ?", model.MessageID).
				Scan(&last).Error
			if err != nil {
				return err
			}
			model.AttemptNumber = last + 1
		}
		return tx.Create(model).Error
	})
	if err != nil {
		return err
	}

	*a = *attemptModelToDomain(model)
	return nil
}

// ListByMessageID returns the message's attempts oldest first.
func (r *GormAttemptRepo) ListByMessageID(ctx context.Context, messageID int64) ([]domain.DeliveryAttempt, error) {
	var models []DeliveryAttemptModel
	if err := r.db.WithContext(ctx).Order("attempt_number").Find(&models, "message_id = ?", messageID).Error; err != nil {
		return nil, err
	}

	out := make([]domain.DeliveryAttempt, len(models))
	for i := range models {
		out[i] = *attemptModelToDomain(&models[i])
	}
	return out, nil
}
