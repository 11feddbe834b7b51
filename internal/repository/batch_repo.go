package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"gorm.io/gorm"
)

// maxVersionRetries bounds re-reads of a batch row after a lost optimistic
// update.
const maxVersionRetries = 5

type BatchRepository interface {
	// CreateWithMessages stores the batch and all of its messages atomically
	// and fills in their generated ids.
	CreateWithMessages(ctx context.Context, b *domain.Batch, messages []*domain.Message) error
	GetByBatchID(ctx context.Context, batchID string) (*domain.Batch, error)
}

type GormBatchRepo struct {
	db *gorm.DB
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db}
}

func (r *GormBatchRepo) CreateWithMessages(ctx context.Context, b *domain.Batch, messages []*domain.Message) error {
	if b == nil {
		return fmt.Errorf("%w: batch is required", domain.ErrValidation)
	}
	if len(messages) != b.TotalCount {
		return fmt.Errorf("%w: batch total %d does not match %d messages", domain.ErrValidation, b.TotalCount, len(messages))
	}

	now := time.Now().UTC()
	batchModel := batchModelFromDomain(b)
	if batchModel.CreatedAt.IsZero() {
		batchModel.CreatedAt = now
		batchModel.UpdatedAt = now
	}

	models := make([]MessageModel, 0, len(messages))
	for _, m := range messages {
		model := messageModelFromDomain(m)
		if model.CreatedAt.IsZero() {
			model.CreatedAt = batchModel.CreatedAt
			model.UpdatedAt = batchModel.CreatedAt
		}
		if model.ScheduledAt.IsZero() {
			model.ScheduledAt = model.CreatedAt
		}
		models = append(models, *model)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(batchModel).Error; err != nil {
			return fmt.Errorf("failed to create batch: %w", err)
		}
		if err := tx.CreateInBatches(&models, 500).Error; err != nil {
			return fmt.Errorf("failed to create messages: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %v", domain.ErrConflict, err)
		}
		return err
	}

	*b = *batchModelToDomain(batchModel)
	for i := range models {
		*messages[i] = *messageModelToDomain(&models[i])
	}
	return nil
}

func (r *GormBatchRepo) GetByBatchID(ctx context.Context, batchID string) (*domain.Batch, error) {
	return getBatch(r.db.WithContext(ctx), batchID)
}

func getBatch(db *gorm.DB, batchID string) (*domain.Batch, error) {
	var model BatchModel
	err := db.First(&model, "batch_id = ?", batchID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

// applyBatchOutcomes adds n resolved messages to a batch's counters. The row
// is written only if its version is unchanged since it was read; a lost race
// re-reads and tries again.
func applyBatchOutcomes(tx *gorm.DB, batchID string, outcome domain.MessageStatus, n int) (*domain.Batch, error) {
	for range maxVersionRetries {
		b, err := getBatch(tx, batchID)
		if err != nil {
			return nil, err
		}

		readVersion := b.Version
		if err := b.ApplyOutcomes(outcome, n); err != nil {
			return nil, err
		}

		result := tx.Model(&BatchModel{}).
			Where("id = ? AND version = ?", b.ID, readVersion).
			Updates(map[string]any{
				"success_count": b.SuccessCount,
				"failed_count":  b.FailedCount,
				"pending_count": b.PendingCount,
				"status":        b.Status,
				"version":       b.Version,
				"updated_at":    time.Now().UTC(),
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 1 {
			return b, nil
		}
	}

	return nil, fmt.Errorf("%w: batch %s changed concurrently %d times", domain.ErrConflict, batchID, maxVersionRetries)
}
