package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"gorm.io/gorm"
)

// idChunkSize bounds IN lists in bulk updates.
const idChunkSize = 500

type ListParams struct {
	Status   *domain.MessageStatus
	Page     int
	PageSize int
}

type MessageRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Message, error)
	ListByBatchID(ctx context.Context, batchID string, params ListParams) ([]domain.Message, int64, error)
	// GetStatuses returns the current status of each existing id.
	GetStatuses(ctx context.Context, ids []int64) (map[int64]domain.MessageStatus, error)
	MarkEnqueued(ctx context.Context, ids []int64, at time.Time) error
	// MarkSending claims a message for one send attempt and holds it for
	// lease. It returns nil and no error when the message is already
	// terminal, and domain.ErrClaimed while another attempt holds it.
	MarkSending(ctx context.Context, id int64, lease time.Duration) (*domain.Message, error)
	// ReleaseClaim drops the hold on a sending message whose attempt ended
	// without an outcome.
	ReleaseClaim(ctx context.Context, id int64) error
	// Resolve moves a sending message to success or failed and applies the
	// outcome to its batch in the same transaction.
	Resolve(ctx context.Context, id int64, outcome domain.MessageStatus, errMsg string, at time.Time) (*domain.Batch, error)
	// FailUnresolved fails every non-terminal message among ids and applies
	// them to the batch as one update. It returns the number of messages
	// failed; already terminal messages are skipped.
	FailUnresolved(ctx context.Context, batchID string, ids []int64, reason string) (int, error)
	// GetDueForDispatch returns pending messages that were never enqueued
	// and are due now.
	GetDueForDispatch(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]domain.Message, error)
}

type GormMessageRepo struct {
	db *gorm.DB
}

func NewGormMessageRepo(db *gorm.DB) *GormMessageRepo {
	return &GormMessageRepo{db: db}
}

func (r *GormMessageRepo) GetByID(ctx context.Context, id int64) (*domain.Message, error) {
	return getMessage(r.db.WithContext(ctx), id)
}

func getMessage(db *gorm.DB, id int64) (*domain.Message, error) {
	var model MessageModel
	err := db.First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return messageModelToDomain(&model), nil
}

func (r *GormMessageRepo) ListByBatchID(ctx context.Context, batchID string, params ListParams) ([]domain.Message, int64, error) {
	query := r.db.WithContext(ctx).Model(&MessageModel{}).Where("batch_id = ?", batchID)
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []MessageModel
	err := query.
		Order("id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	messages := make([]domain.Message, 0, len(models))
	for i := range models {
		messages = append(messages, *messageModelToDomain(&models[i]))
	}
	return messages, total, nil
}

func (r *GormMessageRepo) GetStatuses(ctx context.Context, ids []int64) (map[int64]domain.MessageStatus, error) {
	statuses := make(map[int64]domain.MessageStatus, len(ids))
	for _, chunk := range chunkIDs(ids) {
		var rows []struct {
			ID     int64
			Status domain.MessageStatus
		}
		err := r.db.WithContext(ctx).
			Model(&MessageModel{}).
			Select("id, status").
			Where("id IN ?", chunk).
			Scan(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			statuses[row.ID] = row.Status
		}
	}
	return statuses, nil
}

func (r *GormMessageRepo) MarkEnqueued(ctx context.Context, ids []int64, at time.Time) error {
	for _, chunk := range chunkIDs(ids) {
		err := r.db.WithContext(ctx).
			Model(&MessageModel{}).
			Where("id IN ? AND enqueued_at IS NULL", chunk).
			Update("enqueued_at", at.UTC()).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *GormMessageRepo) MarkSending(ctx context.Context, id int64, lease time.Duration) (*domain.Message, error) {
	var claimed *domain.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := getMessage(tx, id)
		if err != nil {
			return err
		}
		if m.Status.IsTerminal() {
			return nil
		}

		now := time.Now().UTC()
		prev := m.Status
		if err := m.Claim(now, now.Add(lease)); err != nil {
			return err
		}

		// The lease check is repeated in the update so two claimers that
		// both read a lapsed hold cannot both win.
		result := tx.Model(&MessageModel{}).
			Where("id = ? AND status = ?", id, prev).
			Where("(claimed_until IS NULL OR claimed_until <= ?)", now).
			Updates(map[string]any{
				"status":        m.Status,
				"claimed_until": *m.ClaimedUntil,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: message %d claimed concurrently", domain.ErrClaimed, id)
		}
		claimed = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *GormMessageRepo) ReleaseClaim(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&MessageModel{}).
		Where("id = ? AND status = ?", id, domain.MessageStatusSending).
		Update("claimed_until", nil).Error
}

func (r *GormMessageRepo) Resolve(ctx context.Context, id int64, outcome domain.MessageStatus, errMsg string, at time.Time) (*domain.Batch, error) {
	if !outcome.IsTerminal() {
		return nil, fmt.Errorf("%w: %q is not a terminal outcome", domain.ErrInvalidTransition, outcome)
	}

	var batch *domain.Batch
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := getMessage(tx, id)
		if err != nil {
			return err
		}

		prev := m.Status
		if outcome == domain.MessageStatusSuccess {
			err = m.MarkSuccess(at.UTC())
		} else {
			err = m.MarkFailed(errMsg)
		}
		if err != nil {
			return err
		}

		result := tx.Model(&MessageModel{}).
			Where("id = ? AND status = ?", id, prev).
			Updates(map[string]any{
				"status":        m.Status,
				"sent_at":       m.SentAt,
				"error_message": m.ErrorMessage,
				"claimed_until": nil,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: message %d resolved concurrently", domain.ErrInvalidTransition, id)
		}

		batch, err = applyBatchOutcomes(tx, m.BatchID, outcome, 1)
		return err
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (r *GormMessageRepo) FailUnresolved(ctx context.Context, batchID string, ids []int64, reason string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var failed int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		failed = 0
		for _, chunk := range chunkIDs(ids) {
			var models []MessageModel
			err := tx.Where("batch_id = ? AND id IN ? AND status IN ?", batchID, chunk,
				[]domain.MessageStatus{domain.MessageStatusPending, domain.MessageStatusSending}).
				Find(&models).Error
			if err != nil {
				return err
			}

			// Abandon walks pending messages through sending; rows are
			// updated only from the status they were read in.
			byPrev := make(map[domain.MessageStatus][]int64, 2)
			for i := range models {
				m := messageModelToDomain(&models[i])
				prev := m.Status
				if err := m.Abandon(reason); err != nil {
					return err
				}
				byPrev[prev] = append(byPrev[prev], m.ID)
			}

			for prev, abandoned := range byPrev {
				result := tx.Model(&MessageModel{}).
					Where("id IN ? AND status = ?", abandoned, prev).
					Updates(map[string]any{
						"status":        domain.MessageStatusFailed,
						"error_message": reason,
						"claimed_until": nil,
					})
				if result.Error != nil {
					return result.Error
				}
				failed += int(result.RowsAffected)
			}
		}
		if failed == 0 {
			return nil
		}
		_, err := applyBatchOutcomes(tx, batchID, domain.MessageStatusFailed, failed)
		return err
	})
	if err != nil {
		return 0, err
	}
	return failed, nil
}

func (r *GormMessageRepo) GetDueForDispatch(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]domain.Message, error) {
	now = now.UTC()

	var models []MessageModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND enqueued_at IS NULL AND scheduled_at <= ?", domain.MessageStatusPending, now).
		Where("scheduled_at > created_at OR created_at <= ?", now.Add(-grace)).
		Order("batch_id ASC, id ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	messages := make([]domain.Message, 0, len(models))
	for i := range models {
		messages = append(messages, *messageModelToDomain(&models[i]))
	}
	return messages, nil
}

func chunkIDs(ids []int64) [][]int64 {
	var chunks [][]int64
	for start := 0; start < len(ids); start += idChunkSize {
		chunks = append(chunks, ids[start:min(start+idChunkSize, len(ids))])
	}
	return chunks
}
