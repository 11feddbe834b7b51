package repository

import (
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
)

// BatchModel is the persistence model for the batches table.
type BatchModel struct {
	ID           int64              `gorm:"primaryKey;autoIncrement"`
	BatchID      string             `gorm:"type:varchar(36);uniqueIndex;not null"`
	Name         string             `gorm:"type:varchar(255);not null"`
	Channel      domain.ChannelType `gorm:"type:varchar(10);not null"`
	TotalCount   int                `gorm:"not null"`
	SuccessCount int                `gorm:"not null"`
	FailedCount  int                `gorm:"not null"`
	PendingCount int                `gorm:"not null"`
	Status       domain.BatchStatus `gorm:"type:varchar(20);not null"`
	Version      int                `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (BatchModel) TableName() string {
	return "batches"
}

// MessageModel is the persistence model for the messages table.
type MessageModel struct {
	ID            int64                `gorm:"primaryKey;autoIncrement"`
	BatchID       string               `gorm:"type:varchar(36);not null;index"`
	Channel       domain.ChannelType   `gorm:"type:varchar(10);not null"`
	Content       string               `gorm:"type:text;not null"`
	RecipientID   string               `gorm:"type:varchar(255);not null"`
	RecipientType string               `gorm:"type:varchar(50);not null"`
	Status        domain.MessageStatus `gorm:"type:varchar(20);not null"`
	ErrorMessage  *string              `gorm:"type:text"`
	SentAt        *time.Time
	ScheduledAt   time.Time `gorm:"not null"`
	EnqueuedAt    *time.Time
	ClaimedUntil  *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (MessageModel) TableName() string {
	return "messages"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID                string  `gorm:"type:varchar(36);primaryKey"`
	MessageID         int64   `gorm:"not null;index"`
	AttemptNumber     int     `gorm:"not null"`
	Channel           string  `gorm:"type:varchar(32);not null"`
	Status            string  `gorm:"type:varchar(20);not null"`
	ProviderMessageID *string `gorm:"type:varchar(255)"`
	ErrorMessage      *string `gorm:"type:text"`
	ResponseData      *string `gorm:"type:text"`
	CreatedAt         time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

func batchModelFromDomain(b *domain.Batch) *BatchModel {
	if b == nil {
		return nil
	}

	return &BatchModel{
		ID:           b.ID,
		BatchID:      b.BatchID,
		Name:         b.Name,
		Channel:      b.Channel,
		TotalCount:   b.TotalCount,
		SuccessCount: b.SuccessCount,
		FailedCount:  b.FailedCount,
		PendingCount: b.PendingCount,
		Status:       b.Status,
		Version:      b.Version,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
}

func batchModelToDomain(m *BatchModel) *domain.Batch {
	if m == nil {
		return nil
	}

	return &domain.Batch{
		ID:           m.ID,
		BatchID:      m.BatchID,
		Name:         m.Name,
		Channel:      m.Channel,
		TotalCount:   m.TotalCount,
		SuccessCount: m.SuccessCount,
		FailedCount:  m.FailedCount,
		PendingCount: m.PendingCount,
		Status:       m.Status,
		Version:      m.Version,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func messageModelFromDomain(m *domain.Message) *MessageModel {
	if m == nil {
		return nil
	}

	return &MessageModel{
		ID:            m.ID,
		BatchID:       m.BatchID,
		Channel:       m.Channel,
		Content:       m.Content,
		RecipientID:   m.RecipientID,
		RecipientType: m.RecipientType,
		Status:        m.Status,
		ErrorMessage:  m.ErrorMessage,
		SentAt:        m.SentAt,
		ScheduledAt:   m.ScheduledAt,
		EnqueuedAt:    m.EnqueuedAt,
		ClaimedUntil:  m.ClaimedUntil,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func messageModelToDomain(m *MessageModel) *domain.Message {
	if m == nil {
		return nil
	}

	return &domain.Message{
		ID:            m.ID,
		BatchID:       m.BatchID,
		Channel:       m.Channel,
		Content:       m.Content,
		RecipientID:   m.RecipientID,
		RecipientType: m.RecipientType,
		Status:        m.Status,
		ErrorMessage:  m.ErrorMessage,
		SentAt:        m.SentAt,
		ScheduledAt:   m.ScheduledAt,
		EnqueuedAt:    m.EnqueuedAt,
		ClaimedUntil:  m.ClaimedUntil,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:                a.ID,
		MessageID:         a.MessageID,
		AttemptNumber:     a.AttemptNumber,
		Channel:           a.Channel,
		Status:            a.Status,
		ProviderMessageID: a.ProviderMessageID,
		ErrorMessage:      a.ErrorMessage,
		ResponseData:      a.ResponseData,
		CreatedAt:         a.CreatedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:                m.ID,
		MessageID:         m.MessageID,
		AttemptNumber:     m.AttemptNumber,
		Channel:           m.Channel,
		Status:            m.Status,
		ProviderMessageID: m.ProviderMessageID,
		ErrorMessage:      m.ErrorMessage,
		ResponseData:      m.ResponseData,
		CreatedAt:         m.CreatedAt,
	}
}
