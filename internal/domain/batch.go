package domain

import (
	"fmt"
	"time"
)

// BatchStatus represents the aggregate state of a batch.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusPending, BatchStatusProcessing, BatchStatusCompleted, BatchStatusFailed:
		return true
	}
	return false
}

func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// Request limits applied at ingress.
const (
	MaxRecipients      = 10000
	MaxContentLength   = 1000
	MaxBatchNameLength = 255
	MaxSendDelay       = 3600
)

// Batch tracks one dispatch request across all of its recipients.
type Batch struct {
	ID           int64
	BatchID      string
	Name         string
	Channel      ChannelType
	TotalCount   int
	SuccessCount int
	FailedCount  int
	PendingCount int
	Status       BatchStatus
	Version      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewBatch returns a batch with every recipient pending.
func NewBatch(batchID, name string, channel ChannelType, total int) *Batch {
	return &Batch{
		BatchID:      batchID,
		Name:         name,
		Channel:      channel,
		TotalCount:   total,
		PendingCount: total,
		Status:       BatchStatusPending,
	}
}

// DefaultBatchName builds the name used when a request does not supply one.
func DefaultBatchName(channel ChannelType, shortID string) string {
	return fmt.Sprintf("%s_batch_%s", channel, shortID)
}

// Reconciles reports whether the counters add up to the total.
func (b *Batch) Reconciles() bool {
	return b.SuccessCount+b.FailedCount+b.PendingCount == b.TotalCount
}

// ApplyOutcome moves one pending recipient into the success or failed bucket.
func (b *Batch) ApplyOutcome(outcome MessageStatus) error {
	return b.ApplyOutcomes(outcome, 1)
}

// ApplyOutcomes moves n pending recipients into the same bucket as a single
// versioned update.
func (b *Batch) ApplyOutcomes(outcome MessageStatus, n int) error {
	if n <= 0 {
		return nil
	}
	if b.PendingCount < n {
		return fmt.Errorf("%w: batch %s has %d pending messages, cannot resolve %d", ErrConflict, b.BatchID, b.PendingCount, n)
	}

	switch outcome {
	case MessageStatusSuccess:
		b.SuccessCount += n
	case MessageStatusFailed:
		b.FailedCount += n
	default:
		return fmt.Errorf("%w: %q is not a terminal outcome", ErrInvalidTransition, outcome)
	}

	b.PendingCount -= n
	b.Version++
	b.Status = DeriveBatchStatus(b.TotalCount, b.SuccessCount, b.FailedCount, b.PendingCount)
	return nil
}

// DeriveBatchStatus computes the aggregate status from the counters.
func DeriveBatchStatus(total, success, failed, pending int) BatchStatus {
	switch {
	case pending > 0 && success+failed == 0:
		return BatchStatusPending
	case pending > 0:
		return BatchStatusProcessing
	case failed > 0:
		return BatchStatusFailed
	default:
		return BatchStatusCompleted
	}
}
