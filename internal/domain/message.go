package domain

import (
	"fmt"
	"time"
)

// MessageStatus represents the delivery state of one recipient.
type MessageStatus string

const (
	MessageStatusPending MessageStatus = "pending"
	MessageStatusSending MessageStatus = "sending"
	MessageStatusSuccess MessageStatus = "success"
	MessageStatusFailed  MessageStatus = "failed"
)

func (s MessageStatus) String() string { return string(s) }

func (s MessageStatus) IsValid() bool {
	switch s {
	case MessageStatusPending, MessageStatusSending, MessageStatusSuccess, MessageStatusFailed:
		return true
	}
	return false
}

func (s MessageStatus) IsTerminal() bool {
	return s == MessageStatusSuccess || s == MessageStatusFailed
}

// CanTransitionTo reports whether s may move to next. A redelivered message
// re-enters sending from sending.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	switch s {
	case MessageStatusPending:
		return next == MessageStatusSending
	case MessageStatusSending:
		return next == MessageStatusSending || next == MessageStatusSuccess || next == MessageStatusFailed
	}
	return false
}

func ParseMessageStatus(s string) (MessageStatus, error) {
	st := MessageStatus(s)
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid message status %q", ErrValidation, s)
	}
	return st, nil
}

// Message is one recipient's delivery record within a batch.
type Message struct {
	ID            int64
	BatchID       string
	Channel       ChannelType
	Content       string
	RecipientID   string
	RecipientType string
	Status        MessageStatus
	ErrorMessage  *string
	SentAt        *time.Time
	ScheduledAt   time.Time
	EnqueuedAt    *time.Time
	// ClaimedUntil is set while a send attempt holds the message.
	ClaimedUntil *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewMessage returns a pending message for one recipient.
func NewMessage(batchID string, channel ChannelType, content string, r Recipient, scheduledAt time.Time) *Message {
	r = r.Normalize()
	return &Message{
		BatchID:       batchID,
		Channel:       channel,
		Content:       content,
		RecipientID:   r.ID,
		RecipientType: r.Type,
		Status:        MessageStatusPending,
		ScheduledAt:   scheduledAt,
	}
}

func (m *Message) Recipient() Recipient {
	return Recipient{ID: m.RecipientID, Type: m.RecipientType}
}

func (m *Message) transition(next MessageStatus) error {
	if !m.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: message %d %s -> %s", ErrInvalidTransition, m.ID, m.Status, next)
	}
	m.Status = next
	return nil
}

func (m *Message) MarkSending() error {
	return m.transition(MessageStatusSending)
}

// Claimed reports whether a send attempt still holds the message at now.
func (m *Message) Claimed(now time.Time) bool {
	return m.Status == MessageStatusSending && m.ClaimedUntil != nil && now.Before(*m.ClaimedUntil)
}

// Claim moves the message into sending and holds it until until. A sending
// message can only be claimed again once the previous hold lapsed or was
// released.
func (m *Message) Claim(now, until time.Time) error {
	if m.Claimed(now) {
		return fmt.Errorf("%w: message %d held until %s", ErrClaimed, m.ID, m.ClaimedUntil.UTC().Format(time.RFC3339Nano))
	}
	if err := m.MarkSending(); err != nil {
		return err
	}
	until = until.UTC()
	m.ClaimedUntil = &until
	return nil
}

// Release drops the hold so a redelivered attempt can claim the message
// right away.
func (m *Message) Release() {
	m.ClaimedUntil = nil
}

func (m *Message) MarkSuccess(at time.Time) error {
	if err := m.transition(MessageStatusSuccess); err != nil {
		return err
	}
	m.SentAt = &at
	m.ErrorMessage = nil
	m.ClaimedUntil = nil
	return nil
}

func (m *Message) MarkFailed(reason string) error {
	if err := m.transition(MessageStatusFailed); err != nil {
		return err
	}
	m.ErrorMessage = &reason
	m.ClaimedUntil = nil
	return nil
}

// Abandon fails a message that will never be delivered, passing through
// sending when it was still pending.
func (m *Message) Abandon(reason string) error {
	if m.Status == MessageStatusPending {
		if err := m.MarkSending(); err != nil {
			return err
		}
	}
	return m.MarkFailed(reason)
}
