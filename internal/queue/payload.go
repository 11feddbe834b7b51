package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
)

// PayloadType discriminates queue payloads.
type PayloadType string

const (
	PayloadSendMessage PayloadType = "send_message"
	PayloadBatchSend   PayloadType = "batch_send"
)

// Payload is a queue entry body.
type Payload interface {
	PayloadType() PayloadType
	Validate() error
}

// RecipientRef is a recipient as carried on the wire. MessageID is set inside
// batch envelopes.
type RecipientRef struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	MessageID int64  `json:"message_id,omitempty"`
}

// SendMessagePayload addresses exactly one message.
type SendMessagePayload struct {
	Type      PayloadType        `json:"type"`
	BatchID   string             `json:"batch_id"`
	MessageID int64              `json:"message_id"`
	Channel   domain.ChannelType `json:"channel"`
	Content   string             `json:"content"`
	Recipient RecipientRef       `json:"recipient"`
	CreatedAt time.Time          `json:"created_at"`
}

func NewSendMessagePayload(m *domain.Message, createdAt time.Time) SendMessagePayload {
	return SendMessagePayload{
		Type:      PayloadSendMessage,
		BatchID:   m.BatchID,
		MessageID: m.ID,
		Channel:   m.Channel,
		Content:   m.Content,
		Recipient: RecipientRef{ID: m.RecipientID, Type: m.RecipientType},
		CreatedAt: createdAt.UTC(),
	}
}

func (p SendMessagePayload) PayloadType() PayloadType { return PayloadSendMessage }

func (p SendMessagePayload) Validate() error {
	switch {
	case p.Type != PayloadSendMessage:
		return fmt.Errorf("%w: type %q, want %q", ErrInvalidPayload, p.Type, PayloadSendMessage)
	case strings.TrimSpace(p.BatchID) == "":
		return fmt.Errorf("%w: batch_id is required", ErrInvalidPayload)
	case p.MessageID <= 0:
		return fmt.Errorf("%w: message_id is required", ErrInvalidPayload)
	case !p.Channel.IsValid():
		return fmt.Errorf("%w: invalid channel %q", ErrInvalidPayload, p.Channel)
	case strings.TrimSpace(p.Recipient.ID) == "":
		return fmt.Errorf("%w: recipient.id is required", ErrInvalidPayload)
	}
	return nil
}

// BatchSendPayload carries every recipient of a large batch in one entry.
type BatchSendPayload struct {
	Type       PayloadType        `json:"type"`
	BatchID    string             `json:"batch_id"`
	Channel    domain.ChannelType `json:"channel"`
	Content    string             `json:"content"`
	Recipients []RecipientRef     `json:"recipients"`
	TotalCount int                `json:"total_count"`
}

// NewBatchSendPayload builds an envelope from messages of one batch.
func NewBatchSendPayload(batchID string, channel domain.ChannelType, content string, messages []*domain.Message) BatchSendPayload {
	recipients := make([]RecipientRef, 0, len(messages))
	for _, m := range messages {
		recipients = append(recipients, RecipientRef{ID: m.RecipientID, Type: m.RecipientType, MessageID: m.ID})
	}
	return BatchSendPayload{
		Type:       PayloadBatchSend,
		BatchID:    batchID,
		Channel:    channel,
		Content:    content,
		Recipients: recipients,
		TotalCount: len(recipients),
	}
}

func (p BatchSendPayload) PayloadType() PayloadType { return PayloadBatchSend }

func (p BatchSendPayload) Validate() error {
	switch {
	case p.Type != PayloadBatchSend:
		return fmt.Errorf("%w: type %q, want %q", ErrInvalidPayload, p.Type, PayloadBatchSend)
	case strings.TrimSpace(p.BatchID) == "":
		return fmt.Errorf("%w: batch_id is required", ErrInvalidPayload)
	case !p.Channel.IsValid():
		return fmt.Errorf("%w: invalid channel %q", ErrInvalidPayload, p.Channel)
	case len(p.Recipients) == 0:
		return fmt.Errorf("%w: recipients are required", ErrInvalidPayload)
	case p.TotalCount != len(p.Recipients):
		return fmt.Errorf("%w: total_count %d does not match %d recipients", ErrInvalidPayload, p.TotalCount, len(p.Recipients))
	}
	for i, r := range p.Recipients {
		if strings.TrimSpace(r.ID) == "" || r.MessageID <= 0 {
			return fmt.Errorf("%w: recipient %d needs id and message_id", ErrInvalidPayload, i)
		}
	}
	return nil
}

// PeekType reads only the type discriminator of body.
func PeekType(body []byte) (PayloadType, error) {
	var head struct {
		Type PayloadType `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	switch head.Type {
	case PayloadSendMessage, PayloadBatchSend:
		return head.Type, nil
	}
	return "", fmt.Errorf("%w: unknown type %q", ErrInvalidPayload, head.Type)
}

func DecodeSendMessage(body []byte) (SendMessagePayload, error) {
	var p SendMessagePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return SendMessagePayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, p.Validate()
}

func DecodeBatchSend(body []byte) (BatchSendPayload, error) {
	var p BatchSendPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return BatchSendPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, p.Validate()
}
