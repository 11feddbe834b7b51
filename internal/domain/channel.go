package domain

import (
	"fmt"
	"strings"
)

// ChannelType identifies a delivery backend.
type ChannelType string

const (
	ChannelChat  ChannelType = "chat"
	ChannelSMS   ChannelType = "sms"
	ChannelEmail ChannelType = "email"
)

func (c ChannelType) String() string { return string(c) }

func (c ChannelType) IsValid() bool {
	switch c {
	case ChannelChat, ChannelSMS, ChannelEmail:
		return true
	}
	return false
}

// SupportedChannels lists channel types accepted at ingress.
func SupportedChannels() []ChannelType {
	return []ChannelType{ChannelChat, ChannelSMS, ChannelEmail}
}

func ParseChannelType(s string) (ChannelType, error) {
	ch := ChannelType(strings.ToLower(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: unsupported channel %q", ErrValidation, s)
	}
	return ch, nil
}

// DefaultRecipientType is applied when a recipient omits its type.
const DefaultRecipientType = "default"

// Recipient addresses one delivery target.
type Recipient struct {
	ID   string
	Type string
}

// Normalize trims the id and applies the default type.
func (r Recipient) Normalize() Recipient {
	r.ID = strings.TrimSpace(r.ID)
	r.Type = strings.TrimSpace(r.Type)
	if r.Type == "" {
		r.Type = DefaultRecipientType
	}
	return r
}

func (r Recipient) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: recipient id is required", ErrValidation)
	}
	return nil
}
