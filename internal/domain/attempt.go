package domain

import "time"

// DeliveryAttempt records a single channel send made for a message.
type DeliveryAttempt struct {
	ID                string
	MessageID         int64
	AttemptNumber     int
	Channel           string
	Status            string
	ProviderMessageID *string
	ErrorMessage      *string
	ResponseData      *string
	CreatedAt         time.Time
}
