package domain

import "errors"

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrClaimed reports a message held by another in-flight send attempt.
	ErrClaimed = errors.New("message claimed by another attempt")
)
