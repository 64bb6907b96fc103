package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("job not terminal")
	ErrInvalidRow        = errors.New("invalid row")
	ErrInvalidVariants   = errors.New("variants must be between 1 and 3")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConfiguration     = errors.New("provider configuration missing")
	ErrProviderFailure   = errors.New("provider failure")
)
