package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidSubmission   = errors.New("invalid submission")
	ErrImageTooLarge       = errors.New("image exceeds size limits")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrJobTerminal         = errors.New("job already terminal")
	ErrInvalidSignature    = errors.New("invalid callback signature")
	ErrStaleTimestamp      = errors.New("callback timestamp outside tolerance")
	ErrProviderFailure     = errors.New("provider failure")
)
