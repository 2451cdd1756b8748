package domain

import "errors"

var (
	// ErrProviderUnavailable wraps network, auth and timeout failures of either provider.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrEmptyOrUnhelpful is a routing signal, never surfaced to callers.
	ErrEmptyOrUnhelpful = errors.New("empty or unhelpful response")
	// ErrMalformedPayload marks a single unusable chunk or citation record.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrDataFormat marks a persisted history that cannot be decoded.
	ErrDataFormat = errors.New("data format error")

	ErrTurnInProgress = errors.New("assistant turn in progress")
	ErrTurnClosed     = errors.New("assistant turn already finalized")
	ErrForeignTurn    = errors.New("turn does not belong to this history")
	ErrEmptyMessage   = errors.New("message text is empty")
	ErrInvalidClient  = errors.New("invalid client id")
)
