package dispatch

import "errors"

var (
	// ErrAlreadyProcessed indicates the message id is in the idempotency
	// ledger. Not a failure: the dispatcher logs it and returns success.
	ErrAlreadyProcessed = errors.New("message already processed")

	// ErrUnknownMessage indicates no handler is registered for the message
	// type.
	ErrUnknownMessage = errors.New("no handler registered for message type")

	// ErrNotFound indicates a referenced aggregate could not be located.
	ErrNotFound = errors.New("aggregate not found")

	// ErrUnsupportedInput marks inputs callers should skip rather than
	// retry (e.g. an unsupported file type).
	ErrUnsupportedInput = errors.New("unsupported input")
)
