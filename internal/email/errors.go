package email

import "errors"

var (
	// ErrSMTPInitFailed indicates the transport could not be built or verified.
	ErrSMTPInitFailed = errors.New("smtp init failed")

	// ErrDefaultSenderMissing indicates neither the job nor the settings carry a sender.
	ErrDefaultSenderMissing = errors.New("no sender address: set from on the request or in smtp settings")

	// ErrSMTPSendFailed wraps every delivery failure.
	ErrSMTPSendFailed = errors.New("smtp send failed")

	// ErrInvalidAddress indicates a malformed recipient or sender address.
	ErrInvalidAddress = errors.New("invalid email address")

	// ErrNoRecipient indicates the job has no recipients at all.
	ErrNoRecipient = errors.New("email must have at least one recipient")

	// ErrSendTimeout indicates the server did not accept the message in time.
	ErrSendTimeout = errors.New("smtp send timed out")
)
