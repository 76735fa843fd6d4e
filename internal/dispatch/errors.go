package dispatch

import "errors"

var (
	// ErrEmailSendFailed wraps every failure of SendEmail. The cause stays
	// matchable with errors.Is.
	ErrEmailSendFailed = errors.New("email send failed")

	// ErrTemplateValidationFailed wraps failures of ValidateTemplate.
	ErrTemplateValidationFailed = errors.New("template validation failed")

	// ErrBatchTooLarge rejects a batch before anything is queued.
	ErrBatchTooLarge = errors.New("batch too large")

	// ErrInvalidRequest indicates a malformed send request.
	ErrInvalidRequest = errors.New("invalid email request")
)
