package api

import (
	"errors"
	"net/http"

	"PulseDispatch/internal/db"
	"PulseDispatch/internal/dispatch"
	"PulseDispatch/internal/email"
	"PulseDispatch/internal/queue"
	"PulseDispatch/internal/ratelimit"
	"PulseDispatch/internal/render"
)

var (
	errBadRequest  = errors.New("bad request")
	errJobNotFound = errors.New("email job not found")
)

type errorBody struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type apiError struct {
	status int
	code   string
}

// classify maps an error onto an HTTP status and an error code. The first
// match wins, so more specific sentinels come first.
func classify(err error) apiError {
	switch {
	case errors.Is(err, dispatch.ErrBatchTooLarge):
		return apiError{http.StatusBadRequest, "EMAIL_BATCH_TOO_LARGE"}
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		return apiError{http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"}
	case errors.Is(err, render.ErrMissingVariables):
		return apiError{http.StatusBadRequest, "TEMPLATE_MISSING_VARIABLES"}
	case errors.Is(err, render.ErrTemplateNotFound):
		return apiError{http.StatusBadRequest, "TEMPLATE_NOT_FOUND"}
	case errors.Is(err, render.ErrCompileFailed), errors.Is(err, render.ErrRenderFailed):
		return apiError{http.StatusBadRequest, "TEMPLATE_RENDER_FAILED"}
	case errors.Is(err, dispatch.ErrInvalidRequest),
		errors.Is(err, db.ErrInvalidTemplate),
		errors.Is(err, db.ErrInvalidSMTPSettings),
		errors.Is(err, errBadRequest):
		return apiError{http.StatusBadRequest, "VALIDATION_ERROR"}
	case errors.Is(err, db.ErrDuplicateTemplate):
		return apiError{http.StatusConflict, "TEMPLATE_DUPLICATE"}
	case errors.Is(err, errJobNotFound):
		return apiError{http.StatusNotFound, "EMAIL_JOB_NOT_FOUND"}
	case errors.Is(err, db.ErrNotFound):
		return apiError{http.StatusNotFound, "NOT_FOUND"}
	case errors.Is(err, queue.ErrQueueUnavailable), errors.Is(err, ratelimit.ErrStoreUnavailable):
		return apiError{http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE"}
	case errors.Is(err, email.ErrSMTPInitFailed):
		return apiError{http.StatusBadGateway, "SMTP_INIT_FAILED"}
	case errors.Is(err, dispatch.ErrEmailSendFailed):
		return apiError{http.StatusInternalServerError, "EMAIL_SEND_FAILED"}
	default:
		return apiError{http.StatusInternalServerError, "INTERNAL_ERROR"}
	}
}

func errorDetails(err error) any {
	var missing *render.MissingVariablesError
	if errors.As(err, &missing) {
		return map[string]any{"missing": missing.Names}
	}
	return nil
}
