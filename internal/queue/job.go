package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"PulseDispatch/internal/models"
)

// State is the internal position of a job in the queue.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is a snapshot of a queued email.
type Job struct {
	ID           string
	Data         models.EmailJobData
	State        State
	AttemptsMade int
	MaxAttempts  int
	StalledCount int
	FailedReason string

	CreatedAt   time.Time
	ProcessedAt time.Time
	FinishedAt  time.Time
	RetryAt     time.Time

	// token identifies the worker holding the job lock after Claim.
	token string
}

// Status maps the internal state onto the public lifecycle. A job that has
// been picked up once never reports pending again, even while it waits for a
// retry or after it was recovered from a stalled worker.
func (j *Job) Status() models.EmailStatusValue {
	switch j.State {
	case StateCompleted:
		return models.StatusCompleted
	case StateFailed:
		return models.StatusFailed
	case StateActive, StateDelayed:
		return models.StatusProcessing
	default:
		if !j.ProcessedAt.IsZero() {
			return models.StatusProcessing
		}
		return models.StatusPending
	}
}

// Attempt is the 1-based number of the delivery attempt in progress.
func (j *Job) Attempt() int {
	return j.AttemptsMade + 1
}

const (
	fieldData         = "data"
	fieldState        = "state"
	fieldAttemptsMade = "attempts_made"
	fieldMaxAttempts  = "max_attempts"
	fieldStalledCount = "stalled_count"
	fieldFailedReason = "failed_reason"
	fieldCreatedAt    = "created_at"
	fieldProcessedOn  = "processed_on"
	fieldFinishedOn   = "finished_on"
	fieldRetryAt      = "retry_at"
)

func decodeJob(id string, h map[string]string) (*Job, error) {
	j := &Job{
		ID:           id,
		State:        State(h[fieldState]),
		FailedReason: h[fieldFailedReason],
	}

	if err := json.Unmarshal([]byte(h[fieldData]), &j.Data); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptJob, id, err)
	}

	j.AttemptsMade = atoi(h[fieldAttemptsMade])
	j.MaxAttempts = atoi(h[fieldMaxAttempts])
	j.StalledCount = atoi(h[fieldStalledCount])
	j.CreatedAt = msToTime(h[fieldCreatedAt])
	j.ProcessedAt = msToTime(h[fieldProcessedOn])
	j.FinishedAt = msToTime(h[fieldFinishedOn])
	j.RetryAt = msToTime(h[fieldRetryAt])

	return j, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func msToTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func timeToMs(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
