package queue

import "errors"

var (
	// ErrQueueUnavailable is returned when the backing store cannot be reached.
	ErrQueueUnavailable = errors.New("queue: store unavailable")

	// ErrJobNotFound is returned by operations that require an existing job.
	ErrJobNotFound = errors.New("queue: job not found")

	// ErrLockLost is returned when a worker reports on a job it no longer owns,
	// usually because the job stalled and was handed to another worker.
	ErrLockLost = errors.New("queue: job lock lost")

	// ErrCorruptJob is returned when a stored job cannot be decoded.
	ErrCorruptJob = errors.New("queue: corrupt job record")
)
