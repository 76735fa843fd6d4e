package queue

import "time"

// Option configures a Queue.
type Option func(*options)

type options struct {
	maxAttempts  int
	backoffBase  time.Duration
	maxBackoff   time.Duration
	lockDuration time.Duration
	maxStalled   int
	now          func() time.Time
}

func defaultOptions() *options {
	return &options{
		maxAttempts:  3,
		backoffBase:  time.Second,
		maxBackoff:   time.Hour,
		lockDuration: 30 * time.Second,
		maxStalled:   1,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithMaxAttempts sets how many delivery attempts a job gets.
// Default: 3
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithBackoff sets the first retry delay and the cap for later ones.
// Default: 1 second base, 1 hour cap.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(o *options) {
		if base > 0 {
			o.backoffBase = base
		}
		if maxDelay >= o.backoffBase {
			o.maxBackoff = maxDelay
		}
		if o.maxBackoff < o.backoffBase {
			o.maxBackoff = o.backoffBase
		}
	}
}

// WithLockDuration sets how long a claimed job stays locked without an
// extension before it counts as stalled.
// Default: 30 seconds
func WithLockDuration(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lockDuration = d
		}
	}
}

// WithMaxStalled sets how many times a job may stall before it fails.
// Default: 1
func WithMaxStalled(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxStalled = n
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}
