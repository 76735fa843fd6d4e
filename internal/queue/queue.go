// Package queue is a durable email job queue stored in Redis.
//
// Jobs move between a wait list, an active list and delayed, completed and
// failed sorted sets. Workers claim jobs with a lock that must be extended
// while the job runs; jobs whose lock expires are recovered by
// RecoverStalled. Failed attempts are retried with exponential backoff until
// the attempt budget is spent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"PulseDispatch/internal/models"
)

// Metrics counts jobs by internal state.
type Metrics struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

type Queue struct {
	client redis.UniversalClient
	opts   *options
	log    *zap.Logger

	prefix       string
	waitKey      string
	activeKey    string
	delayedKey   string
	completedKey string
	failedKey    string

	mu        sync.RWMutex
	listeners []Listener
}

// New creates a queue named name. Keys are namespaced as "<name>:".
func New(client redis.UniversalClient, name string, log *zap.Logger, opts ...Option) *Queue {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	prefix := name + ":"

	return &Queue{
		client:       client,
		opts:         o,
		log:          log,
		prefix:       prefix,
		waitKey:      prefix + "wait",
		activeKey:    prefix + "active",
		delayedKey:   prefix + "delayed",
		completedKey: prefix + "completed",
		failedKey:    prefix + "failed",
	}
}

func (q *Queue) jobKey(id string) string {
	return q.prefix + "job:" + id
}

// Add persists a new pending job and returns its id. Delivery happens
// asynchronously on a worker.
func (q *Queue) Add(ctx context.Context, data models.EmailJobData) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode job data: %w", err)
	}

	id := uuid.NewString()
	now := q.opts.now()

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id),
			fieldData, payload,
			fieldState, string(StateWaiting),
			fieldAttemptsMade, 0,
			fieldMaxAttempts, q.opts.maxAttempts,
			fieldStalledCount, 0,
			fieldCreatedAt, timeToMs(now),
		)
		pipe.LPush(ctx, q.waitKey, id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: add job: %w", ErrQueueUnavailable, err)
	}

	job := &Job{
		ID:          id,
		Data:        data,
		State:       StateWaiting,
		MaxAttempts: q.opts.maxAttempts,
		CreatedAt:   now,
	}
	q.emit(Event{Type: EventAdded, Job: job})

	return id, nil
}

// GetJob returns a snapshot of the job. A missing id reports false without
// an error.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, bool, error) {
	h, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("%w: get job %s: %w", ErrQueueUnavailable, id, err)
	}
	if len(h) == 0 {
		return nil, false, nil
	}

	job, err := decodeJob(id, h)
	if err != nil {
		return nil, false, err
	}

	return job, true, nil
}

// Claim atomically moves the next ready job to active and locks it for
// workerToken. It returns false when nothing is ready.
func (q *Queue) Claim(ctx context.Context, workerToken string) (*Job, bool, error) {
	now := q.opts.now()

	id, err := claimScript.Run(ctx, q.client,
		[]string{q.waitKey, q.activeKey, q.delayedKey},
		q.prefix, timeToMs(now), q.opts.lockDuration.Milliseconds(), workerToken,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: claim job: %w", ErrQueueUnavailable, err)
	}

	job, found, err := q.GetJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !found {
		// Removed between claim and read.
		return nil, false, nil
	}
	job.token = workerToken

	return job, true, nil
}

// LockDuration is how long a claim stays valid without ExtendLock.
func (q *Queue) LockDuration() time.Duration {
	return q.opts.lockDuration
}

// ExtendLock keeps a claimed job owned by its worker.
func (q *Queue) ExtendLock(ctx context.Context, job *Job) error {
	ok, err := extendLockScript.Run(ctx, q.client, nil,
		q.prefix, job.ID, job.token, q.opts.lockDuration.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("%w: extend lock %s: %w", ErrQueueUnavailable, job.ID, err)
	}
	if ok != 1 {
		return fmt.Errorf("%w: %s", ErrLockLost, job.ID)
	}
	return nil
}

// Complete records a successful delivery.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	now := q.opts.now()

	res, err := completeScript.Run(ctx, q.client,
		[]string{q.activeKey, q.completedKey},
		q.prefix, job.ID, job.token, timeToMs(now),
	).Int()
	if err != nil {
		return fmt.Errorf("%w: complete job %s: %w", ErrQueueUnavailable, job.ID, err)
	}
	if err := scriptStatus(res, job.ID); err != nil {
		return err
	}

	job.State = StateCompleted
	job.AttemptsMade++
	job.FinishedAt = now
	q.emit(Event{Type: EventCompleted, Job: job})

	return nil
}

// Fail records a failed delivery attempt. The job is scheduled for retry
// after the backoff delay unless the attempt budget is spent or cause is a
// *backoff.PermanentError, in which case the job fails for good.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	now := q.opts.now()
	retryAt := now.Add(q.Backoff(job.Attempt()))

	var permanent *backoff.PermanentError
	isPermanent := "0"
	if errors.As(cause, &permanent) {
		isPermanent = "1"
	}

	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	raw, err := failScript.Run(ctx, q.client,
		[]string{q.activeKey, q.delayedKey, q.failedKey},
		q.prefix, job.ID, job.token, timeToMs(now), reason, isPermanent, timeToMs(retryAt),
	).Result()
	if err != nil {
		return fmt.Errorf("%w: fail job %s: %w", ErrQueueUnavailable, job.ID, err)
	}

	res, ok := raw.([]any)
	if !ok || len(res) != 2 {
		code, _ := raw.(int64)
		return scriptStatus(int(code), job.ID)
	}

	terminal, _ := res[0].(int64)
	attempts, _ := res[1].(int64)

	job.AttemptsMade = int(attempts)
	job.FailedReason = reason

	if terminal == 1 {
		job.State = StateFailed
		job.FinishedAt = now
		q.emit(Event{Type: EventFailed, Job: job, Err: cause})
		return nil
	}

	job.State = StateDelayed
	job.RetryAt = retryAt
	q.emit(Event{Type: EventRetrying, Job: job, Err: cause})

	return nil
}

// Backoff returns the delay before retrying after the given failed attempt:
// base × 2^(attempt-1), capped at the configured maximum.
func (q *Queue) Backoff(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     q.opts.backoffBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         q.opts.maxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// RecoverStalled returns active jobs whose lock expired to the wait list,
// failing those that stalled more than the allowed number of times.
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	now := q.opts.now()

	res, err := stalledScript.Run(ctx, q.client,
		[]string{q.activeKey, q.waitKey, q.failedKey},
		q.prefix, timeToMs(now), q.opts.maxStalled,
	).StringSlice()
	if err != nil {
		return 0, fmt.Errorf("%w: recover stalled: %w", ErrQueueUnavailable, err)
	}

	n := 0
	for i := 0; i+1 < len(res); i += 2 {
		n++
		job, found, err := q.GetJob(ctx, res[i])
		if err != nil || !found {
			job = &Job{ID: res[i], State: State(res[i+1])}
		}

		q.emit(Event{Type: EventStalled, Job: job})
		if State(res[i+1]) == StateFailed {
			q.emit(Event{Type: EventFailed, Job: job, Err: errors.New(job.FailedReason)})
		}
	}

	return n, nil
}

// Remove deletes a job in any state. Removing an unknown id is not an error.
func (q *Queue) Remove(ctx context.Context, id string) error {
	removed, err := removeScript.Run(ctx, q.client,
		[]string{q.waitKey, q.activeKey, q.delayedKey, q.completedKey, q.failedKey},
		q.prefix, id,
	).Int()
	if err != nil {
		return fmt.Errorf("%w: remove job %s: %w", ErrQueueUnavailable, id, err)
	}

	if removed == 1 {
		q.log.Info("job removed", zap.String("job_id", id))
	}
	return nil
}

// Clear drops every waiting and delayed job. Active and finished jobs are kept.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	n, err := clearScript.Run(ctx, q.client,
		[]string{q.waitKey, q.delayedKey},
		q.prefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: clear queue: %w", ErrQueueUnavailable, err)
	}

	q.log.Info("queue cleared", zap.Int("removed", n))
	return n, nil
}

// Clean removes completed and failed jobs that finished more than olderThan ago.
func (q *Queue) Clean(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := timeToMs(q.opts.now().Add(-olderThan))

	total := 0
	for _, key := range []string{q.completedKey, q.failedKey} {
		n, err := cleanScript.Run(ctx, q.client, []string{key}, q.prefix, cutoff).Int()
		if err != nil {
			return total, fmt.Errorf("%w: clean %s: %w", ErrQueueUnavailable, key, err)
		}
		total += n
	}

	return total, nil
}

// Metrics reports the number of jobs in each state.
func (q *Queue) Metrics(ctx context.Context) (Metrics, error) {
	var (
		waiting   *redis.IntCmd
		active    *redis.IntCmd
		completed *redis.IntCmd
		failed    *redis.IntCmd
		delayed   *redis.IntCmd
	)

	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, q.waitKey)
		active = pipe.LLen(ctx, q.activeKey)
		completed = pipe.ZCard(ctx, q.completedKey)
		failed = pipe.ZCard(ctx, q.failedKey)
		delayed = pipe.ZCard(ctx, q.delayedKey)
		return nil
	})
	if err != nil {
		return Metrics{}, fmt.Errorf("%w: queue metrics: %w", ErrQueueUnavailable, err)
	}

	return Metrics{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}, nil
}

func scriptStatus(code int, id string) error {
	switch code {
	case -1:
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	case -2:
		return fmt.Errorf("%w: %s", ErrLockLost, id)
	default:
		return nil
	}
}
