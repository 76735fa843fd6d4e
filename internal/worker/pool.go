package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"PulseDispatch/internal/queue"
)

// Processor delivers one claimed job. A non-nil error counts as a failed
// attempt; wrap it with backoff.Permanent to skip the remaining retries.
type Processor interface {
	Process(ctx context.Context, job *queue.Job) error
}

type Options struct {
	Workers int
	// PollInterval is how long an idle worker waits before claiming again.
	PollInterval time.Duration
	// StalledInterval is how often expired job locks are swept.
	StalledInterval time.Duration
	// Retention is how long finished jobs are kept. Zero keeps them forever.
	Retention time.Duration
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = 30 * time.Second
	}
}

// StartPool starts opts.Workers goroutines that claim and process jobs until
// ctx is cancelled, plus one maintenance goroutine. A job already claimed
// when ctx is cancelled is still processed and reported. wg is released once
// every goroutine has returned.
func StartPool(
	ctx context.Context,
	wg *sync.WaitGroup,
	opts Options,
	q *queue.Queue,
	proc Processor,
	limiter *rate.Limiter,
	logger *zap.Logger,
) {
	opts.defaults()

	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)

		w := &worker{
			token:   uuid.NewString(),
			q:       q,
			proc:    proc,
			limiter: limiter,
			poll:    opts.PollInterval,
			log:     logger.With(zap.Int("worker_id", i)),
		}

		go func() {
			defer wg.Done()
			w.run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		maintain(ctx, q, opts, logger)
	}()
}

type worker struct {
	token   string
	q       *queue.Queue
	proc    Processor
	limiter *rate.Limiter
	poll    time.Duration
	log     *zap.Logger
}

func (w *worker) run(ctx context.Context) {
	w.log.Info("worker started")

	for {
		if ctx.Err() != nil {
			w.log.Info("worker shutting down")
			return
		}

		job, ok, err := w.q.Claim(ctx, w.token)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error("failed to claim job", zap.Error(err))
		}
		if err != nil || !ok {
			if !sleep(ctx, w.poll) {
				w.log.Info("worker shutting down")
				return
			}
			continue
		}

		w.handle(ctx, job)
	}
}

// handle runs one claimed job to a recorded outcome. The job outlives ctx so
// that shutdown never abandons a claimed job halfway.
func (w *worker) handle(ctx context.Context, job *queue.Job) {
	jobCtx := context.WithoutCancel(ctx)
	log := w.log.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt()))

	hbCtx, stopHeartbeat := context.WithCancel(jobCtx)
	defer stopHeartbeat()
	go w.heartbeat(hbCtx, job, log)

	if err := w.limiter.Wait(jobCtx); err != nil {
		log.Warn("rate limiter wait failed", zap.Error(err))
	}

	procErr := w.proc.Process(jobCtx, job)
	stopHeartbeat()

	if procErr == nil {
		if err := w.q.Complete(jobCtx, job); err != nil {
			log.Error("failed to record completed job", zap.Error(err))
		}
		return
	}

	if err := w.q.Fail(jobCtx, job, procErr); err != nil {
		log.Error("failed to record failed attempt",
			zap.NamedError("cause", procErr),
			zap.Error(err),
		)
	}
}

func (w *worker) heartbeat(ctx context.Context, job *queue.Job, log *zap.Logger) {
	interval := w.q.LockDuration() / 2
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.q.ExtendLock(ctx, job); err != nil {
				if ctx.Err() == nil {
					log.Warn("failed to extend job lock", zap.Error(err))
				}
				if errors.Is(err, queue.ErrLockLost) {
					return
				}
			}
		}
	}
}

func maintain(ctx context.Context, q *queue.Queue, opts Options, logger *zap.Logger) {
	sweep := func() {
		n, err := q.RecoverStalled(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("stalled job sweep failed", zap.Error(err))
			}
			return
		}
		if n > 0 {
			logger.Warn("recovered stalled jobs", zap.Int("count", n))
		}

		if opts.Retention <= 0 {
			return
		}
		removed, err := q.Clean(ctx, opts.Retention)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("finished job cleanup failed", zap.Error(err))
			}
			return
		}
		if removed > 0 {
			logger.Info("removed finished jobs", zap.Int("count", removed))
		}
	}

	sweep()

	ticker := time.NewTicker(opts.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
