// Package ratelimit implements a fixed-window counter shared through Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrRateLimitExceeded is returned when the window's ceiling is passed.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrStoreUnavailable is returned when the counter store cannot be reached
	// after one reconnect attempt.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
)

const keyPrefix = "rate_limit:"

// incrScript increments the counter and starts the window on the first hit,
// so the two steps are a single atomic operation.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// Status describes the state of a key's current window.
type Status struct {
	Count     int64
	Limit     int
	Remaining int
	ResetIn   time.Duration
}

type Limiter struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
	log    *zap.Logger
}

func New(client redis.UniversalClient, limit int, window time.Duration, log *zap.Logger) *Limiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}

	return &Limiter{
		client: client,
		limit:  limit,
		window: window,
		log:    log,
	}
}

// CheckLimit counts one operation against key and fails with
// ErrRateLimitExceeded once the count passes the ceiling.
func (l *Limiter) CheckLimit(ctx context.Context, key string) error {
	st, err := l.Hit(ctx, key)
	if err != nil {
		return err
	}

	if st.Count > int64(l.limit) {
		return fmt.Errorf("%w: %s (limit %d per %s, resets in %s)",
			ErrRateLimitExceeded, key, l.limit, l.window, st.ResetIn.Round(time.Second))
	}

	return nil
}

// Hit increments key and returns the resulting window status.
func (l *Limiter) Hit(ctx context.Context, key string) (Status, error) {
	res, err := l.run(ctx, key)
	if err != nil && isConnError(err) {
		l.log.Warn("rate limit store unreachable, reconnecting",
			zap.String("key", key),
			zap.Error(err),
		)

		if pingErr := l.client.Ping(ctx).Err(); pingErr != nil {
			return Status{}, errors.Join(ErrStoreUnavailable, pingErr)
		}
		res, err = l.run(ctx, key)
	}
	if err != nil {
		return Status{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	return l.status(res), nil
}

// Remaining reports the window status of key without counting a hit.
func (l *Limiter) Remaining(ctx context.Context, key string) (Status, error) {
	var (
		count *redis.StringCmd
		ttl   *redis.DurationCmd
	)

	_, err := l.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		count = pipe.Get(ctx, keyPrefix+key)
		ttl = pipe.PTTL(ctx, keyPrefix+key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Status{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	n, _ := count.Int64()
	reset := ttl.Val()
	if reset < 0 {
		reset = 0
	}

	return l.status([]int64{n, reset.Milliseconds()}), nil
}

func (l *Limiter) run(ctx context.Context, key string) ([]int64, error) {
	return incrScript.Run(ctx, l.client, []string{keyPrefix + key}, l.window.Milliseconds()).Int64Slice()
}

func (l *Limiter) status(res []int64) Status {
	st := Status{Limit: l.limit}
	if len(res) > 0 {
		st.Count = res[0]
	}
	if len(res) > 1 && res[1] > 0 {
		st.ResetIn = time.Duration(res[1]) * time.Millisecond
	}
	st.Remaining = max(l.limit-int(st.Count), 0)
	return st
}

func isConnError(err error) bool {
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
