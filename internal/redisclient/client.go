// Package redisclient opens the Redis connection shared by the job queue and
// the rate limiter.
package redisclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrInvalidURL       = errors.New("redis: invalid connection url")
	ErrConnectionFailed = errors.New("redis: connection failed")
)

type Options struct {
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// ConnectTimeout bounds the total time spent retrying the first ping.
	ConnectTimeout time.Duration
}

func defaultOptions() Options {
	return Options{
		PoolSize:       10,
		DialTimeout:    5 * time.Second,
		ReadTimeout:    3 * time.Second,
		WriteTimeout:   3 * time.Second,
		ConnectTimeout: 30 * time.Second,
	}
}

// Open parses a redis:// or rediss:// url and pings the server, retrying
// with exponential backoff until ConnectTimeout passes.
func Open(ctx context.Context, url string, log *zap.Logger, opts ...func(*Options)) (redis.UniversalClient, error) {
	if !strings.HasPrefix(url, "redis://") && !strings.HasPrefix(url, "rediss://") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, url)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Join(ErrInvalidURL, err)
	}
	ro.PoolSize = o.PoolSize
	ro.DialTimeout = o.DialTimeout
	ro.ReadTimeout = o.ReadTimeout
	ro.WriteTimeout = o.WriteTimeout

	client := redis.NewClient(ro)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = o.ConnectTimeout

	ping := func() error {
		return client.Ping(ctx).Err()
	}
	notify := func(err error, next time.Duration) {
		log.Warn("redis not reachable, retrying",
			zap.String("addr", ro.Addr),
			zap.Duration("retry_in", next),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(ping, backoff.WithContext(b, ctx), notify); err != nil {
		_ = client.Close()
		return nil, errors.Join(ErrConnectionFailed, err)
	}

	log.Info("redis connected", zap.String("addr", ro.Addr), zap.Int("db", ro.DB))
	return client, nil
}
