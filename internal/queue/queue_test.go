package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"PulseDispatch/internal/models"
	"PulseDispatch/internal/queue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	q     *queue.Queue
	mr    *miniredis.Miniredis
	clock *fakeClock

	mu     sync.Mutex
	events []queue.Event
}

func newHarness(t *testing.T, opts ...queue.Option) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := newFakeClock()
	opts = append([]queue.Option{queue.WithClock(clock.Now)}, opts...)

	h := &harness{
		q:     queue.New(client, "email-queue", zap.NewNop(), opts...),
		mr:    mr,
		clock: clock,
	}
	h.q.Subscribe(func(e queue.Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})

	return h
}

func (h *harness) eventTypes() []queue.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]queue.EventType, 0, len(h.events))
	for _, e := range h.events {
		out = append(out, e.Type)
	}
	return out
}

func sampleData(to string) models.EmailJobData {
	return models.EmailJobData{
		To:      []string{to},
		Subject: "Hi",
		Text:    "hello",
		Attachments: []models.Attachment{
			{Filename: "a.txt", Content: []byte("abc"), ContentType: "text/plain"},
		},
	}
}

func TestQueue_AddAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	id, err := h.q.Add(ctx, sampleData("a@x.com"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, found, err := h.q.GetJob(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, id, job.ID)
	require.Equal(t, queue.StateWaiting, job.State)
	require.Equal(t, models.StatusPending, job.Status())
	require.Equal(t, 0, job.AttemptsMade)
	require.Equal(t, 3, job.MaxAttempts)
	require.Equal(t, h.clock.Now(), job.CreatedAt)
	require.Equal(t, sampleData("a@x.com"), job.Data)

	require.Equal(t, []queue.EventType{queue.EventAdded}, h.eventTypes())
}

func TestQueue_GetJobUnknown(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	job, found, err := h.q.GetJob(context.Background(), "never-existed")
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, job)
}

func TestQueue_Claim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("empty queue", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)

		_, ok, err := h.q.Claim(ctx, "w1")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("claims in submission order", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)

		first, err := h.q.Add(ctx, sampleData("a@x.com"))
		require.NoError(t, err)
		second, err := h.q.Add(ctx, sampleData("b@x.com"))
		require.NoError(t, err)

		job, ok, err := h.q.Claim(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, first, job.ID)
		require.Equal(t, queue.StateActive, job.State)
		require.Equal(t, models.StatusProcessing, job.Status())
		require.Equal(t, 1, job.Attempt())

		job, ok, err = h.q.Claim(ctx, "w2")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, second, job.ID)

		_, ok, err = h.q.Claim(ctx, "w3")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("each job is claimed by one worker", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)

		const jobs = 30
		for i := 0; i < jobs; i++ {
			_, err := h.q.Add(ctx, sampleData(fmt.Sprintf("u%d@x.com", i)))
			require.NoError(t, err)
		}

		var mu sync.Mutex
		claimed := make(map[string]int)

		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				for {
					job, ok, err := h.q.Claim(ctx, fmt.Sprintf("w%d", worker))
					if err != nil || !ok {
						return
					}
					mu.Lock()
					claimed[job.ID]++
					mu.Unlock()
				}
			}(w)
		}
		wg.Wait()

		require.Len(t, claimed, jobs)
		for id, n := range claimed {
			require.Equal(t, 1, n, "job %s claimed %d times", id, n)
		}
	})
}

func TestQueue_Complete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	id, err := h.q.Add(ctx, sampleData("a@x.com"))
	require.NoError(t, err)

	job, ok, err := h.q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.q.Complete(ctx, job))

	got, found, err := h.q.GetJob(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, models.StatusCompleted, got.Status())
	require.Equal(t, h.clock.Now(), got.FinishedAt)
	require.Equal(t, 1, got.AttemptsMade)

	m, err := h.q.Metrics(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.Metrics{Completed: 1}, m)

	require.Equal(t, []queue.EventType{queue.EventAdded, queue.EventCompleted}, h.eventTypes())
}

func TestQueue_RetryExhaustion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, queue.WithMaxAttempts(3), queue.WithBackoff(time.Second, time.Minute))

	id, err := h.q.Add(ctx, sampleData("a@x.com"))
	require.NoError(t, err)

	var delays []time.Duration
	observed := []models.EmailStatusValue{models.StatusPending}

	for attempt := 1; attempt <= 3; attempt++ {
		job, ok, err := h.q.Claim(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ok, "attempt %d not claimable", attempt)
		require.Equal(t, attempt, job.Attempt())

		require.NoError(t, h.q.Fail(ctx, job, fmt.Errorf("dial tcp: connection refused (attempt %d)", attempt)))

		got, _, err := h.q.GetJob(ctx, id)
		require.NoError(t, err)
		observed = append(observed, got.Status())

		if attempt < 3 {
			require.Equal(t, queue.StateDelayed, got.State)
			delay := got.RetryAt.Sub(h.clock.Now())
			delays = append(delays, delay)

			// Not claimable before the backoff elapses.
			_, ok, err = h.q.Claim(ctx, "w1")
			require.NoError(t, err)
			require.False(t, ok)

			h.clock.Advance(delay)
		}
	}

	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)

	job, _, err := h.q.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, job.Status())
	require.Equal(t, 3, job.AttemptsMade)
	require.Equal(t, "dial tcp: connection refused (attempt 3)", job.FailedReason)

	for i := 1; i < len(observed); i++ {
		require.GreaterOrEqual(t, observed[i].Rank(), observed[i-1].Rank())
	}

	require.Equal(t, []queue.EventType{
		queue.EventAdded,
		queue.EventRetrying,
		queue.EventRetrying,
		queue.EventFailed,
	}, h.eventTypes())
}

func TestQueue_PermanentFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	id, err := h.q.Add(ctx, sampleData("not-an-address"))
	require.NoError(t, err)

	job, ok, err := h.q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.q.Fail(ctx, job, backoff.Permanent(errors.New("550 mailbox unavailable"))))

	got, _, err := h.q.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status())
	require.Equal(t, 1, got.AttemptsMade)
	require.Equal(t, "550 mailbox unavailable", got.FailedReason)
}

func TestQueue_Stalled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("expired lock returns job to wait", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, queue.WithLockDuration(5*time.Second))

		id, err := h.q.Add(ctx, sampleData("a@x.com"))
		require.NoError(t, err)

		stale, ok, err := h.q.Claim(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ok)

		n, err := h.q.RecoverStalled(ctx)
		require.NoError(t, err)
		require.Zero(t, n, "locked job must not be recovered")

		h.mr.FastForward(6 * time.Second)

		n, err = h.q.RecoverStalled(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		got, _, err := h.q.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, queue.StateWaiting, got.State)
		require.Equal(t, models.StatusProcessing, got.Status())

		fresh, ok, err := h.q.Claim(ctx, "w2")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, id, fresh.ID)

		require.ErrorIs(t, h.q.Complete(ctx, stale), queue.ErrLockLost)
		require.NoError(t, h.q.Complete(ctx, fresh))

		require.Contains(t, h.eventTypes(), queue.EventStalled)
	})

	t.Run("fails after too many stalls", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, queue.WithLockDuration(time.Second), queue.WithMaxStalled(1))

		id, err := h.q.Add(ctx, sampleData("a@x.com"))
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			_, ok, err := h.q.Claim(ctx, "w1")
			require.NoError(t, err)
			require.True(t, ok)

			h.mr.FastForward(2 * time.Second)
			_, err = h.q.RecoverStalled(ctx)
			require.NoError(t, err)
		}

		got, _, err := h.q.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, models.StatusFailed, got.Status())
		require.Equal(t, "job stalled more than allowable limit", got.FailedReason)
	})

	t.Run("extending the lock keeps the job", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, queue.WithLockDuration(5*time.Second))

		_, err := h.q.Add(ctx, sampleData("a@x.com"))
		require.NoError(t, err)

		job, ok, err := h.q.Claim(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ok)

		h.mr.FastForward(4 * time.Second)
		require.NoError(t, h.q.ExtendLock(ctx, job))
		h.mr.FastForward(4 * time.Second)

		n, err := h.q.RecoverStalled(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
	})
}

func TestQueue_Admin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("remove", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)

		id, err := h.q.Add(ctx, sampleData("a@x.com"))
		require.NoError(t, err)

		require.NoError(t, h.q.Remove(ctx, id))
		require.NoError(t, h.q.Remove(ctx, "unknown"))

		_, found, err := h.q.GetJob(ctx, id)
		require.NoError(t, err)
		require.False(t, found)

		_, ok, err := h.q.Claim(ctx, "w1")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("clear keeps active and finished jobs", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)

		for i := 0; i < 4; i++ {
			_, err := h.q.Add(ctx, sampleData(fmt.Sprintf("u%d@x.com", i)))
			require.NoError(t, err)
		}

		done, _, err := h.q.Claim(ctx, "w1")
		require.NoError(t, err)
		require.NoError(t, h.q.Complete(ctx, done))

		retry, _, err := h.q.Claim(ctx, "w1")
		require.NoError(t, err)
		require.NoError(t, h.q.Fail(ctx, retry, errors.New("timeout")))

		active, _, err := h.q.Claim(ctx, "w1")
		require.NoError(t, err)

		m, err := h.q.Metrics(ctx)
		require.NoError(t, err)
		require.Equal(t, queue.Metrics{Waiting: 1, Active: 1, Completed: 1, Delayed: 1}, m)

		n, err := h.q.Clear(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, n)

		m, err = h.q.Metrics(ctx)
		require.NoError(t, err)
		require.Equal(t, queue.Metrics{Active: 1, Completed: 1}, m)

		_, found, err := h.q.GetJob(ctx, active.ID)
		require.NoError(t, err)
		require.True(t, found)
	})

	t.Run("clean removes old finished jobs", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)

		oldID, err := h.q.Add(ctx, sampleData("a@x.com"))
		require.NoError(t, err)
		job, _, err := h.q.Claim(ctx, "w1")
		require.NoError(t, err)
		require.NoError(t, h.q.Complete(ctx, job))

		h.clock.Advance(48 * time.Hour)

		newID, err := h.q.Add(ctx, sampleData("b@x.com"))
		require.NoError(t, err)
		job, _, err = h.q.Claim(ctx, "w1")
		require.NoError(t, err)
		require.NoError(t, h.q.Fail(ctx, job, backoff.Permanent(errors.New("rejected"))))

		n, err := h.q.Clean(ctx, 24*time.Hour)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		_, found, err := h.q.GetJob(ctx, oldID)
		require.NoError(t, err)
		require.False(t, found)

		_, found, err = h.q.GetJob(ctx, newID)
		require.NoError(t, err)
		require.True(t, found)
	})
}

func TestQueue_Unavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.mr.Close()

	_, err := h.q.Add(context.Background(), sampleData("a@x.com"))
	require.ErrorIs(t, err, queue.ErrQueueUnavailable)
}

func TestQueue_Backoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, queue.WithBackoff(time.Second, 10*time.Second))

	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 8 * time.Second},
		{attempt: 5, want: 10 * time.Second},
		{attempt: 9, want: 10 * time.Second},
	}

	prev := time.Duration(0)
	for _, tc := range testCases {
		got := h.q.Backoff(tc.attempt)
		require.Equal(t, tc.want, got, "attempt %d", tc.attempt)
		require.GreaterOrEqual(t, got, prev)
		prev = got
	}
}
