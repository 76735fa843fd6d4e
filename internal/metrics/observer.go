package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"PulseDispatch/internal/email"
	"PulseDispatch/internal/queue"
)

// Observer returns a queue listener that logs job transitions and counts them.
func Observer(log *zap.Logger) queue.Listener {
	return func(e queue.Event) {
		fields := []zap.Field{
			zap.String("job_id", e.Job.ID),
			zap.Int("attempts", e.Job.AttemptsMade),
		}
		if len(e.Job.Data.To) > 0 {
			fields = append(fields, zap.String("to", email.FormatAddressList(e.Job.Data.To)))
		}

		switch e.Type {
		case queue.EventCompleted:
			EmailsSent.Inc()
			log.Info("email sent successfully", fields...)

		case queue.EventFailed:
			EmailFailures.Inc()
			log.Error("email failed permanently", append(fields, zap.Error(e.Err))...)

		case queue.EventRetrying:
			EmailRetries.Inc()
			log.Warn("email delivery failed, retrying",
				append(fields, zap.Time("retry_at", e.Job.RetryAt), zap.Error(e.Err))...)

		case queue.EventStalled:
			JobsStalled.Inc()
			log.Warn("email job stalled", fields...)
		}
	}
}

// QueueSource reports queue depth.
type QueueSource interface {
	Metrics(ctx context.Context) (queue.Metrics, error)
}

// QueueCollector exports the number of jobs in each queue state on scrape.
type QueueCollector struct {
	source  QueueSource
	log     *zap.Logger
	timeout time.Duration
	depth   *prometheus.Desc
}

func NewQueueCollector(source QueueSource, log *zap.Logger) *QueueCollector {
	return &QueueCollector{
		source:  source,
		log:     log,
		timeout: 2 * time.Second,
		depth: prometheus.NewDesc(
			"email_queue_jobs",
			"Number of email jobs by queue state",
			[]string{"state"},
			nil,
		),
	}
}

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.depth
}

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	m, err := c.source.Metrics(ctx)
	if err != nil {
		c.log.Warn("failed to collect queue metrics", zap.Error(err))
		return
	}

	for state, n := range map[queue.State]int64{
		queue.StateWaiting:   m.Waiting,
		queue.StateActive:    m.Active,
		queue.StateDelayed:   m.Delayed,
		queue.StateCompleted: m.Completed,
		queue.StateFailed:    m.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(n), string(state))
	}
}
