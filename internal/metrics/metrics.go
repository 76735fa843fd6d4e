package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_queued_total",
			Help: "Total emails accepted into the queue",
		},
	)

	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total failed emails",
		},
	)

	EmailRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_retries_total",
			Help: "Total delivery attempts scheduled for retry",
		},
	)

	JobsStalled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_jobs_stalled_total",
			Help: "Total jobs recovered from a stalled worker",
		},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_rate_limited_total",
			Help: "Total send requests rejected by the rate limiter",
		},
	)
)

// Init registers the counters with reg, or with the default registry when
// reg is nil.
func Init(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	reg.MustRegister(
		EmailsQueued,
		EmailsSent,
		EmailFailures,
		EmailRetries,
		JobsStalled,
		RateLimited,
	)
}
