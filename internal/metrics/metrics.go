package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"PacedSend/internal/queue"
)

var (
	EmailsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_scheduled_total",
			Help: "Total email jobs created by the scheduler",
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
			Help: "Total emails that reached FAILED after exhausting retries",
		},
	)

	EmailRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_retries_total",
			Help: "Total failed dispatch attempts that will be retried",
		},
	)

	RateLimitDeferrals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_rate_limit_deferrals_total",
			Help: "Dispatches pushed back because the sender hit its hourly limit",
		},
		[]string{"sender_id"},
	)

	StaleDeliveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_stale_deliveries_total",
			Help: "Queue deliveries dropped because the job was already terminal",
		},
	)

	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "email_send_duration_seconds",
			Help:    "Time spent in the mail transport per attempt",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func Init() {
	prometheus.MustRegister(EmailsScheduled)
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailFailures)
	prometheus.MustRegister(EmailRetries)
	prometheus.MustRegister(RateLimitDeferrals)
	prometheus.MustRegister(StaleDeliveries)
	prometheus.MustRegister(SendDuration)
}

// QueueCollector reports delay queue depth on every scrape.
type QueueCollector struct {
	queue   queue.Queue
	timeout time.Duration
	depth   *prometheus.Desc
}

func NewQueueCollector(q queue.Queue) *QueueCollector {
	return &QueueCollector{
		queue:   q,
		timeout: 2 * time.Second,
		depth: prometheus.NewDesc(
			"email_queue_entries",
			"Delay queue entries by state",
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

	counts, err := c.queue.Counts(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.depth, err)
		return
	}

	for state, n := range map[string]int64{
		"waiting":   counts.Waiting,
		"active":    counts.Active,
		"delayed":   counts.Delayed,
		"completed": counts.Completed,
		"failed":    counts.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(n), state)
	}
}
