package observability

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "message_dispatch"

// Metrics holds the Prometheus collectors for the api and worker
// processes. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	batchesAccepted    *prometheus.CounterVec
	enqueued           *prometheus.CounterVec
	enqueueFailures    *prometheus.CounterVec
	messagesSent       *prometheus.CounterVec
	messagesFailed     *prometheus.CounterVec
	sendRetryable      *prometheus.CounterVec
	sendDuration       *prometheus.HistogramVec
	simulatedSends     *prometheus.CounterVec
	workerInFlight     *prometheus.GaugeVec
	deadLetteredTotals *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpRequests: newCounter("http_requests_total",
			"HTTP requests handled by method, route and status.", "method", "path", "status"),
		httpDuration: newHistogram("http_request_duration_seconds",
			"HTTP request latency by method and route.", prometheus.DefBuckets, "method", "path"),
		batchesAccepted: newCounter("batches_accepted_total",
			"Batches persisted by the dispatcher by enqueue strategy.", "strategy"),
		enqueued: newCounter("queue_entries_enqueued_total",
			"Queue entries published by queue.", "queue"),
		enqueueFailures: newCounter("queue_enqueue_failures_total",
			"Queue entries that could not be published by queue.", "queue"),
		messagesSent: newCounter("messages_sent_total",
			"Messages delivered by channel.", "channel"),
		messagesFailed: newCounter("messages_failed_total",
			"Messages resolved as failed by channel and reason.", "channel", "reason"),
		sendRetryable: newCounter("send_retryable_total",
			"Send attempts left for redelivery by channel and send status.", "channel", "status"),
		sendDuration: newHistogram("send_duration_seconds",
			"Channel send latency by channel.", prometheus.ExponentialBuckets(0.01, 2, 12), "channel"),
		simulatedSends: newCounter("simulated_sends_total",
			"Sends routed to the simulated channel by requested channel.", "channel"),
		workerInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_inflight",
			Help:      "Queue entries currently being handled by queue.",
		}, []string{"queue"}),
		deadLetteredTotals: newCounter("dead_lettered_messages_total",
			"Messages failed by dead-letter reconciliation by dead-letter queue.", "queue"),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration,
		m.batchesAccepted, m.enqueued, m.enqueueFailures,
		m.messagesSent, m.messagesFailed, m.sendRetryable, m.sendDuration, m.simulatedSends,
		m.workerInFlight, m.deadLetteredTotals,
	)
	return m
}

func newCounter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

func newHistogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// HTTPMiddleware records request count and latency per matched route.
// Scrapes of /metrics are not recorded.
func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if m == nil {
			return err
		}

		path := "unmatched"
		if route := c.Route(); route != nil && strings.TrimSpace(route.Path) != "" {
			path = route.Path
		}
		if path == "/metrics" {
			return err
		}

		method := strings.ToUpper(c.Method())
		m.httpRequests.WithLabelValues(method, path, strconv.Itoa(responseStatus(c, err))).Inc()
		m.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		return err
	}
}

func responseStatus(c *fiber.Ctx, err error) int {
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code
	case err != nil:
		return fiber.StatusInternalServerError
	}
	if status := c.Response().StatusCode(); status != 0 {
		return status
	}
	return fiber.StatusOK
}

func (m *Metrics) IncBatchAccepted(strategy string) {
	if m != nil {
		m.batchesAccepted.WithLabelValues(labels(strategy)...).Inc()
	}
}

func (m *Metrics) IncEnqueued(queue string) {
	if m != nil {
		m.enqueued.WithLabelValues(labels(queue)...).Inc()
	}
}

func (m *Metrics) IncEnqueueFailed(queue string) {
	if m != nil {
		m.enqueueFailures.WithLabelValues(labels(queue)...).Inc()
	}
}

func (m *Metrics) IncMessageSent(channel string) {
	if m != nil {
		m.messagesSent.WithLabelValues(labels(channel)...).Inc()
	}
}

func (m *Metrics) IncMessageFailed(channel, reason string) {
	if m != nil {
		m.messagesFailed.WithLabelValues(labels(channel, reason)...).Inc()
	}
}

func (m *Metrics) IncSendRetryable(channel, status string) {
	if m != nil {
		m.sendRetryable.WithLabelValues(labels(channel, status)...).Inc()
	}
}

func (m *Metrics) ObserveSendDuration(channel string, d time.Duration) {
	if m != nil {
		m.sendDuration.WithLabelValues(labels(channel)...).Observe(max(d, 0).Seconds())
	}
}

func (m *Metrics) IncSimulatedSend(channel string) {
	if m != nil {
		m.simulatedSends.WithLabelValues(labels(channel)...).Inc()
	}
}

func (m *Metrics) IncWorkerInFlight(queue string) {
	if m != nil {
		m.workerInFlight.WithLabelValues(labels(queue)...).Inc()
	}
}

func (m *Metrics) DecWorkerInFlight(queue string) {
	if m != nil {
		m.workerInFlight.WithLabelValues(labels(queue)...).Dec()
	}
}

func (m *Metrics) AddDeadLettered(queue string, n int) {
	if m != nil && n > 0 {
		m.deadLetteredTotals.WithLabelValues(labels(queue)...).Add(float64(n))
	}
}

// labels lower-cases label values and replaces blanks with "unknown".
func labels(values ...string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v == "" {
			v = "unknown"
		}
		out[i] = v
	}
	return out
}
