// Package metrics exposes the bus counters scraped by relayd's /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	publishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxbus_published_total",
			Help: "Total publish attempts, by outcome and broker error category",
		},
		[]string{"status", "category"},
	)

	consumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxbus_consumed_total",
			Help: "Total deliveries handled, by result",
		},
		[]string{"result"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxbus_retries_total",
			Help: "Total redeliveries scheduled, by attempt status",
		},
		[]string{"status"},
	)

	dlqTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "boxbus_dlq_total",
			Help: "Total envelopes routed to the dead-letter queue",
		},
	)

	ackFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "boxbus_ack_failures_total",
			Help: "Total broker acknowledgement failures",
		},
	)

	handlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "boxbus_handler_duration_seconds",
			Help:    "User handler execution time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"event_type"},
	)

	brokerOutage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "boxbus_broker_outage",
			Help: "1 while the broker is unreachable, 0 otherwise",
		},
	)
)

// Delivery results for RecordConsumed.
const (
	ResultProcessed = "processed"
	ResultDuplicate = "duplicate"
	ResultDropped   = "dropped"
	ResultRequeued  = "requeued"
	ResultDLQ       = "dlq"
)

func RecordPublished(status, category string) {
	publishedTotal.WithLabelValues(status, category).Inc()
}

func RecordConsumed(result string) {
	consumedTotal.WithLabelValues(result).Inc()
}

func RecordRetry(attemptStatus string) {
	retriesTotal.WithLabelValues(attemptStatus).Inc()
}

func RecordDLQ() {
	dlqTotal.Inc()
}

func RecordAckFailure() {
	ackFailuresTotal.Inc()
}

func ObserveHandler(eventType string, d time.Duration) {
	handlerDuration.WithLabelValues(eventType).Observe(d.Seconds())
}

func SetOutage(inOutage bool) {
	if inOutage {
		brokerOutage.Set(1)
		return
	}
	brokerOutage.Set(0)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
