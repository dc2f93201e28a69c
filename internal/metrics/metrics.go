package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RecordsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logship_records_enqueued_total",
			Help: "Total number of records accepted into the durable queue.",
		},
	)

	RecordsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logship_records_dropped_total",
			Help: "Total number of records dropped by reason.",
		},
		[]string{"reason"}, // disk_full, malformed, unauthorized, queue_error
	)

	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logship_batches_total",
			Help: "Total number of batches by final outcome.",
		},
		[]string{"outcome"}, // delivered, dropped, requeued
	)

	DeliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logship_delivery_attempts_total",
			Help: "Total number of HTTP delivery attempts by status code.",
		},
		[]string{"code"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logship_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // http_5xx, http_4xx, timeout, network, other
	)

	DeliveryLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logship_delivery_latency_seconds",
			Help:    "Latency of a single HTTP delivery attempt.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"code"},
	)

	BatchBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logship_batch_bytes",
			Help:    "Size in bytes of assembled batches.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8), // 1KiB .. 16MiB
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "logship_queue_depth",
			Help: "Number of records waiting in the durable queue.",
		},
	)

	DiskUsedPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "logship_disk_used_percent",
			Help: "Used space percentage of the filesystem holding the queue, as last observed.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		RecordsEnqueuedTotal,
		RecordsDroppedTotal,
		BatchesTotal,
		DeliveryAttemptsTotal,
		RetriesTotal,
		DeliveryLatencySeconds,
		BatchBytes,
		QueueDepth,
		DiskUsedPercent,
	)
}

// RecordEnqueued counts a record accepted into the queue.
func RecordEnqueued() {
	RecordsEnqueuedTotal.Inc()
}

// RecordDropped counts n records dropped for reason.
func RecordDropped(reason string, n int) {
	RecordsDroppedTotal.WithLabelValues(reason).Add(float64(n))
}

// RecordBatch counts a batch outcome and observes its size.
func RecordBatch(outcome string, bytes int) {
	BatchesTotal.WithLabelValues(outcome).Inc()
	BatchBytes.Observe(float64(bytes))
}

// RecordAttempt counts one HTTP exchange. code is the status code as a string,
// or "error" when the exchange failed before a response was read.
func RecordAttempt(code string, latency time.Duration) {
	DeliveryAttemptsTotal.WithLabelValues(code).Inc()
	DeliveryLatencySeconds.WithLabelValues(code).Observe(latency.Seconds())
}

// RecordRetry counts a retry scheduled for reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// SetQueueDepth updates the queue depth gauge.
func SetQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}

// SetDiskUsedPercent updates the disk usage gauge.
func SetDiskUsedPercent(pct float64) {
	DiskUsedPercent.Set(pct)
}
