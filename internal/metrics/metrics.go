// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ripforge/ripforge/internal/model"
)

var (
	// QueueDepth is the current job count per status, refreshed each
	// time the worker polls the store.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ripforge_queue_depth",
		Help: "Current number of jobs by status.",
	}, []string{"status"})

	// JobsTotal counts terminal job outcomes by status and, for
	// failures, the error_kind taxonomy.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripforge_jobs_total",
		Help: "Total number of jobs reaching a terminal state.",
	}, []string{"status", "error_kind"})

	// EncodeDuration observes wall-clock seconds spent in the EXECUTING
	// stage for video jobs, labeled by the encoder family actually used.
	EncodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ripforge_encode_duration_seconds",
		Help:    "Time spent transcoding a video job, by encoder family.",
		Buckets: prometheus.ExponentialBuckets(30, 2, 12), // 30s .. ~17h
	}, []string{"encoder_family"})

	// WebhookRequestsTotal counts admission outcomes: "accepted" for an
	// admitted job, "dropped" for an ignored non-completion notice, or
	// the error_kind of a rejected request.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ripforge_webhook_requests_total",
		Help: "Total number of webhook notifications received, by outcome.",
	}, []string{"outcome"})
)

// SetQueueDepth publishes a full snapshot of per-status counts, replacing
// whatever was previously recorded for each label.
func SetQueueDepth(pending, running, completed, failed, cancelled int) {
	QueueDepth.WithLabelValues(string(model.StatusPending)).Set(float64(pending))
	QueueDepth.WithLabelValues(string(model.StatusRunning)).Set(float64(running))
	QueueDepth.WithLabelValues(string(model.StatusCompleted)).Set(float64(completed))
	QueueDepth.WithLabelValues(string(model.StatusFailed)).Set(float64(failed))
	QueueDepth.WithLabelValues(string(model.StatusCancelled)).Set(float64(cancelled))
}

// RecordJobOutcome increments JobsTotal for a job that just reached a
// terminal state.
func RecordJobOutcome(status model.Status, kind model.ErrorKind) {
	JobsTotal.WithLabelValues(string(status), string(kind)).Inc()
}

// RecordEncodeDuration observes the EXECUTING stage's wall-clock time for
// a video job whose encode succeeded; failed encodes are not observed.
func RecordEncodeDuration(family model.EncoderFamily, seconds float64) {
	EncodeDuration.WithLabelValues(string(family)).Observe(seconds)
}

// RecordWebhookOutcome increments WebhookRequestsTotal for a single
// admission attempt. outcome is "accepted", "dropped", or an
// admission.Error's Kind string.
func RecordWebhookOutcome(outcome string) {
	WebhookRequestsTotal.WithLabelValues(outcome).Inc()
}
