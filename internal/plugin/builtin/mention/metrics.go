package mention

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mentionsCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mentionbot",
		Name:      "mentions_captured_total",
		Help:      "Mention records persisted by the capture pipeline.",
	})
	captureErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mentionbot",
		Name:      "capture_errors_total",
		Help:      "Messages whose capture was aborted, by failing stage.",
	}, []string{"stage"})
	captureDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mentionbot",
		Name:      "capture_duration_seconds",
		Help:      "Time spent capturing one message that mentioned a subscribed target.",
		Buckets:   prometheus.DefBuckets,
	})
	digestBatchesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mentionbot",
		Name:      "digest_batches_sent_total",
		Help:      "Digest batches delivered successfully.",
	})
	recordsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mentionbot",
		Name:      "records_purged_total",
		Help:      "Mention records deleted after delivery.",
	})
)
