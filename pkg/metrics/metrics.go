// Package metrics exposes ShadowBox's Prometheus metrics: counts and
// gauges over Boxes, blobs, dedup, transfer volume, and active sessions
// and pulls, served over HTTP via promhttp.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BoxesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shadowbox_boxes_total",
			Help: "Total number of boxes",
		},
	)

	FilesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shadowbox_files_total",
			Help: "Total number of files by box",
		},
		[]string{"box_id"},
	)

	BlobsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shadowbox_blobs_total",
			Help: "Total number of distinct stored blobs",
		},
	)

	BlobBytesStored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shadowbox_blob_bytes_stored",
			Help: "Total ciphertext bytes on disk across all blobs",
		},
	)

	DedupHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shadowbox_dedup_hits_total",
			Help: "Total number of file writes that matched an existing blob instead of creating a new one",
		},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shadowbox_active_sessions",
			Help: "Number of share-server peer connections currently past the handshake",
		},
	)

	ActivePulls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shadowbox_active_pulls",
			Help: "Number of in-progress share-client pulls",
		},
	)

	BytesServed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shadowbox_bytes_served_total",
			Help: "Total plaintext bytes streamed by the share server",
		},
	)

	BytesPulled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shadowbox_bytes_pulled_total",
			Help: "Total plaintext bytes received by the share client",
		},
	)

	AddFileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shadowbox_add_file_duration_seconds",
			Help:    "Time taken to add a file version, including encryption",
			Buckets: prometheus.DefBuckets,
		},
	)

	SearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shadowbox_search_duration_seconds",
			Help:    "Time taken to run a full-text search",
			Buckets: prometheus.DefBuckets,
		},
	)

	PullDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shadowbox_pull_duration_seconds",
			Help:    "Time taken for a complete share-client pull",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(BoxesTotal)
	prometheus.MustRegister(FilesTotal)
	prometheus.MustRegister(BlobsTotal)
	prometheus.MustRegister(BlobBytesStored)
	prometheus.MustRegister(DedupHitsTotal)
	prometheus.MustRegister(ActiveSessions)
	prometheus.MustRegister(ActivePulls)
	prometheus.MustRegister(BytesServed)
	prometheus.MustRegister(BytesPulled)
	prometheus.MustRegister(AddFileDuration)
	prometheus.MustRegister(SearchDuration)
	prometheus.MustRegister(PullDuration)
}

// Handler returns the Prometheus HTTP scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times a single operation and records its duration to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since NewTimer to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
