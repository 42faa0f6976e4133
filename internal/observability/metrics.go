package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the pipeline.
type Metrics struct {
	ActiveJobs            prometheus.Gauge
	SegmentsProcessed     *prometheus.CounterVec
	SynthAttempts         prometheus.Counter
	SilenceFallbacks      prometheus.Counter
	SubprocessErrors      *prometheus.CounterVec
	SegmentPrecision      prometheus.Histogram
	CalibrationIterations prometheus.Histogram
	StageDuration         *prometheus.HistogramVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveJobs: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Number of videos currently being processed.",
		}),
		SegmentsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_processed_total",
			Help:      "Settled segments by final state.",
		}, []string{"state"}),
		SynthAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synth_attempts_total",
			Help:      "Synthesis attempts including retries.",
		}),
		SilenceFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "silence_fallbacks_total",
			Help:      "Segments replaced by exact-duration silence.",
		}),
		SubprocessErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subprocess_errors_total",
			Help:      "External tool errors by tool and kind.",
		}, []string{"tool", "kind"}),
		SegmentPrecision: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_precision",
			Help:      "Per-segment duration precision (0 to 1).",
			Buckets:   []float64{0.5, 0.7, 0.85, 0.92, 0.95, 0.98, 0.99, 0.995, 1},
		}),
		CalibrationIterations: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "calibration_iterations",
			Help:      "Calibration passes used per video.",
			Buckets:   []float64{1, 2, 3, 4, 5, 7, 10},
		}),
		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock time per pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"stage"}),
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
