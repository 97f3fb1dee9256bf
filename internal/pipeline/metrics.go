package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the upload pipeline's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	Uploads          *prometheus.CounterVec
	StageFailures    *prometheus.CounterVec
	RollbackFailures prometheus.Counter
	UploadDuration   prometheus.Histogram
	Running          prometheus.Gauge
}

// NewMetrics registers the pipeline collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Uploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sail_dataset_upload_uploads_total", Help: "Completed upload attempts by result.",
		}, []string{"result"}),
		StageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sail_dataset_upload_stage_failures_total", Help: "Upload failures by stage and kind.",
		}, []string{"stage", "kind"}),
		RollbackFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "sail_dataset_upload_rollback_failures_total", Help: "ERROR state transitions that could not be recorded.",
		}),
		UploadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sail_dataset_upload_upload_duration_seconds",
			Help:    "Wall time of upload attempts from staging to the final state.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		Running: f.NewGauge(prometheus.GaugeOpts{
			Name: "sail_dataset_upload_running", Help: "Upload pipelines currently running.",
		}),
	}
}

func (m *Metrics) start() {
	if m != nil {
		m.Running.Inc()
	}
}

func (m *Metrics) finish(seconds float64, err error) {
	if m == nil {
		return
	}
	m.Running.Dec()
	m.UploadDuration.Observe(seconds)
	if err == nil {
		m.Uploads.WithLabelValues("success").Inc()
		return
	}
	m.Uploads.WithLabelValues("failure").Inc()
	m.StageFailures.WithLabelValues(string(StageOf(err)), KindOf(err).String()).Inc()
}

func (m *Metrics) rollbackFailed() {
	if m != nil {
		m.RollbackFailures.Inc()
	}
}
