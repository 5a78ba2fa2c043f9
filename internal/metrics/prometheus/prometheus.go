package prometheus

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/slok/pkgworker/internal/metrics"
	"github.com/slok/pkgworker/internal/model"
)

const (
	namespace = "pkgworker"
	subsystem = "tasks"
)

// Recorder is the Prometheus implementation of metrics.Recorder.
type Recorder struct {
	submitted *prometheus.CounterVec
	inFlight  *prometheus.GaugeVec
	finished  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	cancels   *prometheus.CounterVec
}

var _ metrics.Recorder = &Recorder{}

// NewRecorder returns a new Prometheus recorder registered on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "submitted_total",
			Help:      "Total tasks accepted by the dispatcher.",
		}, []string{"kind", "dry_run"}),

		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "inflight",
			Help:      "Tasks currently being executed.",
		}, []string{"kind"}),

		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "finished_total",
			Help:      "Total finished tasks, labelled by kind and result.",
		}, []string{"kind", "result"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duration_seconds",
			Help:      "Task execution time in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		}, []string{"kind"}),

		cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cancel_requests_total",
			Help:      "Total cancellation requests, labelled by acceptance.",
		}, []string{"accepted"}),
	}

	reg.MustRegister(r.submitted, r.inFlight, r.finished, r.duration, r.cancels)

	return r
}

func (r *Recorder) ObserveTaskSubmitted(_ context.Context, kind model.TaskKind, dryRun bool) {
	r.submitted.WithLabelValues(string(kind), strconv.FormatBool(dryRun)).Inc()
}

func (r *Recorder) ObserveTaskStarted(_ context.Context, kind model.TaskKind) {
	r.inFlight.WithLabelValues(string(kind)).Inc()
}

func (r *Recorder) ObserveTaskFinished(_ context.Context, kind model.TaskKind, result model.ResultKind, duration time.Duration) {
	r.inFlight.WithLabelValues(string(kind)).Dec()
	r.finished.WithLabelValues(string(kind), string(result)).Inc()
	r.duration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

func (r *Recorder) ObserveTaskCancel(_ context.Context, accepted bool) {
	r.cancels.WithLabelValues(strconv.FormatBool(accepted)).Inc()
}
