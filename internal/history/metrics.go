package history

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "edithistory"

// Metrics records engine activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	fetches        *prometheus.CounterVec
	fetchDuration  prometheus.Histogram
	formatFailures *prometheus.CounterVec
	unitsAppended  prometheus.Counter
	guardSkips     *prometheus.CounterVec
}

// NewMetrics creates the engine collectors and registers them with registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fetches_total",
			Help:      "Edit page fetches by outcome.",
		}, []string{"outcome"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "fetch_duration_seconds",
			Help:      "Time spent fetching and formatting one page of edits.",
			Buckets:   prometheus.DefBuckets,
		}),
		formatFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "format_failures_total",
			Help:      "Revisions dropped because they could not be formatted.",
		}, []string{"kind"}),
		unitsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "units_appended_total",
			Help:      "Revision units appended to session accumulators.",
		}),
		guardSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "load_more_skipped_total",
			Help:      "Load-more commands ignored by the engine guard.",
		}, []string{"reason"}),
	}

	if registerer != nil {
		collectors := []prometheus.Collector{
			metrics.fetches,
			metrics.fetchDuration,
			metrics.formatFailures,
			metrics.unitsAppended,
			metrics.guardSkips,
		}
		for _, collector := range collectors {
			if err := registerer.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return metrics, nil
}

func (m *Metrics) observeFetch(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.fetches.WithLabelValues(outcome).Inc()
	m.fetchDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeFormatFailure(kind string) {
	if m == nil {
		return
	}
	m.formatFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeAppended(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.unitsAppended.Add(float64(count))
}

func (m *Metrics) observeGuardSkip(reason string) {
	if m == nil {
		return
	}
	m.guardSkips.WithLabelValues(reason).Inc()
}
