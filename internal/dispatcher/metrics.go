package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records the dispatch flow. It implements prometheus.Collector so
// the monitor can register it alongside the other collectors.
type Metrics struct {
	scans    *prometheus.CounterVec
	results  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nabtag",
			Subsystem: "dispatcher",
			Name:      "scans_total",
			Help:      "Number of scan events received, by source",
		}, []string{"source"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nabtag",
			Subsystem: "dispatcher",
			Name:      "results_total",
			Help:      "Number of dispatched scan events, by disposition",
		}, []string{"disposition"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nabtag",
			Subsystem: "dispatcher",
			Name:      "action_duration_seconds",
			Help:      "Time spent executing or relaying an action, by action kind",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"kind"}),
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.scans.Describe(ch)
	m.results.Describe(ch)
	m.duration.Describe(ch)
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.scans.Collect(ch)
	m.results.Collect(ch)
	m.duration.Collect(ch)
}

func (m *Metrics) countScan(source string) {
	if m != nil {
		m.scans.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) countResult(r Result) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(string(r.Disposition)).Inc()
	if r.Disposition == Executed || r.Disposition == Relayed || r.Disposition == Failed || r.Disposition == TimedOut {
		m.duration.WithLabelValues(r.Kind).Observe(r.Duration.Seconds())
	}
}
