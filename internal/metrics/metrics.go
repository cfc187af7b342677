// Package metrics exposes Prometheus metrics for the map publishing jobs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "edgeguard"
	subsystem = "map"
)

// Metrics holds the collectors. A nil *Metrics discards every observation.
type Metrics struct {
	cycles      *prometheus.CounterVec
	entries     *prometheus.GaugeVec
	rejected    *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cycles_total",
			Help:      "Publish cycles by map and outcome.",
		}, []string{"map", "status"}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entries",
			Help:      "Entries in the last published map file.",
		}, []string{"map", "file"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rejected_entries_total",
			Help:      "Store entries that failed to parse.",
		}, []string{"map"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "last_success_timestamp",
			Help:      "Unix timestamp of the last successful publish.",
		}, []string{"map"}),
	}

	if reg != nil {
		reg.MustRegister(m.cycles, m.entries, m.rejected, m.lastSuccess)
	}
	return m
}

func (m *Metrics) ObserveCycle(mapName, status string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(mapName, status).Inc()
}

func (m *Metrics) SetEntries(mapName, file string, count int) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(mapName, file).Set(float64(count))
}

func (m *Metrics) AddRejected(mapName string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.rejected.WithLabelValues(mapName).Add(float64(count))
}

func (m *Metrics) MarkSuccess(mapName string, at time.Time) {
	if m == nil {
		return
	}
	m.lastSuccess.WithLabelValues(mapName).Set(float64(at.Unix()))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
