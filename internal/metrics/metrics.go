// Package metrics exposes Prometheus counters for the relation engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tracematrix"

// Metrics holds the engine's collectors, registered on their own registry so
// several engines can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	Saves        prometheus.Counter
	SaveFailures prometheus.Counter
	Rollbacks    prometheus.Counter
	Broadcasts   *prometheus.CounterVec
	Faults       *prometheus.CounterVec
	Reassigned   *prometheus.CounterVec
	OpenViews    prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Saves: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "saves_total",
			Help:      "Successful relation collection saves",
		}),
		SaveFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "save_failures_total",
			Help:      "Failed relation collection saves",
		}),
		Rollbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "view",
			Name:      "rollbacks_total",
			Help:      "Optimistic updates rolled back after a failed save",
		}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "broadcasts_total",
			Help:      "Messages published by topic and result",
		}, []string{"topic", "result"}),
		Faults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "integrity",
			Name:      "faults_total",
			Help:      "Relation integrity faults detected by kind",
		}, []string{"kind"}),
		Reassigned: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reassign",
			Name:      "relations_total",
			Help:      "Relations rewritten or dropped by card merges and deletes",
		}, []string{"operation", "result"}),
		OpenViews: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "view",
			Name:      "open",
			Help:      "Views currently open",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
