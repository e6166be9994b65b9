// Package metrics exposes prometheus collectors for turn activity.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for TurnsTotal.
const (
	OutcomeCompleted = "completed"
	OutcomeCanceled  = "canceled"
	OutcomeFailed    = "failed"
	OutcomeRefused   = "refused"
)

// Metrics groups the collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	TurnsTotal     *prometheus.CounterVec
	DeltasTotal    *prometheus.CounterVec
	ParseErrors    prometheus.Counter
	TurnDuration   prometheus.Histogram
	QuotaRemaining prometheus.Gauge
}

// New builds and registers a fresh set of collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		TurnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamchat",
				Name:      "turns_total",
				Help:      "Assistant turns by outcome.",
			},
			[]string{"outcome"},
		),
		DeltasTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamchat",
				Name:      "deltas_total",
				Help:      "Stream deltas merged, by kind.",
			},
			[]string{"kind"},
		),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamchat",
			Name:      "parse_errors_total",
			Help:      "Malformed stream events skipped.",
		}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "streamchat",
			Name:      "turn_duration_seconds",
			Help:      "Wall time from stream open to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		QuotaRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamchat",
			Name:      "quota_remaining",
			Help:      "Remaining anonymous sends as last known.",
		}),
	}
	m.Registry.MustRegister(m.TurnsTotal, m.DeltasTotal, m.ParseErrors, m.TurnDuration, m.QuotaRemaining)
	return m
}

var (
	defaultOnce sync.Once
	defaultM    *Metrics
)

// Default returns the process-wide collectors.
func Default() *Metrics {
	defaultOnce.Do(func() { defaultM = New() })
	return defaultM
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
