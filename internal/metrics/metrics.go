package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles the Prometheus instruments of the preset engine.
// One instance is created at startup and handed to the apply engine; the
// server exposes the registry on /metrics.
type Collectors struct {
	Registry *prometheus.Registry

	AppliesTotal    *prometheus.CounterVec // outcome: completed, refused
	RollbacksTotal  *prometheus.CounterVec
	SettingsChanged prometheus.Counter
	SettingsFailed  prometheus.Counter
	ApplyDuration   prometheus.Histogram
}

// New creates and registers the engine collectors on a fresh registry
func New() *Collectors {
	registry := prometheus.NewRegistry()

	c := &Collectors{
		Registry: registry,
		AppliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presetd",
			Name:      "applies_total",
			Help:      "Preset apply operations by outcome",
		}, []string{"outcome"}),
		RollbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presetd",
			Name:      "rollbacks_total",
			Help:      "Application rollback operations by outcome",
		}, []string{"outcome"}),
		SettingsChanged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presetd",
			Name:      "settings_changed_total",
			Help:      "Individual setting writes performed by apply and rollback",
		}),
		SettingsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presetd",
			Name:      "settings_failed_total",
			Help:      "Individual setting writes rejected by the configuration store",
		}),
		ApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "presetd",
			Name:      "apply_duration_seconds",
			Help:      "Wall time of preset apply operations",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		c.AppliesTotal,
		c.RollbacksTotal,
		c.SettingsChanged,
		c.SettingsFailed,
		c.ApplyDuration,
	)

	return c
}

// Operation outcomes used as label values
const (
	OutcomeCompleted = "completed"
	OutcomeRefused   = "refused"
)
