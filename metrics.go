package scr

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the runtime's prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	ComponentsEnabled   prometheus.Gauge
	InstancesActive     prometheus.Gauge
	Activations         *prometheus.CounterVec
	ActivationFailures  *prometheus.CounterVec
	Deactivations       *prometheus.CounterVec
	Binds               *prometheus.CounterVec
	Unbinds             *prometheus.CounterVec
	CyclesDetected      prometheus.Counter
	ConfigurationEvents *prometheus.CounterVec
	Reconfigurations    *prometheus.CounterVec
}

// NewMetrics creates unregistered runtime metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentsEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scr",
			Subsystem: "components",
			Name:      "enabled",
			Help:      "Number of enabled component configurations",
		}),
		InstancesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scr",
			Subsystem: "instances",
			Name:      "active",
			Help:      "Number of activated implementation instances",
		}),
		Activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scr",
			Subsystem: "components",
			Name:      "activations_total",
			Help:      "Total number of successful activations",
		}, []string{"component"}),
		ActivationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scr",
			Subsystem: "components",
			Name:      "activation_failures_total",
			Help:      "Total number of failed activations",
		}, []string{"component"}),
		Deactivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scr",
			Subsystem: "components",
			Name:      "deactivations_total",
			Help:      "Total number of deactivations",
		}, []string{"component"}),
		Binds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scr",
			Subsystem: "references",
			Name:      "binds_total",
			Help:      "Total number of services bound to instances",
		}, []string{"component", "reference"}),
		Unbinds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scr",
			Subsystem: "references",
			Name:      "unbinds_total",
			Help:      "Total number of services unbound from instances",
		}, []string{"component", "reference"}),
		CyclesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scr",
			Subsystem: "references",
			Name:      "cycles_detected_total",
			Help:      "Total number of distinct reference cycles detected",
		}),
		ConfigurationEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scr",
			Subsystem: "configuration",
			Name:      "events_total",
			Help:      "Total number of configuration store events received",
		}, []string{"type"}),
		Reconfigurations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scr",
			Subsystem: "configuration",
			Name:      "applied_total",
			Help:      "Total number of configuration changes applied to components",
		}, []string{"component"}),
	}
}

// Collectors returns every collector for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ComponentsEnabled, m.InstancesActive, m.Activations, m.ActivationFailures,
		m.Deactivations, m.Binds, m.Unbinds, m.CyclesDetected,
		m.ConfigurationEvents, m.Reconfigurations,
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) enabled() {
	if m != nil {
		m.ComponentsEnabled.Inc()
	}
}

func (m *Metrics) disabled() {
	if m != nil {
		m.ComponentsEnabled.Dec()
	}
}

func (m *Metrics) activated(component string) {
	if m != nil {
		m.Activations.WithLabelValues(component).Inc()
		m.InstancesActive.Inc()
	}
}

func (m *Metrics) activationFailed(component string) {
	if m != nil {
		m.ActivationFailures.WithLabelValues(component).Inc()
	}
}

func (m *Metrics) deactivated(component string) {
	if m != nil {
		m.Deactivations.WithLabelValues(component).Inc()
		m.InstancesActive.Dec()
	}
}

func (m *Metrics) bound(component, reference string) {
	if m != nil {
		m.Binds.WithLabelValues(component, reference).Inc()
	}
}

func (m *Metrics) unbound(component, reference string) {
	if m != nil {
		m.Unbinds.WithLabelValues(component, reference).Inc()
	}
}

func (m *Metrics) cycleDetected() {
	if m != nil {
		m.CyclesDetected.Inc()
	}
}

func (m *Metrics) configurationEvent(eventType string) {
	if m != nil {
		m.ConfigurationEvents.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) configurationApplied(component string) {
	if m != nil {
		m.Reconfigurations.WithLabelValues(component).Inc()
	}
}
