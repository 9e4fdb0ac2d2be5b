package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the monitor's Prometheus collectors.
type Metrics struct {
	messages *prometheus.CounterVec
	battery  *prometheus.GaugeVec
	lastSeen *prometheus.GaugeVec
	unseen   prometheus.Gauge
	requests prometheus.Counter
	dropped  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "thermostat_monitor",
			Name:      "messages_total",
			Help:      "State messages received per thermostat.",
		}, []string{"device"}),
		battery: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "thermostat_monitor",
			Name:      "battery_percent",
			Help:      "Last reported battery level per thermostat.",
		}, []string{"device"}),
		lastSeen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "thermostat_monitor",
			Name:      "last_seen_timestamp_seconds",
			Help:      "Unix time of the last state message per thermostat.",
		}, []string{"device"}),
		unseen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "thermostat_monitor",
			Name:      "unseen_devices",
			Help:      "Thermostats never seen or stale at the last scan.",
		}),
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "thermostat_monitor",
			Name:      "get_requests_total",
			Help:      "Snapshot requests answered.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "thermostat_monitor",
			Name:      "dropped_events_total",
			Help:      "MQTT messages dropped because the event queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.messages, m.battery, m.lastSeen, m.unseen, m.requests, m.dropped)
	}
	return m
}
