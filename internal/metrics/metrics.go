// Package metrics exposes the agent's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LeonardoBeccarini/powermon/internal/model"
)

// Metrics methods are no-ops on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	readings       prometheus.Counter
	sensorErrors   prometheus.Counter
	published      *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	publishErrors  *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	connState      prometheus.Gauge
	paused         prometheus.Gauge
	voltage        prometheus.Gauge
	current        prometheus.Gauge
	power          prometheus.Gauge
	recorderErrors prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		readings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "powermon_sensor_readings_total",
			Help: "Successful sensor reads.",
		}),
		sensorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "powermon_sensor_errors_total",
			Help: "Sensor reads that failed (NACK, out of range, timeout).",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "powermon_mqtt_published_total",
			Help: "Messages handed to the broker, by topic.",
		}, []string{"topic"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "powermon_mqtt_dropped_total",
			Help: "Messages dropped because the connection was not ready, by topic.",
		}, []string{"topic"}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "powermon_mqtt_publish_errors_total",
			Help: "Publishes that failed while ready, by topic.",
		}, []string{"topic"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "powermon_connection_transitions_total",
			Help: "Connection state transitions, by target state.",
		}, []string{"to"}),
		connState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "powermon_connection_state",
			Help: "Connection state (0 disconnected, 1 wifi connecting, 2 wifi connected, 3 broker connecting, 4 ready, 5 error).",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "powermon_telemetry_paused",
			Help: "1 while an OTA update holds telemetry.",
		}),
		voltage: prometheus.NewGauge(prometheus.GaugeOpts{Name: "powermon_bus_voltage_volts", Help: "Last bus voltage."}),
		current: prometheus.NewGauge(prometheus.GaugeOpts{Name: "powermon_current_amperes", Help: "Last current."}),
		power:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "powermon_power_watts", Help: "Last power."}),
		recorderErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "powermon_recorder_errors_total",
			Help: "Failed or rejected InfluxDB writes.",
		}),
	}
	m.registry.MustRegister(
		m.readings, m.sensorErrors,
		m.published, m.dropped, m.publishErrors,
		m.transitions, m.connState, m.paused,
		m.voltage, m.current, m.power,
		m.recorderErrors,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveReading(r model.Reading) {
	if m == nil {
		return
	}
	m.readings.Inc()
	m.voltage.Set(r.Voltage)
	m.current.Set(r.Current)
	m.power.Set(r.Power)
}

func (m *Metrics) SensorError() {
	if m == nil {
		return
	}
	m.sensorErrors.Inc()
}

func (m *Metrics) Published(topic string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(topic).Inc()
}

func (m *Metrics) Dropped(topic string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(topic).Inc()
}

func (m *Metrics) PublishFailed(topic string) {
	if m == nil {
		return
	}
	m.publishErrors.WithLabelValues(topic).Inc()
}

func (m *Metrics) ConnectionState(to model.ConnectionState) {
	if m == nil {
		return
	}
	m.connState.Set(float64(to))
	m.transitions.WithLabelValues(to.String()).Inc()
}

func (m *Metrics) Paused(p bool) {
	if m == nil {
		return
	}
	if p {
		m.paused.Set(1)
	} else {
		m.paused.Set(0)
	}
}

func (m *Metrics) RecorderError() {
	if m == nil {
		return
	}
	m.recorderErrors.Inc()
}
