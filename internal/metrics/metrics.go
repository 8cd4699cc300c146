// Package metrics exposes acquisition activity as Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lrlogger"

var states = []string{"disconnected", "connecting", "identifying", "idle", "configuring", "running", "stopping"}

// Metrics implements the controller and recorder observers.
type Metrics struct {
	ticks         prometheus.Counter
	emptyTicks    prometheus.Counter
	values        prometheus.Counter
	missing       prometheus.Counter
	tickLatency   prometheus.Histogram
	fetchErrors   *prometheus.CounterVec
	stalls        prometheus.Counter
	sensorFaults  *prometheus.CounterVec
	capacity      prometheus.Gauge
	configured    prometheus.Gauge
	requested     prometheus.Gauge
	state         *prometheus.GaugeVec
	storedSamples prometheus.Counter
	storeErrors   prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Poll ticks executed.",
		}),
		emptyTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_empty_ticks_total",
			Help:      "Poll ticks that produced no value.",
		}),
		values: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_values_total",
			Help:      "Channel values read.",
		}),
		missing: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_missing_values_total",
			Help:      "Channel reads that returned no data or failed.",
		}),
		tickLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_tick_duration_seconds",
			Help:      "Time spent in one poll tick.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Failed channel fetches.",
		}, []string{"channel"}),
		stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisition_stalls_total",
			Help:      "Acquisition stalls reported.",
		}),
		sensorFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_faults_total",
			Help:      "Values flagged as sensor fault.",
		}, []string{"channel"}),
		capacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capacity_mah",
			Help:      "Capacity accumulated by the current capacity test.",
		}),
		configured: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_configured",
			Help:      "Channels confirmed by the last configuration.",
		}),
		requested: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_requested",
			Help:      "Channels requested by the last configuration.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "controller_state",
			Help:      "1 for the current controller state.",
		}, []string{"state"}),
		storedSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stored_samples_total",
			Help:      "Calibrated samples written to storage.",
		}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed storage writes.",
		}),
	}

	reg.MustRegister(
		m.ticks, m.emptyTicks, m.values, m.missing, m.tickLatency, m.fetchErrors, m.stalls,
		m.sensorFaults, m.capacity, m.configured, m.requested, m.state, m.storedSamples, m.storeErrors,
	)

	return m
}

func (m *Metrics) ObserveTick(elapsed time.Duration, values, missing int) {
	m.ticks.Inc()
	m.tickLatency.Observe(elapsed.Seconds())
	m.values.Add(float64(values))
	m.missing.Add(float64(missing))

	if values == 0 {
		m.emptyTicks.Inc()
	}
}

func (m *Metrics) ObserveFetchError(channel string) {
	m.fetchErrors.WithLabelValues(channel).Inc()
}

func (m *Metrics) ObserveStall() {
	m.stalls.Inc()
}

func (m *Metrics) ObserveSensorFault(channel string) {
	m.sensorFaults.WithLabelValues(channel).Inc()
}

func (m *Metrics) ObserveCapacity(mAh float64) {
	m.capacity.Set(mAh)
}

func (m *Metrics) ObserveConfiguration(succeeded, requested int) {
	m.configured.Set(float64(succeeded))
	m.requested.Set(float64(requested))
}

func (m *Metrics) ObserveState(state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}

		m.state.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ObserveStored(samples int) {
	m.storedSamples.Add(float64(samples))
}

func (m *Metrics) ObserveStoreError() {
	m.storeErrors.Inc()
}
