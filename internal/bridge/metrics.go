package bridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Refresh and command results used as metric labels.
const (
	resultOK    = "ok"
	resultError = "error"
)

// Metrics collects bridge counters for the /metrics endpoint.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	state       *prometheus.GaugeVec
	refreshes   *prometheus.CounterVec
	commands    *prometheus.CounterVec
	published   prometheus.Counter
	backoffs    prometheus.Counter
	lastRefresh prometheus.Gauge
}

// NewMetrics creates the bridge collectors. Register the result on a
// prometheus.Registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "atagmqtt_bridge_state",
			Help: "Current bridge state (1 for the active state, 0 otherwise)",
		}, []string{"state"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atagmqtt_refreshes_total",
			Help: "Appliance refreshes by result",
		}, []string{"result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atagmqtt_commands_total",
			Help: "Inbound property writes by outcome",
		}, []string{"outcome"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atagmqtt_property_publishes_total",
			Help: "Property values published after a refresh or command",
		}),
		backoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atagmqtt_backoffs_total",
			Help: "Times the bridge entered backoff",
		}),
		lastRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atagmqtt_last_refresh_timestamp_seconds",
			Help: "Last successful refresh (epoch seconds)",
		}),
	}
	for _, s := range allStates() {
		m.state.WithLabelValues(s.String()).Set(0)
	}
	return m
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.state.Describe(ch)
	m.refreshes.Describe(ch)
	m.commands.Describe(ch)
	m.published.Describe(ch)
	m.backoffs.Describe(ch)
	m.lastRefresh.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.state.Collect(ch)
	m.refreshes.Collect(ch)
	m.commands.Collect(ch)
	m.published.Collect(ch)
	m.backoffs.Collect(ch)
	m.lastRefresh.Collect(ch)
}

func (m *Metrics) setState(from, to State) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(from.String()).Set(0)
	m.state.WithLabelValues(to.String()).Set(1)
	if to == StateBackoff {
		m.backoffs.Inc()
	}
}

func (m *Metrics) refresh(err error, at time.Time) {
	if m == nil {
		return
	}
	if err != nil {
		m.refreshes.WithLabelValues(resultError).Inc()
		return
	}
	m.refreshes.WithLabelValues(resultOK).Inc()
	m.lastRefresh.Set(float64(at.Unix()))
}

func (m *Metrics) command(outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(outcome).Inc()
}

func (m *Metrics) publish(n int) {
	if m == nil || n == 0 {
		return
	}
	m.published.Add(float64(n))
}
