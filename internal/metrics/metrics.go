// Package metrics holds the Prometheus collectors for relays, broadcasts
// and delegated sessions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relaybot/internal/transfer"
	kit "relaybot/internal/transport"
)

const namespace = "relaybot"

// Metrics satisfies transfer.Observer and broadcast.Observer.
type Metrics struct {
	reg *prometheus.Registry

	RelayItems         *prometheus.CounterVec
	QuotaBlocks        prometheus.Counter
	BroadcastOutcomes  *prometheus.CounterVec
	SessionsOpened     prometheus.Counter
	ActiveRequests     prometheus.Gauge
	BroadcastsRunning  prometheus.Gauge
	CommandsHandled    *prometheus.CounterVec
	MaintenanceRemoved *prometheus.CounterVec
}

// New builds a Metrics instance on its own registry, with Go and process
// collectors included.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		RelayItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_items_total",
			Help:      "Relayed items by media kind and outcome",
		}, []string{"kind", "outcome"}),
		QuotaBlocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_blocks_total",
			Help:      "Relay requests refused by the daily quota",
		}),
		BroadcastOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_recipients_total",
			Help:      "Broadcast delivery attempts by outcome",
		}, []string{"outcome"}),
		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Delegated MTProto connections established",
		}),
		ActiveRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_requests_active",
			Help:      "Relay requests currently running",
		}),
		BroadcastsRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broadcast_running",
			Help:      "1 while a broadcast job is running",
		}),
		CommandsHandled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Bot commands handled, by command and result",
		}, []string{"command", "result"}),
		MaintenanceRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_removed_total",
			Help:      "Records or directories cleaned by maintenance jobs",
		}, []string{"job"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ItemFinished(kind kit.MediaKind, outcome transfer.Outcome) {
	m.RelayItems.WithLabelValues(string(kind), string(outcome)).Inc()
}

func (m *Metrics) QuotaBlocked() { m.QuotaBlocks.Inc() }

func (m *Metrics) Recipient(outcome kit.Outcome) {
	m.BroadcastOutcomes.WithLabelValues(outcome.String()).Inc()
}

func (m *Metrics) SessionOpened() { m.SessionsOpened.Inc() }

func (m *Metrics) Command(name, result string) {
	m.CommandsHandled.WithLabelValues(name, result).Inc()
}

func (m *Metrics) Removed(job string, n int) {
	if n > 0 {
		m.MaintenanceRemoved.WithLabelValues(job).Add(float64(n))
	}
}
