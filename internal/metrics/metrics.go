// Package metrics is the single place where the relay reports what it
// silently dropped. The wire never carries negative acknowledgements, so
// these counters and log lines are the only record of a drop.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callbridge/internal/core"
	"github.com/dkeye/callbridge/internal/domain"
)

// Drop reasons.
const (
	DropMalformed     = "malformed"
	DropUnknownType   = "unknown_type"
	DropUnknownCall   = "unknown_call"
	DropNoCall        = "no_call"
	DropPeerGone      = "peer_gone"
	DropNotAgent      = "not_agent"
	DropNoRole        = "no_role"
	DropBadRole       = "bad_role"
	DropBadCallID     = "bad_call_id"
	DropBackpressure  = "backpressure"
	DropRateLimited   = "rate_limited"
	DropAuthRejected  = "auth_rejected"
	DropAgentOrphaned = "agent_orphaned"
	DropStaleConn     = "stale_connection"
)

var knownTypes = map[core.MessageType]bool{
	core.TypeRegister:     true,
	core.TypeOffer:        true,
	core.TypeAnswer:       true,
	core.TypeICECandidate: true,
	core.TypeAgentReady:   true,
	core.TypeEndCall:      true,
	core.TypePing:         true,
}

type Metrics struct {
	registry *prometheus.Registry

	dropped     *prometheus.CounterVec
	received    *prometheus.CounterVec
	connections prometheus.Gauge
	agents      prometheus.Gauge
	idleAgents  prometheus.Gauge
	calls       *prometheus.GaugeVec
}

// New builds a metrics set on its own registry so instances never collide.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callbridge",
			Name:      "dropped_messages_total",
			Help:      "Messages or admissions the relay dropped without replying.",
		}, []string{"reason"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callbridge",
			Name:      "received_messages_total",
			Help:      "Inbound signal messages by type.",
		}, []string{"type"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "callbridge",
			Name:      "connections",
			Help:      "Open signal connections.",
		}),
		agents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "callbridge",
			Name:      "agents",
			Help:      "Open connections holding the agent role.",
		}),
		idleAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "callbridge",
			Name:      "idle_agents",
			Help:      "Agents not bound to any call.",
		}),
		calls: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "callbridge",
			Name:      "calls",
			Help:      "Calls in the session table by state.",
		}, []string{"state"}),
	}
	m.registry.MustRegister(m.dropped, m.received, m.connections, m.agents, m.idleAgents, m.calls)
	return m
}

// Drop records one silent drop. Every drop decision in the relay ends here.
func (m *Metrics) Drop(reason string, conn domain.ConnectionID, call domain.CallID) {
	m.dropped.WithLabelValues(reason).Inc()

	var ev *zerolog.Event
	switch reason {
	case DropUnknownType, DropStaleConn:
		ev = log.Debug()
	case DropAgentOrphaned, DropPeerGone:
		ev = log.Info()
	default:
		ev = log.Warn()
	}
	ev = ev.Str("module", "metrics").Str("reason", reason)
	if conn != "" {
		ev = ev.Str("conn", string(conn))
	}
	if call != "" {
		ev = ev.Str("call", string(call))
	}
	ev.Msg("dropped")
}

func (m *Metrics) Received(t core.MessageType) {
	if !knownTypes[t] {
		t = "other"
	}
	m.received.WithLabelValues(string(t)).Inc()
}

// Population is a point-in-time size of the relay state.
type Population struct {
	Connections int `json:"connections"`
	Agents      int `json:"agents"`
	IdleAgents  int `json:"idle_agents"`
	Pending     int `json:"pending_calls"`
	Matched     int `json:"matched_calls"`
}

func (m *Metrics) Observe(p Population) {
	m.connections.Set(float64(p.Connections))
	m.agents.Set(float64(p.Agents))
	m.idleAgents.Set(float64(p.IdleAgents))
	m.calls.WithLabelValues(domain.CallPending.String()).Set(float64(p.Pending))
	m.calls.WithLabelValues(domain.CallMatched.String()).Set(float64(p.Matched))
}

// DroppedCounter exposes the per-reason counter, mostly for tests.
func (m *Metrics) DroppedCounter(reason string) prometheus.Counter {
	return m.dropped.WithLabelValues(reason)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
