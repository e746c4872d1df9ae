// Package orch routes signal messages between customers and agents. The
// Orchestrator owns the connection registry and the call table and is the only
// code allowed to touch them.
package orch

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callbridge/internal/app"
	"github.com/dkeye/callbridge/internal/core"
	"github.com/dkeye/callbridge/internal/domain"
	"github.com/dkeye/callbridge/internal/metrics"
)

// Orchestrator handles each inbound message to completion under one lock, so
// registry and call table updates never interleave.
type Orchestrator struct {
	mu       sync.Mutex
	Registry *app.Registry
	Calls    *app.CallTable
	Policy   app.Policy
	Metrics  *metrics.Metrics

	now func() time.Time
}

func New(policy app.Policy, m *metrics.Metrics) *Orchestrator {
	if policy == nil {
		policy = app.SimplePolicy{}
	}
	if m == nil {
		m = metrics.New()
	}
	return &Orchestrator{
		Registry: app.NewRegistry(),
		Calls:    app.NewCallTable(),
		Policy:   policy,
		Metrics:  m,
		now:      time.Now,
	}
}

// Admit registers a freshly opened transport and tells it its identity.
func (o *Orchestrator) Admit(sig core.SignalConnection) domain.ConnectionID {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.Registry.Admit(sig)
	o.send(id, core.Message{Type: core.TypeConnectionEstablished, ConnectionID: id}, "")
	o.observe()
	return id
}

// Handle processes one raw inbound message from conn. It never replies with
// an error: anything it cannot route is reported to the drop hook and ignored.
func (o *Orchestrator) Handle(id domain.ConnectionID, data []byte) {
	msg, err := core.Decode(data)
	if err != nil {
		log.Debug().Err(err).Str("module", "orch").Str("conn", string(id)).Msg("bad json")
		o.Metrics.Drop(metrics.DropMalformed, id, "")
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	sender, ok := o.Registry.Lookup(id)
	if !ok || sender.Closing {
		o.Metrics.Drop(metrics.DropStaleConn, id, msg.CallID)
		return
	}
	o.Metrics.Received(msg.Type)

	switch msg.Type {
	case core.TypeRegister:
		o.handleRegister(sender, msg)
	case core.TypeOffer:
		o.handleOffer(sender, msg)
	case core.TypeAnswer:
		o.handleAnswer(sender, msg)
	case core.TypeICECandidate:
		o.handleCandidate(sender, msg)
	case core.TypeAgentReady:
		o.handleAgentReady(sender)
	case core.TypeEndCall:
		o.handleEndCall(sender, msg)
	case core.TypePing:
		o.send(sender.ID, core.Message{Type: core.TypePong}, "")
	default:
		o.Metrics.Drop(metrics.DropUnknownType, id, msg.CallID)
		return
	}
	o.observe()
}

// Disconnect retires conn and clears it from every call in one step, so no
// later message can be routed to it.
func (o *Orchestrator) Disconnect(id domain.ConnectionID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	conn, ok := o.Registry.Remove(id)
	if !ok {
		return
	}
	deleted := o.Calls.Forget(id)
	log.Info().
		Str("module", "orch").
		Str("conn", string(id)).
		Stringer("role", conn.Role).
		Str("call", string(conn.CallID)).
		Int("calls_removed", len(deleted)).
		Msg("disconnected")
	o.observe()
}

// Shutdown closes every transport with a going-away code. The read pumps
// then call Disconnect as usual.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := o.Registry.All()
	for _, id := range ids {
		conn, ok := o.Registry.Lookup(id)
		if !ok {
			continue
		}
		o.Registry.MarkClosing(id)
		conn.Signal.Close(core.CloseGoingAway, "server shutting down")
	}
	log.Info().Str("module", "orch").Int("connections", len(ids)).Msg("shutdown")
}

func (o *Orchestrator) Stats() metrics.Population {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.population()
}

// Drop lets adapters report drops that happen before a message reaches Handle.
func (o *Orchestrator) Drop(reason string, id domain.ConnectionID) {
	o.Metrics.Drop(reason, id, "")
}

// send resolves to through the registry and enqueues msg without blocking.
func (o *Orchestrator) send(to domain.ConnectionID, msg core.Message, call domain.CallID) bool {
	conn, ok := o.Registry.Lookup(to)
	if !ok || conn.Closing {
		o.Metrics.Drop(metrics.DropPeerGone, to, call)
		return false
	}
	frame, err := core.Encode(msg, o.now())
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("conn", string(to)).Msg("encode")
		return false
	}
	if err := conn.Signal.TrySend(frame); err != nil {
		if !errors.Is(err, core.ErrBackpressure) {
			o.Metrics.Drop(metrics.DropStaleConn, to, call)
			return false
		}
		o.Metrics.Drop(metrics.DropBackpressure, to, call)
		switch o.Policy.OnBackPressure(conn) {
		case app.KickConnection:
			o.kick(conn)
		case app.DropMessage, app.NoAction:
		}
		return false
	}
	return true
}

func (o *Orchestrator) kick(conn app.Conn) {
	log.Warn().Str("module", "orch").Str("conn", string(conn.ID)).Msg("kicking slow connection")
	o.Registry.MarkClosing(conn.ID)
	conn.Signal.Close(core.ClosePolicyViolation, "send buffer full")
}

func (o *Orchestrator) population() metrics.Population {
	return metrics.Population{
		Connections: o.Registry.Len(),
		Agents:      o.Registry.CountRole(domain.RoleAgent),
		IdleAgents:  o.Registry.CountIdleAgents(),
		Pending:     o.Calls.CountState(domain.CallPending),
		Matched:     o.Calls.CountState(domain.CallMatched),
	}
}

func (o *Orchestrator) observe() {
	o.Metrics.Observe(o.population())
}
