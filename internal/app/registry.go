package app

import (
	"sort"

	"github.com/dkeye/callbridge/internal/core"
	"github.com/dkeye/callbridge/internal/domain"
	"github.com/rs/zerolog/log"
)

// Conn is a read-only view of a registry entry.
type Conn struct {
	ID      domain.ConnectionID
	Signal  core.SignalConnection
	Role    domain.Role
	CallID  domain.CallID
	Closing bool
}

// IdleAgent reports an agent that is not bound to any call.
func (c Conn) IdleAgent() bool {
	return c.Role == domain.RoleAgent && c.CallID == ""
}

type connEntry struct {
	signal  core.SignalConnection
	role    domain.Role
	callID  domain.CallID
	closing bool
}

// Registry owns every live signal connection. It is not safe for concurrent
// use; the orchestrator serializes access together with the CallTable.
type Registry struct {
	conns map[domain.ConnectionID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[domain.ConnectionID]*connEntry)}
}

// Admit registers a newly opened transport as unassigned with no call.
func (r *Registry) Admit(sig core.SignalConnection) domain.ConnectionID {
	id := domain.NewConnectionID()
	for r.conns[id] != nil {
		id = domain.NewConnectionID()
	}
	r.conns[id] = &connEntry{signal: sig}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("admitted connection")
	return id
}

func (r *Registry) SetRole(id domain.ConnectionID, role domain.Role) bool {
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	if e.role != role {
		log.Info().Str("module", "app.registry").Str("conn", string(id)).Stringer("role", role).Msg("role set")
	}
	e.role = role
	return true
}

func (r *Registry) Associate(id domain.ConnectionID, callID domain.CallID) bool {
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	e.callID = callID
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("call", string(callID)).Msg("associated call")
	return true
}

// Dissociate clears the call binding, but only if it still points at callID.
// An empty callID clears unconditionally.
func (r *Registry) Dissociate(id domain.ConnectionID, callID domain.CallID) {
	e, ok := r.conns[id]
	if !ok {
		return
	}
	if callID != "" && e.callID != callID {
		return
	}
	e.callID = ""
}

// MarkClosing hides a connection from agent snapshots while it is torn down.
func (r *Registry) MarkClosing(id domain.ConnectionID) {
	if e, ok := r.conns[id]; ok {
		e.closing = true
	}
}

// Remove retires the connection id. The caller must also forget the id in
// the CallTable within the same critical section.
func (r *Registry) Remove(id domain.ConnectionID) (Conn, bool) {
	e, ok := r.conns[id]
	if !ok {
		return Conn{}, false
	}
	delete(r.conns, id)
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("removed connection")
	return e.view(id), true
}

// Lookup resolves an id to its connection. Retired ids resolve to nothing.
func (r *Registry) Lookup(id domain.ConnectionID) (Conn, bool) {
	if id == "" {
		return Conn{}, false
	}
	e, ok := r.conns[id]
	if !ok {
		return Conn{}, false
	}
	return e.view(id), true
}

// AgentsSnapshot lists open agent connections in a stable order.
func (r *Registry) AgentsSnapshot() []domain.ConnectionID {
	out := make([]domain.ConnectionID, 0)
	for id, e := range r.conns {
		if e.role == domain.RoleAgent && !e.closing {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// All returns every id, including connections mid-teardown.
func (r *Registry) All() []domain.ConnectionID {
	out := make([]domain.ConnectionID, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}

func (r *Registry) Len() int { return len(r.conns) }

func (r *Registry) CountRole(role domain.Role) int {
	n := 0
	for _, e := range r.conns {
		if e.role == role && !e.closing {
			n++
		}
	}
	return n
}

// CountIdleAgents counts open agents not bound to any call.
func (r *Registry) CountIdleAgents() int {
	n := 0
	for id, e := range r.conns {
		if !e.closing && e.view(id).IdleAgent() {
			n++
		}
	}
	return n
}

func (e *connEntry) view(id domain.ConnectionID) Conn {
	return Conn{ID: id, Signal: e.signal, Role: e.role, CallID: e.callID, Closing: e.closing}
}
