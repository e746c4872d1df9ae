package app

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/callbridge/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrNoSuchCall = errors.New("no such call")

// Call is one pending or matched call. Participant fields hold registry ids
// only; an empty id means the side is absent.
type Call struct {
	ID        domain.CallID
	Customer  domain.ConnectionID
	Agent     domain.ConnectionID
	Offer     json.RawMessage
	Caller    domain.CallerInfo
	State     domain.CallState
	CreatedAt time.Time
}

// Peer returns the participant on the other side of conn's role.
func (c Call) Peer(role domain.Role) domain.ConnectionID {
	switch role {
	case domain.RoleCustomer:
		return c.Agent
	case domain.RoleAgent:
		return c.Customer
	}
	return ""
}

// CallTable maps call ids to their participants. Like Registry it relies on
// the orchestrator for serialization.
type CallTable struct {
	calls map[domain.CallID]*Call
	now   func() time.Time
}

func NewCallTable() *CallTable {
	return &CallTable{
		calls: make(map[domain.CallID]*Call),
		now:   time.Now,
	}
}

// CreateOrReplace stores a fresh pending call. An existing call with the same
// id is discarded whole, including its matched agent, and returned so the
// caller can account for it. Nobody is notified.
func (t *CallTable) CreateOrReplace(
	id domain.CallID,
	offer json.RawMessage,
	caller domain.CallerInfo,
	customer domain.ConnectionID,
) (Call, bool) {
	prev, replaced := t.calls[id]
	t.calls[id] = &Call{
		ID:        id,
		Customer:  customer,
		Offer:     offer,
		Caller:    caller,
		State:     domain.CallPending,
		CreatedAt: t.now(),
	}
	ev := log.Info().Str("module", "app.calls").Str("call", string(id)).Str("customer", string(customer))
	if replaced {
		ev.Bool("replaced", true).Str("prev_agent", string(prev.Agent)).Msg("call replaced")
		return *prev, true
	}
	ev.Msg("call created")
	return Call{}, false
}

// AttachAgent binds agent to the call, silently overwriting a previous agent.
func (t *CallTable) AttachAgent(id domain.CallID, agent domain.ConnectionID) error {
	c, ok := t.calls[id]
	if !ok {
		return ErrNoSuchCall
	}
	if c.Agent != "" && c.Agent != agent {
		log.Warn().Str("module", "app.calls").Str("call", string(id)).
			Str("prev_agent", string(c.Agent)).Str("agent", string(agent)).Msg("agent overwritten")
	}
	c.Agent = agent
	c.State = domain.CallMatched
	log.Info().Str("module", "app.calls").Str("call", string(id)).Str("agent", string(agent)).Msg("agent attached")
	return nil
}

func (t *CallTable) Get(id domain.CallID) (Call, bool) {
	c, ok := t.calls[id]
	if !ok {
		return Call{}, false
	}
	return *c, true
}

// ClearParticipant nulls whichever side conn occupies. The call is deleted
// once neither side remains; deleted reports that.
func (t *CallTable) ClearParticipant(id domain.CallID, conn domain.ConnectionID) bool {
	c, ok := t.calls[id]
	if !ok || conn == "" {
		return false
	}
	if c.Customer == conn {
		c.Customer = ""
	}
	if c.Agent == conn {
		c.Agent = ""
		if c.State == domain.CallMatched {
			c.State = domain.CallPending
		}
	}
	if c.Customer == "" && c.Agent == "" {
		delete(t.calls, id)
		log.Info().Str("module", "app.calls").Str("call", string(id)).Msg("call removed, no participants left")
		return true
	}
	return false
}

// Forget clears conn from every call that still references it and returns
// the ids of calls that were deleted as a result.
func (t *CallTable) Forget(conn domain.ConnectionID) []domain.CallID {
	var deleted []domain.CallID
	for id, c := range t.calls {
		if c.Customer != conn && c.Agent != conn {
			continue
		}
		if t.ClearParticipant(id, conn) {
			deleted = append(deleted, id)
		}
	}
	return deleted
}

func (t *CallTable) Delete(id domain.CallID) (Call, bool) {
	c, ok := t.calls[id]
	if !ok {
		return Call{}, false
	}
	delete(t.calls, id)
	c.State = domain.CallEnded
	log.Info().Str("module", "app.calls").Str("call", string(id)).Msg("call deleted")
	return *c, true
}

func (t *CallTable) Len() int { return len(t.calls) }

func (t *CallTable) CountState(s domain.CallState) int {
	n := 0
	for _, c := range t.calls {
		if c.State == s {
			n++
		}
	}
	return n
}
