package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callbridge/internal/app"
	"github.com/dkeye/callbridge/internal/core"
	"github.com/dkeye/callbridge/internal/domain"
	"github.com/dkeye/callbridge/internal/metrics"
)

// handleOffer starts (or restarts) a call for the sending customer and rings
// every agent. Restarting discards a matched agent without telling it.
func (o *Orchestrator) handleOffer(sender app.Conn, msg core.Message) {
	callID, ok := domain.ParseCallID(string(msg.CallID))
	if !ok {
		o.Metrics.Drop(metrics.DropBadCallID, sender.ID, "")
		return
	}
	if callID == "" {
		callID = domain.NewCallID()
	}
	o.Registry.SetRole(sender.ID, domain.RoleCustomer)
	o.Registry.Associate(sender.ID, callID)

	prev, replaced := o.Calls.CreateOrReplace(callID, msg.Offer, msg.CallerInfo, sender.ID)
	if replaced && prev.Agent != "" {
		// The replaced agent is not told.
		o.Metrics.Drop(metrics.DropAgentOrphaned, prev.Agent, callID)
	}

	ring := core.Message{
		Type:       core.TypeIncomingCall,
		CallID:     callID,
		Offer:      msg.Offer,
		CallerInfo: msg.CallerInfo,
	}
	rung := 0
	for _, id := range o.Registry.AgentsSnapshot() {
		if o.send(id, ring, callID) {
			rung++
		}
	}
	log.Info().Str("module", "orch").Str("call", string(callID)).Int("agents_rung", rung).Msg("incoming call")
}

// handleAnswer matches the answering agent to the call and hands the answer
// to the customer only.
func (o *Orchestrator) handleAnswer(sender app.Conn, msg core.Message) {
	if sender.Role != domain.RoleAgent {
		o.Metrics.Drop(metrics.DropNotAgent, sender.ID, msg.CallID)
		return
	}
	claimed, ok := domain.ParseCallID(string(msg.CallID))
	if !ok {
		o.Metrics.Drop(metrics.DropBadCallID, sender.ID, "")
		return
	}
	callID := sender.CallID
	if claimed != "" {
		callID = claimed
	}
	if callID == "" {
		o.Metrics.Drop(metrics.DropNoCall, sender.ID, "")
		return
	}
	// Bind only once the call is known to exist.
	if err := o.Calls.AttachAgent(callID, sender.ID); err != nil {
		o.Metrics.Drop(metrics.DropUnknownCall, sender.ID, callID)
		return
	}
	o.Registry.Associate(sender.ID, callID)
	call, _ := o.Calls.Get(callID)
	if call.Customer == "" {
		o.Metrics.Drop(metrics.DropPeerGone, sender.ID, callID)
		return
	}
	o.send(call.Customer, core.Message{Type: core.TypeAnswer, CallID: callID, Answer: msg.Answer}, callID)
}

// handleCandidate forwards ICE to the opposite side of the sender's call.
func (o *Orchestrator) handleCandidate(sender app.Conn, msg core.Message) {
	if sender.CallID == "" {
		o.Metrics.Drop(metrics.DropNoCall, sender.ID, msg.CallID)
		return
	}
	if sender.Role == domain.RoleUnassigned {
		o.Metrics.Drop(metrics.DropNoRole, sender.ID, sender.CallID)
		return
	}
	call, ok := o.Calls.Get(sender.CallID)
	if !ok {
		o.Metrics.Drop(metrics.DropUnknownCall, sender.ID, sender.CallID)
		return
	}
	peer := call.Peer(sender.Role)
	if peer == "" {
		o.Metrics.Drop(metrics.DropPeerGone, sender.ID, call.ID)
		return
	}
	o.send(peer, core.Message{Type: core.TypeICECandidate, CallID: call.ID, Candidate: msg.Candidate}, call.ID)
}

// handleEndCall tells each present participant exactly once, then forgets the call.
func (o *Orchestrator) handleEndCall(sender app.Conn, msg core.Message) {
	if sender.CallID == "" {
		o.Metrics.Drop(metrics.DropNoCall, sender.ID, msg.CallID)
		return
	}
	call, ok := o.Calls.Delete(sender.CallID)
	if !ok {
		o.Metrics.Drop(metrics.DropUnknownCall, sender.ID, sender.CallID)
		o.Registry.Dissociate(sender.ID, sender.CallID)
		return
	}
	ended := core.Message{Type: core.TypeCallEnded, CallID: call.ID}
	for _, id := range participants(call) {
		o.send(id, ended, call.ID)
		o.Registry.Dissociate(id, call.ID)
	}
	o.Registry.Dissociate(sender.ID, call.ID)
	log.Info().Str("module", "orch").Str("call", string(call.ID)).Str("by", string(sender.ID)).Msg("call ended")
}

func participants(c app.Call) []domain.ConnectionID {
	out := make([]domain.ConnectionID, 0, 2)
	if c.Customer != "" {
		out = append(out, c.Customer)
	}
	if c.Agent != "" && c.Agent != c.Customer {
		out = append(out, c.Agent)
	}
	return out
}
