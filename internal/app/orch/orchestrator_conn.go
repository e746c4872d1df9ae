package orch

import (
	"github.com/dkeye/callbridge/internal/app"
	"github.com/dkeye/callbridge/internal/core"
	"github.com/dkeye/callbridge/internal/domain"
	"github.com/dkeye/callbridge/internal/metrics"
)

// handleRegister sets role and call association as claimed. The call table
// is left alone. A message with any invalid field changes nothing.
func (o *Orchestrator) handleRegister(sender app.Conn, msg core.Message) {
	callID, ok := domain.ParseCallID(string(msg.CallID))
	if !ok {
		o.Metrics.Drop(metrics.DropBadCallID, sender.ID, "")
		return
	}
	if msg.Role != "" {
		role, ok := domain.ParseRole(msg.Role)
		if !ok {
			o.Metrics.Drop(metrics.DropBadRole, sender.ID, callID)
			return
		}
		o.Registry.SetRole(sender.ID, role)
	}
	if callID != "" {
		o.Registry.Associate(sender.ID, callID)
	}
}

// handleAgentReady puts the sender into the idle agent pool.
func (o *Orchestrator) handleAgentReady(sender app.Conn) {
	o.Registry.SetRole(sender.ID, domain.RoleAgent)
	o.Registry.Dissociate(sender.ID, "")
}
