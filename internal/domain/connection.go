// Package domain contains entity without logic, just meta-data
package domain

import "github.com/google/uuid"

type ConnectionID string

// NewConnectionID allocates an opaque identifier for a freshly opened transport.
func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.NewString())
}

type Role int

const (
	RoleUnassigned Role = iota
	RoleCustomer
	RoleAgent
)

func (r Role) String() string {
	switch r {
	case RoleCustomer:
		return "customer"
	case RoleAgent:
		return "agent"
	default:
		return "unassigned"
	}
}

// ParseRole accepts only the roles a client may claim on the wire.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "customer":
		return RoleCustomer, true
	case "agent":
		return RoleAgent, true
	}
	return RoleUnassigned, false
}
