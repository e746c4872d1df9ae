package domain

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const MaxCallIDLen = 64

type CallID string

// NewCallID is used when a customer submits an offer without its own identifier.
func NewCallID() CallID {
	return CallID("call_" + uuid.NewString())
}

// ParseCallID trims the caller-supplied value. Values longer than
// MaxCallIDLen or not valid UTF-8 are rejected, never shortened, so two
// distinct ids cannot end up naming the same call.
func ParseCallID(raw string) (CallID, bool) {
	raw = strings.TrimSpace(raw)
	if len(raw) > MaxCallIDLen || !utf8.ValidString(raw) {
		return "", false
	}
	return CallID(raw), true
}

type CallState int

const (
	CallPending CallState = iota
	CallMatched
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallPending:
		return "pending"
	case CallMatched:
		return "matched"
	case CallEnded:
		return "ended"
	}
	return "unknown"
}

// CallerInfo is whatever the customer typed into the widget. Not validated.
type CallerInfo struct {
	Name   string `json:"callerName,omitempty"`
	Phone  string `json:"callerPhone,omitempty"`
	Reason string `json:"callReason,omitempty"`
}
