package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/callbridge/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

type MessageType string

// Inbound.
const (
	TypeRegister     MessageType = "register"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeAgentReady   MessageType = "agent-ready"
	TypeEndCall      MessageType = "end-call"
	TypePing         MessageType = "ping"
)

// Outbound only.
const (
	TypeConnectionEstablished MessageType = "connection_established"
	TypeIncomingCall          MessageType = "incoming-call"
	TypeCallEnded             MessageType = "call-ended"
	TypePong                  MessageType = "pong"
)

// Close codes used on the signal transport.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
)

// Message is the single JSON envelope for every direction. Payloads the relay
// forwards (offer, answer, candidate) stay raw.
type Message struct {
	Type         MessageType         `json:"type"`
	CallID       domain.CallID       `json:"callId,omitempty"`
	Role         string              `json:"role,omitempty"`
	Offer        json.RawMessage     `json:"offer,omitempty"`
	Answer       json.RawMessage     `json:"answer,omitempty"`
	Candidate    json.RawMessage     `json:"candidate,omitempty"`
	ConnectionID domain.ConnectionID `json:"connectionId,omitempty"`
	Timestamp    int64               `json:"timestamp,omitempty"`
	domain.CallerInfo
}

func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

// Encode stamps the message with the send time in unix milliseconds.
func Encode(m Message, now time.Time) (Frame, error) {
	m.Timestamp = now.UnixMilli()
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return b, nil
}
