package client

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callbridge/internal/core"
	"github.com/dkeye/callbridge/internal/domain"
)

func (c *Client) Register(role domain.Role, callID domain.CallID) error {
	return c.Send(core.Message{Type: core.TypeRegister, Role: role.String(), CallID: callID})
}

func (c *Client) AgentReady() error {
	return c.Send(core.Message{Type: core.TypeAgentReady})
}

// SendOffer starts a call. An empty callID lets the relay pick one.
func (c *Client) SendOffer(callID domain.CallID, offer webrtc.SessionDescription, caller domain.CallerInfo) error {
	raw, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("encode offer: %w", err)
	}
	return c.Send(core.Message{Type: core.TypeOffer, CallID: callID, Offer: raw, CallerInfo: caller})
}

func (c *Client) SendAnswer(callID domain.CallID, answer webrtc.SessionDescription) error {
	raw, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}
	return c.Send(core.Message{Type: core.TypeAnswer, CallID: callID, Answer: raw})
}

func (c *Client) SendCandidate(callID domain.CallID, cand webrtc.ICECandidateInit) error {
	raw, err := json.Marshal(cand)
	if err != nil {
		return fmt.Errorf("encode candidate: %w", err)
	}
	return c.Send(core.Message{Type: core.TypeICECandidate, CallID: callID, Candidate: raw})
}

func (c *Client) EndCall(callID domain.CallID) error {
	return c.Send(core.Message{Type: core.TypeEndCall, CallID: callID})
}

func DecodeSessionDescription(raw json.RawMessage) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(raw, &sd); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode session description: %w", err)
	}
	return sd, nil
}

func DecodeCandidate(raw json.RawMessage) (webrtc.ICECandidateInit, error) {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &ci); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("decode ice candidate: %w", err)
	}
	return ci, nil
}
