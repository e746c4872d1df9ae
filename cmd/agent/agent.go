package main

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callbridge/internal/adapters/rtc"
	"github.com/dkeye/callbridge/internal/client"
	"github.com/dkeye/callbridge/internal/core"
	"github.com/dkeye/callbridge/internal/domain"
)

// signaler is the part of client.Client the agent drives.
type signaler interface {
	AgentReady() error
	SendAnswer(callID domain.CallID, answer webrtc.SessionDescription) error
	SendCandidate(callID domain.CallID, cand webrtc.ICECandidateInit) error
}

// agent handles one call at a time. Without --answer it only logs rings.
type agent struct {
	ctx    context.Context
	sig    signaler
	answer bool
	rtcCfg webrtc.Configuration
	sink   *rtc.PacketCounter

	mu     sync.Mutex
	callID domain.CallID
	conn   *rtc.AgentConnection
}

func newAgent(ctx context.Context, answer bool, cfg webrtc.Configuration) *agent {
	return &agent{ctx: ctx, answer: answer, rtcCfg: cfg, sink: &rtc.PacketCounter{}}
}

// onConnect rejoins the pool. Every new connection starts unassigned on the relay.
func (a *agent) onConnect() {
	if err := a.sig.AgentReady(); err != nil {
		log.Warn().Err(err).Str("module", "agent").Msg("agent-ready")
		return
	}
	log.Info().Str("module", "agent").Msg("waiting for calls")
}

func (a *agent) onDisconnect(code int) {
	log.Warn().Str("module", "agent").Int("code", code).Msg("signal connection lost")
	a.hangUp()
}

func (a *agent) onMessage(m core.Message) {
	switch m.Type {
	case core.TypeIncomingCall:
		a.onIncomingCall(m)
	case core.TypeICECandidate:
		a.onCandidate(m)
	case core.TypeCallEnded:
		log.Info().Str("module", "agent").Str("call", string(m.CallID)).Msg("call ended")
		a.hangUp()
		if err := a.sig.AgentReady(); err != nil {
			log.Warn().Err(err).Str("module", "agent").Msg("agent-ready")
		}
	case core.TypePong, core.TypeConnectionEstablished:
	default:
		log.Debug().Str("module", "agent").Str("type", string(m.Type)).Msg("ignored")
	}
}

func (a *agent) onIncomingCall(m core.Message) {
	log.Info().
		Str("module", "agent").
		Str("call", string(m.CallID)).
		Str("caller", m.Name).
		Str("phone", m.Phone).
		Str("reason", m.Reason).
		Msg("incoming call")
	if !a.answer {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		log.Info().Str("module", "agent").Str("call", string(m.CallID)).Str("busy_with", string(a.callID)).Msg("busy, not answering")
		return
	}

	offer, err := client.DecodeSessionDescription(m.Offer)
	if err != nil {
		log.Warn().Err(err).Str("module", "agent").Str("call", string(m.CallID)).Msg("bad offer")
		return
	}
	conn, err := rtc.NewAgentConnection(a.rtcCfg, m.CallID, a.sink)
	if err != nil {
		log.Error().Err(err).Str("module", "agent").Msg("peer connection")
		return
	}
	callID := m.CallID
	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if err := a.sig.SendCandidate(callID, c); err != nil {
			log.Debug().Err(err).Str("module", "agent").Str("call", string(callID)).Msg("candidate not sent")
		}
	})
	conn.Start(a.ctx)

	answer, err := conn.ApplyOffer(offer)
	if err != nil {
		log.Warn().Err(err).Str("module", "agent").Str("call", string(callID)).Msg("apply offer")
		conn.Close()
		return
	}
	if err := a.sig.SendAnswer(callID, answer); err != nil {
		log.Warn().Err(err).Str("module", "agent").Str("call", string(callID)).Msg("answer not sent")
		conn.Close()
		return
	}
	a.callID = callID
	a.conn = conn
	log.Info().Str("module", "agent").Str("call", string(callID)).Msg("answered")
}

func (a *agent) onCandidate(m core.Message) {
	a.mu.Lock()
	conn, current := a.conn, a.callID
	a.mu.Unlock()
	if conn == nil || (m.CallID != "" && m.CallID != current) {
		return
	}
	cand, err := client.DecodeCandidate(m.Candidate)
	if err != nil {
		log.Warn().Err(err).Str("module", "agent").Msg("bad candidate")
		return
	}
	if err := conn.AddICECandidate(cand); err != nil {
		log.Warn().Err(err).Str("module", "agent").Str("call", string(current)).Msg("add candidate")
	}
}

func (a *agent) hangUp() {
	a.mu.Lock()
	conn, callID := a.conn, a.callID
	a.conn, a.callID = nil, ""
	a.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Close()
	log.Info().
		Str("module", "agent").
		Str("call", string(callID)).
		Uint64("audio_packets", a.sink.Audio()).
		Uint64("bytes", a.sink.Bytes()).
		Msg("hung up")
}

func (a *agent) current() domain.CallID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.callID
}
