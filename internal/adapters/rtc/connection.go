// Package rtc is the media end of the headless agent: one answering
// PeerConnection per call, with trickle ICE relayed through the signal client.
package rtc

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callbridge/internal/domain"
)

// Sink receives every RTP packet read from remote tracks.
type Sink interface {
	WritePacket(kind webrtc.RTPCodecType, pkt *rtp.Packet)
}

type AgentConnection struct {
	pc     *webrtc.PeerConnection
	callID domain.CallID
	sink   Sink
	cancel context.CancelFunc

	mu       sync.Mutex
	onICE    func(webrtc.ICECandidateInit)
	onClosed func()
	closed   bool
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

func NewAgentConnection(cfg webrtc.Configuration, callID domain.CallID, sink Sink) (*AgentConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &AgentConnection{pc: pc, callID: callID, sink: sink}, nil
}

func (c *AgentConnection) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("call", string(c.callID)).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed || s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("call", string(c.callID)).Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed {
			c.Close()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("call", string(c.callID)).
			Str("kind", track.Kind().String()).
			Str("codec", track.Codec().MimeType).
			Msg("remote track")
		go c.drain(ctx, track)
	})
}

// ApplyOffer sets the customer's offer and returns the local answer at once.
// Candidates follow through OnICECandidate.
func (c *AgentConnection) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *AgentConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *AgentConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

// OnClosed runs once, after the first Close.
func (c *AgentConnection) OnClosed(fn func()) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

func (c *AgentConnection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onClosed
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("call", string(c.callID)).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("call", string(c.callID)).Msg("closed")
	}
	if fn != nil {
		fn()
	}
}

func (c *AgentConnection) drain(ctx context.Context, track *webrtc.TrackRemote) {
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("module", "rtc").Str("call", string(c.callID)).Msg("track read")
			}
			return
		}
		if c.sink != nil {
			c.sink.WritePacket(track.Kind(), pkt)
		}
	}
}

// PacketCounter is a Sink that only counts what arrives.
type PacketCounter struct {
	audio atomic.Uint64
	video atomic.Uint64
	bytes atomic.Uint64
}

func (p *PacketCounter) WritePacket(kind webrtc.RTPCodecType, pkt *rtp.Packet) {
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		p.audio.Add(1)
	case webrtc.RTPCodecTypeVideo:
		p.video.Add(1)
	}
	p.bytes.Add(uint64(len(pkt.Payload)))
}

func (p *PacketCounter) Audio() uint64 { return p.audio.Load() }
func (p *PacketCounter) Video() uint64 { return p.video.Load() }
func (p *PacketCounter) Bytes() uint64 { return p.bytes.Load() }
